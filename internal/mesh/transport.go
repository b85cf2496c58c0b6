// Package mesh maintains one full-duplex media link per other admitted
// participant.
package mesh

import (
	"github.com/pion/webrtc/v4"

	"github.com/avelys/meetmesh/internal/media"
)

// Hooks are the transport callbacks. Implementations invoke them from
// their own goroutines; consumers must serialize them back onto the
// session loop.
type Hooks struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnStateChange  func(webrtc.PeerConnectionState)
}

// Transport is the media-plane connection under one Link.
type Transport interface {
	// AttachOutgoing creates the audio/video senders and routes the
	// given tracks to them. Called once, before negotiation.
	AttachOutgoing(media.Outgoing) error
	// ReplaceOutgoing swaps tracks on the existing senders in place,
	// avoiding renegotiation. Nil slots stop sending for that kind.
	ReplaceOutgoing(media.Outgoing) error

	CreateOffer() (webrtc.SessionDescription, error)
	AcceptAnswer(webrtc.SessionDescription) error
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error

	Close() error
}

// TransportFactory builds a transport with its callbacks bound.
type TransportFactory func(hooks Hooks) (Transport, error)
