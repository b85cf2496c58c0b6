package mesh

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/avelys/meetmesh/internal/domain"
	"github.com/avelys/meetmesh/internal/media"
)

// LinkState is the lifecycle of one peer link. Closed is terminal: any
// later message for that identity produces a fresh link.
type LinkState int32

const (
	LinkNew LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// Role is the negotiation role this side took for the link.
type Role int

const (
	Initiator Role = iota
	Responder
)

var (
	ErrLinkClosed    = errors.New("link closed")
	ErrWrongRole     = errors.New("unexpected negotiation role")
	ErrNotNegotiated = errors.New("remote description not applied")
)

// Link owns one bidirectional media connection. All methods are called
// from the session loop; transport callbacks are posted back there.
type Link struct {
	remote domain.PeerID
	role   Role
	state  LinkState
	tr     Transport
	log    zerolog.Logger

	// Trickled candidates arriving before the remote description are
	// buffered and applied once it lands.
	remoteApplied bool
	pending       []webrtc.ICECandidateInit
}

func newLink(remote domain.PeerID, role Role, tr Transport, logger zerolog.Logger) *Link {
	return &Link{
		remote: remote,
		role:   role,
		tr:     tr,
		state:  LinkNew,
		log:    logger,
	}
}

func (l *Link) Remote() domain.PeerID { return l.remote }
func (l *Link) Role() Role            { return l.role }
func (l *Link) State() LinkState      { return l.state }

// offer attaches the current outgoing source and produces the
// negotiation offer. Initiator side only.
func (l *Link) offer(out media.Outgoing) (webrtc.SessionDescription, error) {
	if l.role != Initiator {
		return webrtc.SessionDescription{}, ErrWrongRole
	}
	if err := l.tr.AttachOutgoing(out); err != nil {
		return webrtc.SessionDescription{}, err
	}
	sdp, err := l.tr.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.state = LinkNegotiating
	return sdp, nil
}

// answer applies a remote offer and produces the local answer.
// Responder side only.
func (l *Link) answer(offer webrtc.SessionDescription, out media.Outgoing) (webrtc.SessionDescription, error) {
	if l.role != Responder {
		return webrtc.SessionDescription{}, ErrWrongRole
	}
	if err := l.tr.AttachOutgoing(out); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.state = LinkNegotiating
	sdp, err := l.tr.AcceptOffer(offer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.remoteDescriptionApplied()
	return sdp, nil
}

// applyAnswer completes the initiator handshake.
func (l *Link) applyAnswer(answer webrtc.SessionDescription) error {
	if l.role != Initiator {
		return ErrWrongRole
	}
	if l.state == LinkClosed {
		return ErrLinkClosed
	}
	if err := l.tr.AcceptAnswer(answer); err != nil {
		return err
	}
	l.remoteDescriptionApplied()
	return nil
}

// addCandidate trickles one remote candidate, buffering until the
// remote description has been applied.
func (l *Link) addCandidate(c webrtc.ICECandidateInit) error {
	if l.state == LinkClosed {
		return ErrLinkClosed
	}
	if !l.remoteApplied {
		l.pending = append(l.pending, c)
		return nil
	}
	return l.tr.AddICECandidate(c)
}

func (l *Link) remoteDescriptionApplied() {
	l.remoteApplied = true
	for _, c := range l.pending {
		if err := l.tr.AddICECandidate(c); err != nil {
			l.log.Error().Err(err).Msg("apply buffered candidate")
		}
	}
	l.pending = nil
}

// replaceOutgoing swaps the outgoing tracks in place. Preferred over
// renegotiation on source changes.
func (l *Link) replaceOutgoing(out media.Outgoing) error {
	if l.state == LinkClosed {
		return ErrLinkClosed
	}
	if err := l.tr.ReplaceOutgoing(out); err != nil {
		return fmt.Errorf("replace outgoing: %w", err)
	}
	return nil
}

// observeTransport maps transport connection states onto link states.
// Disconnected and Failed both mean teardown for the caller.
func (l *Link) observeTransport(s webrtc.PeerConnectionState) LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if l.state != LinkClosed {
			l.state = LinkConnected
		}
	case webrtc.PeerConnectionStateDisconnected:
		if l.state != LinkClosed {
			l.state = LinkDisconnected
		}
	case webrtc.PeerConnectionStateFailed:
		if l.state != LinkClosed {
			l.state = LinkFailed
		}
	}
	return l.state
}

func (l *Link) close() {
	if l.state == LinkClosed {
		return
	}
	l.state = LinkClosed
	if err := l.tr.Close(); err != nil {
		l.log.Error().Err(err).Msg("close transport")
	}
	l.log.Info().Msg("link closed")
}
