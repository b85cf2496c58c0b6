package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avelys/meetmesh/internal/media"
)

// AudioLevelURI is the RTP header extension carrying per-packet speech
// energy, negotiated so inbound audio can feed the speaker detector.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// NewPionFactory returns a TransportFactory backed by pion/webrtc.
// Passing no servers falls back to the public STUN pair.
func NewPionFactory(iceServers []string) TransportFactory {
	cfg := webrtc.Configuration{ICEServers: defaultICEServers}
	if len(iceServers) > 0 {
		cfg.ICEServers = nil
		for _, u := range iceServers {
			cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}

	return func(hooks Hooks) (Transport, error) {
		m := &webrtc.MediaEngine{}
		if err := m.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
		if err := m.RegisterHeaderExtension(
			webrtc.RTPHeaderExtensionCapability{URI: AudioLevelURI},
			webrtc.RTPCodecTypeAudio,
		); err != nil {
			return nil, fmt.Errorf("register audio-level extension: %w", err)
		}
		api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		t := &pionTransport{pc: pc}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c != nil && hooks.OnICECandidate != nil {
				hooks.OnICECandidate(c.ToJSON())
			}
		})
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			log.Debug().
				Str("module", "mesh").
				Str("kind", track.Kind().String()).
				Str("track_id", track.ID()).
				Msg("remote track")
			if hooks.OnTrack != nil {
				hooks.OnTrack(track, receiver)
			}
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if hooks.OnStateChange != nil {
				hooks.OnStateChange(s)
			}
		})

		return t, nil
	}
}

type pionTransport struct {
	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

// AttachOutgoing creates one sendrecv transceiver per kind so senders
// exist even when a slot is currently nil; later swaps then never need
// a topology change.
func (t *pionTransport) AttachOutgoing(out media.Outgoing) error {
	audioTr, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	videoTr, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}
	t.audioSender = audioTr.Sender()
	t.videoSender = videoTr.Sender()
	return t.ReplaceOutgoing(out)
}

func (t *pionTransport) ReplaceOutgoing(out media.Outgoing) error {
	if t.audioSender == nil || t.videoSender == nil {
		return fmt.Errorf("outgoing senders not attached")
	}
	if err := t.audioSender.ReplaceTrack(out.Audio); err != nil {
		return fmt.Errorf("replace audio track: %w", err)
	}
	if err := t.videoSender.ReplaceTrack(out.Video); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (t *pionTransport) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (t *pionTransport) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
