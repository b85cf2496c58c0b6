package mesh

import (
	"math"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avelys/meetmesh/internal/domain"
)

// levelSource feeds the speaker detector from one inbound audio track,
// reading the ssrc-audio-level header extension off each RTP packet.
// Without the negotiated extension the level stays zero and the peer is
// simply never detected.
type levelSource struct {
	id      domain.PeerID
	mutedFn func() bool
	level   atomic.Uint64 // float64 bits
	done    chan struct{}
}

func newLevelSource(id domain.PeerID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, mutedFn func() bool) *levelSource {
	s := &levelSource{
		id:      id,
		mutedFn: mutedFn,
		done:    make(chan struct{}),
	}
	go s.loop(track, extensionID(receiver))
	return s
}

// extensionID resolves the negotiated header extension id for the
// audio-level URI, or 0 when it was not negotiated.
func extensionID(receiver *webrtc.RTPReceiver) uint8 {
	if receiver == nil {
		return 0
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

func (s *levelSource) loop(track *webrtc.TrackRemote, extID uint8) {
	logger := log.With().Str("module", "mesh").Str("peer", string(s.id)).Logger()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("audio level loop stopped")
			return
		}
		if extID == 0 {
			continue
		}
		raw := pkt.GetExtension(extID)
		if raw == nil {
			continue
		}
		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(raw); err != nil {
			continue
		}
		s.level.Store(math.Float64bits(normalizeLevel(ext.Level)))
	}
}

// normalizeLevel maps the extension's 0..127 dBov attenuation (0 is
// loudest) onto a 0..1 energy.
func normalizeLevel(dbov uint8) float64 {
	if dbov > 127 {
		dbov = 127
	}
	return float64(127-dbov) / 127
}

func (s *levelSource) ID() domain.PeerID { return s.id }

func (s *levelSource) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

func (s *levelSource) Muted() bool { return s.mutedFn() }

func (s *levelSource) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
