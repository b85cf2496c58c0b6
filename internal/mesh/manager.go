package mesh

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelys/meetmesh/internal/domain"
	"github.com/avelys/meetmesh/internal/media"
	"github.com/avelys/meetmesh/internal/signal"
	"github.com/avelys/meetmesh/internal/speaker"
)

// Sender carries negotiation messages to one remote identity via the
// relay.
type Sender interface {
	Send(signal.Message) error
}

// SpeakerRegistry receives inbound audio sources as links come and go.
type SpeakerRegistry interface {
	Register(speaker.Source)
	Deregister(domain.PeerID)
}

// Manager owns the peer-link roster: at most one link per remote
// identity. All methods run on the session loop; transport callbacks
// re-enter through post.
type Manager struct {
	self     domain.PeerID
	sender   Sender
	factory  TransportFactory
	speakers SpeakerRegistry
	mutedFn  func(domain.PeerID) bool
	post     func(func())
	log      zerolog.Logger

	links    map[domain.PeerID]*Link
	levels   map[domain.PeerID]*levelSource
	outgoing media.Outgoing

	// onPeerDown fires after a link is torn down for sustained
	// transport degradation, so the caller can drop the roster entry.
	onPeerDown func(domain.PeerID)
}

func NewManager(self domain.PeerID, sender Sender, factory TransportFactory, speakers SpeakerRegistry, mutedFn func(domain.PeerID) bool, post func(func())) *Manager {
	if mutedFn == nil {
		mutedFn = func(domain.PeerID) bool { return false }
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Manager{
		self:     self,
		sender:   sender,
		factory:  factory,
		speakers: speakers,
		mutedFn:  mutedFn,
		post:     post,
		log:      log.With().Str("module", "mesh").Logger(),
		links:    make(map[domain.PeerID]*Link),
		levels:   make(map[domain.PeerID]*levelSource),
	}
}

// OnPeerDown registers the teardown notification callback.
func (m *Manager) OnPeerDown(fn func(domain.PeerID)) { m.onPeerDown = fn }

func (m *Manager) Count() int { return len(m.links) }

func (m *Manager) Has(id domain.PeerID) bool {
	_, ok := m.links[id]
	return ok
}

// Peers lists the identities with a live link.
func (m *Manager) Peers() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	return out
}

func (m *Manager) State(id domain.PeerID) (LinkState, bool) {
	l, ok := m.links[id]
	if !ok {
		return LinkClosed, false
	}
	return l.State(), true
}

// AddPeer builds an initiator link to a newly admitted participant and
// sends the offer. Any prior link for that identity is closed first;
// ownership transfers, never overlaps.
func (m *Manager) AddPeer(id domain.PeerID) error {
	if id == m.self {
		m.log.Warn().Str("peer", string(id)).Msg("refusing loopback link")
		return nil
	}
	l, err := m.createLink(id, Initiator)
	if err != nil {
		return err
	}
	sdp, err := l.offer(m.outgoing)
	if err != nil {
		m.teardown(id)
		return err
	}
	return m.sender.Send(signal.Message{
		Type:   signal.TypeOffer,
		Target: id,
		SDP:    sdp.SDP,
	})
}

// HandleOffer builds a responder link, applies the offer, and sends the
// answer back.
func (m *Manager) HandleOffer(from domain.PeerID, sdp string) error {
	l, err := m.createLink(from, Responder)
	if err != nil {
		return err
	}
	answer, err := l.answer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, m.outgoing)
	if err != nil {
		m.teardown(from)
		return err
	}
	return m.sender.Send(signal.Message{
		Type:   signal.TypeAnswer,
		Target: from,
		SDP:    answer.SDP,
	})
}

func (m *Manager) HandleAnswer(from domain.PeerID, sdp string) error {
	l, ok := m.links[from]
	if !ok {
		m.log.Warn().Str("peer", string(from)).Msg("answer for unknown link")
		return nil
	}
	if err := l.applyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		m.teardown(from)
		return err
	}
	return nil
}

func (m *Manager) HandleCandidate(from domain.PeerID, c webrtc.ICECandidateInit) error {
	l, ok := m.links[from]
	if !ok {
		m.log.Warn().Str("peer", string(from)).Msg("candidate for unknown link")
		return nil
	}
	return l.addCandidate(c)
}

// Remove closes and discards the link for id, if any.
func (m *Manager) Remove(id domain.PeerID) {
	m.teardown(id)
}

// CloseAll tears down every link. First step of session teardown.
func (m *Manager) CloseAll() {
	for id := range m.links {
		m.teardown(id)
	}
}

// OutgoingChanged implements media.Subscriber: the new source is swapped
// onto every live link within this call. A link that rejects the swap
// is torn down; the rest of the session continues.
func (m *Manager) OutgoingChanged(out media.Outgoing) {
	m.outgoing = out
	var broken []domain.PeerID
	for id, l := range m.links {
		if l.State() == LinkNew {
			continue // senders not attached yet; offer/answer will pick it up
		}
		if err := l.replaceOutgoing(out); err != nil {
			m.log.Error().Err(err).Str("peer", string(id)).Msg("source swap failed")
			broken = append(broken, id)
		}
	}
	for _, id := range broken {
		m.teardown(id)
	}
}

func (m *Manager) createLink(id domain.PeerID, role Role) (*Link, error) {
	if old, ok := m.links[id]; ok {
		m.log.Info().Str("peer", string(id)).Str("state", old.State().String()).Msg("replacing existing link")
		m.teardown(id)
	}

	logger := m.log.With().Str("peer", string(id)).Logger()
	hooks := Hooks{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			// Serialized through the loop so a candidate discovered
			// during CreateOffer cannot reach the wire before the
			// offer itself.
			m.post(func() {
				if err := m.sender.Send(signal.Message{
					Type:      signal.TypeICECandidate,
					Target:    id,
					Candidate: &c,
				}); err != nil {
					logger.Error().Err(err).Msg("send candidate")
				}
			})
		},
		OnTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				m.post(func() { m.registerAudio(id, track, receiver) })
			}
		},
		OnStateChange: func(s webrtc.PeerConnectionState) {
			m.post(func() { m.handleStateChange(id, s) })
		},
	}

	tr, err := m.factory(hooks)
	if err != nil {
		return nil, err
	}
	l := newLink(id, role, tr, logger)
	m.links[id] = l
	logger.Info().Str("role", roleName(role)).Msg("link created")
	return l, nil
}

func (m *Manager) registerAudio(id domain.PeerID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if _, ok := m.links[id]; !ok {
		return // link already gone
	}
	if old, ok := m.levels[id]; ok {
		old.stop()
	}
	src := newLevelSource(id, track, receiver, func() bool { return m.mutedFn(id) })
	m.levels[id] = src
	if m.speakers != nil {
		m.speakers.Register(src)
	}
}

func (m *Manager) handleStateChange(id domain.PeerID, s webrtc.PeerConnectionState) {
	l, ok := m.links[id]
	if !ok {
		return
	}
	st := l.observeTransport(s)
	m.log.Info().Str("peer", string(id)).Str("state", st.String()).Msg("link state")
	if st == LinkDisconnected || st == LinkFailed {
		m.teardown(id)
		if m.onPeerDown != nil {
			m.onPeerDown(id)
		}
	}
}

func (m *Manager) teardown(id domain.PeerID) {
	if src, ok := m.levels[id]; ok {
		src.stop()
		delete(m.levels, id)
		if m.speakers != nil {
			m.speakers.Deregister(id)
		}
	}
	if l, ok := m.links[id]; ok {
		l.close()
		delete(m.links, id)
	}
}

func roleName(r Role) string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}
