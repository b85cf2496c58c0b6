// Package session owns one meeting-room membership: it wires the
// signaling channel, admission, media routing, the peer mesh, presence
// and speaker detection together, and funnels every state mutation
// through a single dispatcher loop.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/avelys/meetmesh/internal/admission"
	"github.com/avelys/meetmesh/internal/domain"
	"github.com/avelys/meetmesh/internal/media"
	"github.com/avelys/meetmesh/internal/mesh"
	"github.com/avelys/meetmesh/internal/presence"
	"github.com/avelys/meetmesh/internal/signal"
	"github.com/avelys/meetmesh/internal/speaker"
)

// Config describes one room membership attempt.
type Config struct {
	RelayURL string
	Room     domain.RoomID
	Identity domain.PeerID // empty for anonymous; relay assigns one
	Name     string
	Role     domain.Role

	ICEServers []string

	SpeakerInterval  time.Duration
	SpeakerDecay     time.Duration
	SpeakerThreshold float64

	// OnActiveSpeaker fires on every active-speaker change; zero PeerID
	// means nobody. Invoked from the session loop; must not block.
	OnActiveSpeaker func(domain.PeerID)

	// Dial overrides the signaling transport. Defaults to signal.Dial.
	Dial func(ctx context.Context, relayURL string, room domain.RoomID) (signal.Channel, error)
	// TransportFactory overrides peer transport construction. Defaults
	// to the pion-backed factory.
	TransportFactory mesh.TransportFactory
}

// KickedError is the terminal session error after a policy removal.
type KickedError struct {
	Reason domain.KickReason
}

func (e *KickedError) Error() string { return "kicked: " + string(e.Reason) }

// Session is the explicit per-room context: created on entry, torn down
// on leave/kick/error, never ambient. All components hang off it and
// all their mutations happen on its loop.
type Session struct {
	cfg Config
	log zerolog.Logger

	// self is rebound once on the relay's init message; selfMu covers
	// reads from outside the loop.
	selfMu sync.Mutex
	self   *domain.Participant

	ch        signal.Channel
	admission *admission.Controller
	router    *media.Router
	mesh      *mesh.Manager
	roster    *presence.Roster
	chat      *presence.ChatLog
	detector  *speaker.Detector

	events chan func()
	wg     conc.WaitGroup
	ctx    context.Context

	stopped bool // loop-confined
	err     error
	done    chan struct{}
}

// New assembles a session; no resources are acquired until Start.
func New(cfg Config, provider media.CaptureProvider, compositor media.Compositor) (*Session, error) {
	if cfg.Name == "" {
		return nil, domain.ErrNameEmpty
	}
	if cfg.SpeakerInterval <= 0 {
		cfg.SpeakerInterval = speaker.DefaultInterval
	}
	if cfg.Dial == nil {
		cfg.Dial = signal.Dial
	}
	if cfg.TransportFactory == nil {
		cfg.TransportFactory = mesh.NewPionFactory(cfg.ICEServers)
	}

	self, err := domain.NewParticipant(cfg.Identity, cfg.Name, cfg.Role)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		self:   self,
		log:    log.With().Str("module", "session").Str("room", string(cfg.Room)).Logger(),
		router: media.NewRouter(provider, compositor),
		roster: presence.NewRoster(),
		chat:   presence.NewChatLog(),
		events: make(chan func(), 64),
		done:   make(chan struct{}),
	}
	s.detector = speaker.New(cfg.SpeakerThreshold, cfg.SpeakerDecay, cfg.OnActiveSpeaker)
	return s, nil
}

// Self snapshots the local participant. Safe from any goroutine.
func (s *Session) Self() domain.Participant {
	s.selfMu.Lock()
	defer s.selfMu.Unlock()
	return *s.self
}

// Start acquires local media, connects the signaling channel, and runs
// the dispatcher. Device acquisition failure is fatal and aborts
// initialization with nothing left acquired.
func (s *Session) Start(ctx context.Context) error {
	s.ctx = ctx
	if err := s.router.Acquire(ctx); err != nil {
		return err
	}

	ch, err := s.cfg.Dial(ctx, s.cfg.RelayURL, s.cfg.Room)
	if err != nil {
		s.router.Close()
		return err
	}
	s.ch = ch

	s.admission = admission.NewController(s.self, ch)
	s.mesh = mesh.NewManager(s.self.ID, ch, s.cfg.TransportFactory, s.detector, s.roster.Muted, s.post)
	s.mesh.OnPeerDown(s.handlePeerDown)
	s.router.Subscribe(s.mesh)
	s.detector.Register(&localSource{s: s})

	s.wg.Go(func() { s.run(ctx) })
	s.log.Info().Str("self", string(s.self.ID)).Msg("session started")
	return nil
}

// Done is closed once the session reached a terminal state and every
// resource has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended; nil after a clean leave.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the dispatcher has exited.
func (s *Session) Wait() error {
	s.wg.Wait()
	return s.Err()
}

func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SpeakerInterval)
	defer ticker.Stop()

	for {
		var ev event
		select {
		case <-ctx.Done():
			ev = event{kind: evStop, err: ctx.Err()}
		case m, ok := <-s.ch.Recv():
			if !ok {
				ev = event{kind: evChannelDown, err: s.ch.Err()}
			} else {
				ev = event{kind: evMessage, msg: m}
			}
		case fn := <-s.events:
			ev = event{kind: evCommand, fn: fn}
		case now := <-ticker.C:
			ev = event{kind: evTick, now: now}
		}

		s.dispatch(ev)
		if s.stopped {
			return
		}
	}
}

// dispatch is the only place session state mutates.
func (s *Session) dispatch(ev event) {
	switch ev.kind {
	case evMessage:
		s.handleMessage(ev.msg)
	case evCommand:
		ev.fn()
	case evTick:
		s.detector.Poll(ev.now)
	case evChannelDown:
		err := ev.err
		if err != nil {
			err = fmt.Errorf("signaling channel closed: %w", err)
		}
		s.finish(err)
	case evStop:
		s.finish(ev.err)
	}
}

// post serializes a callback or API command onto the loop. Dropped once
// the session is done.
func (s *Session) post(fn func()) { s.tryPost(fn) }

// tryPost reports whether the thunk was accepted, so callers holding a
// resource can release it when the session ended first.
func (s *Session) tryPost(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// finish tears everything down exactly once, in dependency order:
// peers, then channel, then devices.
func (s *Session) finish(err error) {
	if s.stopped {
		return
	}
	s.stopped = true
	s.mesh.CloseAll()
	s.ch.Close()
	s.router.Close()
	s.err = err
	close(s.done)
	if err != nil {
		s.log.Info().Err(err).Msg("session ended")
	} else {
		s.log.Info().Msg("session ended")
	}
}

func (s *Session) handlePeerDown(id domain.PeerID) {
	s.roster.Remove(id)
	s.log.Info().Str("peer", string(id)).Msg("peer link degraded, removed")
}

// localSource feeds the detector with the local microphone. The ID
// tracks self, which may be rebound on the relay's init message.
type localSource struct {
	s *Session
}

func (l *localSource) ID() domain.PeerID { return l.s.self.ID }
func (l *localSource) Level() float64    { return l.s.router.AudioLevel() }
func (l *localSource) Muted() bool       { return l.s.router.Muted() }
