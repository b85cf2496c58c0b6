// Package speaker picks the transient "loudest participant" from the
// audio energy of every registered source.
package speaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelys/meetmesh/internal/domain"
)

const (
	DefaultInterval  = 150 * time.Millisecond
	DefaultDecay     = 1500 * time.Millisecond
	DefaultThreshold = 0.08
)

// Source exposes one participant's audio energy. Muted sources are
// never selected, whatever their raw energy.
type Source interface {
	ID() domain.PeerID
	Level() float64 // normalized energy, 0..1
	Muted() bool
}

// Detector samples all sources at a fixed interval. A detection marks
// that identity active and refreshes a decay timer; without
// re-detection before expiry the mark is cleared. Strictly greater
// energy wins; ties keep the incumbent.
type Detector struct {
	mu        sync.Mutex
	log       zerolog.Logger
	sources   map[domain.PeerID]Source
	threshold float64
	decay     time.Duration

	active   domain.PeerID
	deadline time.Time
	onChange func(domain.PeerID)
}

// New builds a detector. onChange fires on every active-identity
// change, with the zero PeerID meaning "nobody"; it may be nil.
func New(threshold float64, decay time.Duration, onChange func(domain.PeerID)) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if decay <= 0 {
		decay = DefaultDecay
	}
	return &Detector{
		log:       log.With().Str("module", "speaker").Logger(),
		sources:   make(map[domain.PeerID]Source),
		threshold: threshold,
		decay:     decay,
		onChange:  onChange,
	}
}

func (d *Detector) Register(src Source) {
	d.mu.Lock()
	d.sources[src.ID()] = src
	d.mu.Unlock()
	d.log.Debug().Str("peer", string(src.ID())).Msg("source registered")
}

func (d *Detector) Deregister(id domain.PeerID) {
	d.mu.Lock()
	delete(d.sources, id)
	cleared := d.active == id
	if cleared {
		d.active = ""
	}
	cb := d.onChange
	d.mu.Unlock()
	if cleared && cb != nil {
		cb("")
	}
	d.log.Debug().Str("peer", string(id)).Msg("source deregistered")
}

func (d *Detector) Active() domain.PeerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Poll runs one sampling pass. Called from the session loop ticker.
func (d *Detector) Poll(now time.Time) {
	d.mu.Lock()
	var (
		best       domain.PeerID
		bestEnergy float64
	)
	for id, src := range d.sources {
		if src.Muted() {
			continue
		}
		e := src.Level()
		if e > bestEnergy || (e == bestEnergy && id == d.active) {
			best = id
			bestEnergy = e
		}
	}

	prev := d.active
	switch {
	case best != "" && bestEnergy >= d.threshold:
		d.active = best
		d.deadline = now.Add(d.decay)
	case d.active != "" && now.After(d.deadline):
		d.active = ""
	}
	changed := d.active != prev
	active := d.active
	cb := d.onChange
	d.mu.Unlock()

	if changed {
		d.log.Debug().Str("peer", string(active)).Msg("active speaker changed")
		if cb != nil {
			cb(active)
		}
	}
}
