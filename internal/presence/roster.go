// Package presence applies broadcast attribute events to participant
// records and keeps the chat history. Updates are last-writer-wins in
// receipt order at this client; no causal ordering is assumed across
// senders.
package presence

import (
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelys/meetmesh/internal/domain"
	"github.com/avelys/meetmesh/internal/signal"
)

// Roster is the local view of all admitted participants plus the floor.
// At most one participant is presenter, and only while admitted.
type Roster struct {
	log          zerolog.Logger
	participants map[domain.PeerID]*domain.Participant
	presenter    domain.PeerID
}

func NewRoster() *Roster {
	return &Roster{
		log:          log.With().Str("module", "presence").Logger(),
		participants: make(map[domain.PeerID]*domain.Participant),
	}
}

func (r *Roster) Count() int { return len(r.participants) }

func (r *Roster) Has(id domain.PeerID) bool {
	_, ok := r.participants[id]
	return ok
}

func (r *Roster) Get(id domain.PeerID) (domain.Participant, bool) {
	p, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Upsert records a participant from a join event. Attributes of an
// already-known identity are preserved; only name and role refresh.
func (r *Roster) Upsert(id domain.PeerID, name string, role domain.Role) {
	if p, ok := r.participants[id]; ok {
		if name != "" {
			p.Name = name
		}
		if role != "" {
			p.Role = role
		}
		return
	}
	r.participants[id] = &domain.Participant{ID: id, Name: name, Role: role}
	r.log.Info().Str("peer", string(id)).Str("name", name).Msg("participant added")
}

// Remove drops a departed participant, releasing the floor if they
// held it.
func (r *Roster) Remove(id domain.PeerID) {
	delete(r.participants, id)
	if r.presenter == id {
		r.presenter = ""
	}
	r.log.Info().Str("peer", string(id)).Msg("participant removed")
}

// ApplySnapshot performs a full-state resync from a participants
// message: absent identities are dropped, present ones upserted, and
// the presenter re-validated against the new membership.
func (r *Roster) ApplySnapshot(users []signal.RosterEntry, presenter domain.PeerID) {
	seen := make(map[domain.PeerID]bool, len(users))
	for _, u := range users {
		seen[u.ID] = true
		r.Upsert(u.ID, u.Name, u.Role)
	}
	for id := range r.participants {
		if !seen[id] {
			r.Remove(id)
		}
	}
	r.setPresenter(presenter)
}

func (r *Roster) SetMuted(id domain.PeerID, muted bool) {
	if p, ok := r.participants[id]; ok {
		p.Muted = muted
	}
}

func (r *Roster) SetCameraOff(id domain.PeerID, off bool) {
	if p, ok := r.participants[id]; ok {
		p.CameraOff = off
	}
}

func (r *Roster) SetHandRaised(id domain.PeerID, raised bool) {
	if p, ok := r.participants[id]; ok {
		p.HandRaised = raised
	}
}

func (r *Roster) Muted(id domain.PeerID) bool {
	if p, ok := r.participants[id]; ok {
		return p.Muted
	}
	return false
}

// SetPresenter grants or releases the floor. Granting to an unknown
// identity is ignored so the floor always refers to an admitted
// participant.
func (r *Roster) SetPresenter(id domain.PeerID) { r.setPresenter(id) }

func (r *Roster) setPresenter(id domain.PeerID) {
	if id != "" && !r.Has(id) {
		r.log.Warn().Str("peer", string(id)).Msg("presenter not in roster, ignoring")
		return
	}
	if prev, ok := r.participants[r.presenter]; ok {
		prev.Presenting = false
	}
	r.presenter = id
	if p, ok := r.participants[id]; ok {
		p.Presenting = true
	}
}

// ClearPresenterIf releases the floor only when held by id.
func (r *Roster) ClearPresenterIf(id domain.PeerID) {
	if r.presenter == id {
		r.setPresenter("")
	}
}

func (r *Roster) Presenter() domain.PeerID { return r.presenter }

// Snapshot returns all participants ordered by identity for stable
// iteration.
func (r *Roster) Snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
