// Package admission gates room entry: the local membership state
// machine plus, on the host side, the waiting-room review queue.
package admission

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelys/meetmesh/internal/domain"
	"github.com/avelys/meetmesh/internal/signal"
)

type State int

const (
	StateConnecting State = iota
	StateWaiting
	StateActive
	StateRejected
	StateKicked
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateRejected:
		return "rejected"
	case StateKicked:
		return "kicked"
	}
	return "unknown"
}

// Terminal reports whether the state is final for this process. There
// is no reconnection after a terminal state.
func (s State) Terminal() bool { return s == StateRejected || s == StateKicked }

var (
	ErrNotHost  = errors.New("not a host")
	ErrTerminal = errors.New("admission state is terminal")
)

// Sender emits admission messages to the relay.
type Sender interface {
	Send(signal.Message) error
}

// Controller tracks this client's admission state and, for hosts, the
// pending join requests. All methods run on the session loop.
type Controller struct {
	self   *domain.Participant
	sender Sender
	log    zerolog.Logger

	state  State
	reason domain.KickReason

	// order-preserving review queue, deduped by identity
	records []domain.AdmissionRecord
}

func NewController(self *domain.Participant, sender Sender) *Controller {
	return &Controller{
		self:   self,
		sender: sender,
		state:  StateConnecting,
		log:    log.With().Str("module", "admission").Str("self", string(self.ID)).Logger(),
	}
}

func (c *Controller) State() State              { return c.state }
func (c *Controller) Reason() domain.KickReason { return c.reason }
func (c *Controller) Admitted() bool            { return c.state == StateActive }
func (c *Controller) IsHost() bool              { return c.self.Role == domain.RoleHost }

// RequestJoin announces this client to the relay. The relay either
// includes us in the roster (immediate grant) or parks us in the
// waiting room.
func (c *Controller) RequestJoin() error {
	if c.state.Terminal() {
		return ErrTerminal
	}
	return c.sender.Send(signal.Message{
		Type:     signal.TypeJoin,
		UserID:   c.self.ID,
		Username: c.self.Name,
		Role:     c.self.Role,
	})
}

// HandleWaiting parks the client in the waiting room.
func (c *Controller) HandleWaiting() {
	if c.state != StateConnecting {
		c.log.Warn().Str("state", c.state.String()).Msg("waiting-for-approval in unexpected state")
		return
	}
	c.state = StateWaiting
	c.log.Info().Msg("waiting for approval")
}

// HandleApproved admits the client, either from an explicit grant or
// from observing itself in a roster resync.
func (c *Controller) HandleApproved() {
	switch c.state {
	case StateConnecting, StateWaiting:
		c.state = StateActive
		c.log.Info().Msg("admitted")
	case StateActive:
	default:
		c.log.Warn().Str("state", c.state.String()).Msg("approval in terminal state")
	}
}

// HandleKicked renders a terminal state. A kick while still waiting is
// a rejection; afterwards it is a kick with the relay's reason,
// defaulting to host-denied.
func (c *Controller) HandleKicked(reason domain.KickReason) {
	if c.state.Terminal() {
		return
	}
	if reason == "" {
		reason = domain.KickHostDenied
	}
	if c.state == StateWaiting && reason == domain.KickHostDenied {
		c.state = StateRejected
	} else {
		c.state = StateKicked
	}
	c.reason = reason
	c.records = nil
	c.log.Info().Str("state", c.state.String()).Str("reason", string(reason)).Msg("admission terminal")
}

// HandleJoinRequest buffers one pending request for host review.
func (c *Controller) HandleJoinRequest(id domain.PeerID, name string) {
	if !c.IsHost() {
		return
	}
	for i, r := range c.records {
		if r.ID == id {
			c.records[i].Name = name
			return
		}
	}
	c.records = append(c.records, domain.AdmissionRecord{ID: id, Name: name})
	c.log.Info().Str("peer", string(id)).Msg("join request buffered")
}

// HandleWaitingList replaces the review queue with the relay's
// snapshot, sent to hosts on (re)join.
func (c *Controller) HandleWaitingList(users []signal.RosterEntry) {
	if !c.IsHost() {
		return
	}
	c.records = c.records[:0]
	for _, u := range users {
		c.records = append(c.records, domain.AdmissionRecord{ID: u.ID, Name: u.Name})
	}
}

// Approve resolves one pending request positively and clears it.
func (c *Controller) Approve(id domain.PeerID) error {
	if !c.IsHost() {
		return ErrNotHost
	}
	if err := c.sender.Send(signal.Message{Type: signal.TypeApproveUser, TargetUser: id}); err != nil {
		return err
	}
	c.clearRecord(id)
	c.log.Info().Str("peer", string(id)).Msg("approved")
	return nil
}

// Reject resolves one pending request negatively and clears it.
func (c *Controller) Reject(id domain.PeerID) error {
	if !c.IsHost() {
		return ErrNotHost
	}
	if err := c.sender.Send(signal.Message{Type: signal.TypeRejectUser, TargetUser: id}); err != nil {
		return err
	}
	c.clearRecord(id)
	c.log.Info().Str("peer", string(id)).Msg("rejected")
	return nil
}

// Kick removes an already-admitted participant.
func (c *Controller) Kick(id domain.PeerID) error {
	if !c.IsHost() {
		return ErrNotHost
	}
	return c.sender.Send(signal.Message{Type: signal.TypeKickUser, TargetUser: id})
}

// ClearRecord drops a pending request whose sender left before review.
func (c *Controller) ClearRecord(id domain.PeerID) { c.clearRecord(id) }

func (c *Controller) clearRecord(id domain.PeerID) {
	for i, r := range c.records {
		if r.ID == id {
			c.records = append(c.records[:i], c.records[i+1:]...)
			return
		}
	}
}

// Pending reports whether id awaits review. An identity with a pending
// record gets no peer link until approved.
func (c *Controller) Pending(id domain.PeerID) bool {
	for _, r := range c.records {
		if r.ID == id {
			return true
		}
	}
	return false
}

// Records returns a copy of the review queue in arrival order.
func (c *Controller) Records() []domain.AdmissionRecord {
	out := make([]domain.AdmissionRecord, len(c.records))
	copy(out, c.records)
	return out
}
