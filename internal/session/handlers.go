package session

import (
	"time"

	"github.com/avelys/meetmesh/internal/domain"
	"github.com/avelys/meetmesh/internal/signal"
)

func (s *Session) handleMessage(m signal.Message) {
	switch m.Type {
	case signal.TypeInit:
		s.handleInit(m)
	case signal.TypeWaiting:
		s.admission.HandleWaiting()
	case signal.TypeJoinApproved:
		s.admission.HandleApproved()
		// We are part of the room now; the floor may be claimed before
		// the first full resync arrives.
		s.roster.Upsert(s.self.ID, s.self.Name, s.self.Role)
	case signal.TypeParticipants:
		s.handleParticipants(m)
	case signal.TypeJoin:
		s.handleJoin(m)
	case signal.TypeOffer:
		s.handleOffer(m)
	case signal.TypeAnswer:
		s.handleAnswer(m)
	case signal.TypeICECandidate:
		s.handleCandidate(m)
	case signal.TypeLeave:
		s.handleLeave(m)
	case signal.TypeJoinRequest:
		s.admission.HandleJoinRequest(m.UserID, m.Username)
	case signal.TypeWaitingUsers:
		s.admission.HandleWaitingList(m.Users)
	case signal.TypeScreenShare:
		s.handleScreenShare(m)
	case signal.TypeMicStatus:
		if m.Enabled != nil {
			s.roster.SetMuted(m.Sender, !*m.Enabled)
		}
	case signal.TypeVideoStatus:
		if m.Enabled != nil {
			s.roster.SetCameraOff(m.Sender, !*m.Enabled)
		}
	case signal.TypeRaiseHand:
		if m.Enabled != nil {
			s.roster.SetHandRaised(m.Sender, *m.Enabled)
		}
	case signal.TypeChatMessage:
		s.chat.Append(domain.ChatMessage{Sender: m.Sender, Name: m.Username, Text: m.Text, SentAt: time.Now()})
	case signal.TypeChatHistory:
		s.chat.Replay(m.History)
	case signal.TypeKicked:
		s.handleKicked(m)
	case signal.TypeUserKicked:
		s.log.Info().Str("note", m.Note).Msg("participant removed by host")
	default:
		s.log.Warn().Str("type", string(m.Type)).Msg("unknown signal")
	}
}

// handleInit adopts the relay-assigned connection id when joining
// anonymously, then announces the join.
func (s *Session) handleInit(m signal.Message) {
	if s.cfg.Identity == "" && m.PeerID != "" {
		s.selfMu.Lock()
		s.self.ID = m.PeerID
		s.selfMu.Unlock()
	}
	if err := s.admission.RequestJoin(); err != nil {
		s.log.Error().Err(err).Msg("join request")
	}
}

// handleParticipants is a full-state resync: membership, presenter, and
// implicit admission when we appear in the roster while still connecting.
func (s *Session) handleParticipants(m signal.Message) {
	for _, u := range m.Users {
		if u.ID == s.self.ID && !s.admission.Admitted() {
			s.admission.HandleApproved()
		}
	}
	s.roster.ApplySnapshot(m.Users, m.Presenter)

	// Links for identities the resync dropped are dead weight.
	for _, id := range s.mesh.Peers() {
		if !s.roster.Has(id) {
			s.mesh.Remove(id)
		}
	}
}

// handleJoin: an admitted participant appeared; we were here first, so
// we take the initiator role.
func (s *Session) handleJoin(m signal.Message) {
	id := m.Sender
	if id == "" {
		id = m.UserID
	}
	if id == "" || id == s.self.ID {
		return
	}
	s.roster.Upsert(id, m.Username, m.Role)
	if !s.admission.Admitted() {
		return
	}
	if s.admission.Pending(id) {
		// Still in the waiting room from our point of view: no link
		// until approval resolves.
		return
	}
	if err := s.mesh.AddPeer(id); err != nil {
		s.log.Error().Err(err).Str("peer", string(id)).Msg("initiate link")
	}
}

// handleOffer: the remote was there first; we respond. A fresh link
// replaces any prior one for that identity.
func (s *Session) handleOffer(m signal.Message) {
	if !s.admission.Admitted() {
		s.log.Warn().Str("peer", string(m.Sender)).Msg("offer before admission, dropped")
		return
	}
	if err := s.mesh.HandleOffer(m.Sender, m.SDP); err != nil {
		s.log.Error().Err(err).Str("peer", string(m.Sender)).Msg("answer offer")
	}
}

func (s *Session) handleAnswer(m signal.Message) {
	if err := s.mesh.HandleAnswer(m.Sender, m.SDP); err != nil {
		s.log.Error().Err(err).Str("peer", string(m.Sender)).Msg("apply answer")
	}
}

func (s *Session) handleCandidate(m signal.Message) {
	if m.Candidate == nil {
		return
	}
	if err := s.mesh.HandleCandidate(m.Sender, *m.Candidate); err != nil {
		s.log.Error().Err(err).Str("peer", string(m.Sender)).Msg("add candidate")
	}
}

func (s *Session) handleLeave(m signal.Message) {
	s.mesh.Remove(m.Sender)
	s.roster.Remove(m.Sender)
	s.admission.ClearRecord(m.Sender)
}

func (s *Session) handleScreenShare(m signal.Message) {
	if m.Sharing {
		s.roster.SetPresenter(m.Sender)
	} else {
		s.roster.ClearPresenterIf(m.Sender)
	}
}

// handleKicked renders the terminal admission state. Media is released
// and links closed before the state is surfaced; recovering while still
// holding the camera would be a leak.
func (s *Session) handleKicked(m signal.Message) {
	s.admission.HandleKicked(m.Reason)
	s.finish(&KickedError{Reason: s.admission.Reason()})
}
