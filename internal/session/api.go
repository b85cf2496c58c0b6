package session

import (
	"context"
	"image"

	"github.com/avelys/meetmesh/internal/admission"
	"github.com/avelys/meetmesh/internal/domain"
	"github.com/avelys/meetmesh/internal/media"
	"github.com/avelys/meetmesh/internal/signal"
)

// The command methods below may be called from any goroutine; each one
// is a thin wrapper posting onto the dispatcher loop.

// SetMuted toggles the microphone and broadcasts the new status.
func (s *Session) SetMuted(muted bool) {
	s.post(func() {
		s.router.SetMuted(muted)
		s.send(signal.NewFlagMessage(signal.TypeMicStatus, !muted))
	})
}

// SetCameraOff toggles the camera flag and broadcasts the new status.
// During a screen share only the flag changes; the share keeps flowing.
func (s *Session) SetCameraOff(off bool) {
	s.post(func() {
		s.router.SetCameraOff(off)
		s.send(signal.NewFlagMessage(signal.TypeVideoStatus, !off))
	})
}

// RaiseHand broadcasts the hand state.
func (s *Session) RaiseHand(raised bool) {
	s.post(func() {
		s.send(signal.NewFlagMessage(signal.TypeRaiseHand, raised))
	})
}

// SetEffect selects the background treatment for the outgoing camera.
func (s *Session) SetEffect(effect media.Effect, background image.Image) {
	s.post(func() {
		if err := s.router.SetEffect(effect, background); err != nil {
			s.log.Error().Err(err).Str("effect", string(effect)).Msg("set effect")
		}
	})
}

// StartScreenShare switches the outgoing source to the display and
// claims the floor. Display acquisition can block on a picker or
// permission prompt, so it runs off the loop; the source switch and
// the broadcast are posted back once the capture exists.
func (s *Session) StartScreenShare() {
	s.post(func() {
		if s.router.Sharing() {
			s.log.Error().Err(media.ErrAlreadySharing).Msg("start screen share")
			return
		}
		ctx := s.lifecycleCtx()
		s.wg.Go(func() {
			cap, err := s.router.AcquireDisplay(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("start screen share")
				return
			}
			ok := s.tryPost(func() {
				if err := s.router.CommitScreenShare(cap); err != nil {
					_ = cap.Close()
					s.log.Error().Err(err).Msg("start screen share")
					return
				}
				s.send(signal.Message{Type: signal.TypeScreenShare, Sharing: true})
				s.roster.SetPresenter(s.self.ID)
			})
			if !ok {
				_ = cap.Close()
			}
		})
	})
}

// StopScreenShare restores the pre-share source and releases the floor.
func (s *Session) StopScreenShare() {
	s.post(func() {
		if err := s.router.StopScreenShare(); err != nil {
			s.log.Error().Err(err).Msg("stop screen share")
			return
		}
		s.send(signal.Message{Type: signal.TypeScreenShare, Sharing: false})
		s.roster.ClearPresenterIf(s.self.ID)
	})
}

// SendChat broadcasts a chat message. The local copy arrives via the
// relay's echo, like every other participant's.
func (s *Session) SendChat(text string) {
	s.post(func() {
		s.send(signal.Message{
			Type:     signal.TypeChatMessage,
			Username: s.self.Name,
			Text:     text,
		})
	})
}

// OpenChat marks the panel open and clears the unread counter.
func (s *Session) OpenChat() { s.post(func() { s.chat.SetOpen(true) }) }

// CloseChat marks the panel closed; later messages count as unread.
func (s *Session) CloseChat() { s.post(func() { s.chat.SetOpen(false) }) }

// Approve admits a waiting participant. Host only.
func (s *Session) Approve(id domain.PeerID) {
	s.post(func() {
		if err := s.admission.Approve(id); err != nil {
			s.log.Error().Err(err).Str("peer", string(id)).Msg("approve")
		}
	})
}

// Reject denies a waiting participant. Host only.
func (s *Session) Reject(id domain.PeerID) {
	s.post(func() {
		if err := s.admission.Reject(id); err != nil {
			s.log.Error().Err(err).Str("peer", string(id)).Msg("reject")
		}
	})
}

// Kick removes an admitted participant. Host only.
func (s *Session) Kick(id domain.PeerID) {
	s.post(func() {
		if err := s.admission.Kick(id); err != nil {
			s.log.Error().Err(err).Str("peer", string(id)).Msg("kick")
		}
	})
}

// Leave ends the session cleanly: links, then channel, then devices.
func (s *Session) Leave() {
	s.post(func() {
		s.send(signal.Message{Type: signal.TypeLeave})
		s.finish(nil)
	})
}

// Snapshot is a consistent read of the session state, taken on the
// dispatcher loop.
type Snapshot struct {
	State         admission.State
	KickReason    domain.KickReason
	Participants  []domain.Participant
	Presenter     domain.PeerID
	Pending       []domain.AdmissionRecord
	Links         int
	ActiveSpeaker domain.PeerID
	SourceKind    media.SourceKind
	Muted         bool
	CameraOff     bool
	Unread        int
	Chat          []domain.ChatMessage
}

// View captures a snapshot, or the zero value if the session already
// ended.
func (s *Session) View() Snapshot {
	resp := make(chan Snapshot, 1)
	s.post(func() {
		resp <- Snapshot{
			State:         s.admission.State(),
			KickReason:    s.admission.Reason(),
			Participants:  s.roster.Snapshot(),
			Presenter:     s.roster.Presenter(),
			Pending:       s.admission.Records(),
			Links:         s.mesh.Count(),
			ActiveSpeaker: s.detector.Active(),
			SourceKind:    s.router.Kind(),
			Muted:         s.router.Muted(),
			CameraOff:     s.router.CameraOff(),
			Unread:        s.chat.Unread(),
			Chat:          s.chat.Messages(),
		}
	})
	select {
	case v := <-resp:
		return v
	case <-s.done:
		return Snapshot{}
	}
}

func (s *Session) send(m signal.Message) {
	if err := s.ch.Send(m); err != nil {
		s.log.Error().Err(err).Str("type", string(m.Type)).Msg("send")
	}
}

// lifecycleCtx bounds device acquisition to the session lifetime.
func (s *Session) lifecycleCtx() context.Context {
	return s.ctx
}
