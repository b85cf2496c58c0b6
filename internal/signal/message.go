// Package signal is the thin adapter to the external room-scoped message
// bus. It only moves typed messages; it never interprets them.
package signal

import (
	"github.com/pion/webrtc/v4"

	"github.com/avelys/meetmesh/internal/domain"
)

type Type string

const (
	TypeInit         Type = "init"
	TypeJoin         Type = "join"
	TypeWaiting      Type = "waiting-for-approval"
	TypeJoinRequest  Type = "join-request"
	TypeWaitingUsers Type = "waiting-users-list"
	TypeJoinApproved Type = "join-approved"
	TypeApproveUser  Type = "approve-user"
	TypeRejectUser   Type = "reject-user"
	TypeKickUser     Type = "kick-user"
	TypeUserKicked   Type = "user-kicked-notification"
	TypeParticipants Type = "participants"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeLeave        Type = "leave"
	TypeScreenShare  Type = "screen-share"
	TypeMicStatus    Type = "mic-status"
	TypeVideoStatus  Type = "video-status"
	TypeRaiseHand    Type = "raise-hand"
	TypeChatMessage  Type = "chat-message"
	TypeChatHistory  Type = "chat-history"
	TypeKicked       Type = "kicked"
)

// RosterEntry is one participant in a full-state resync.
type RosterEntry struct {
	ID   domain.PeerID `json:"userId"`
	Name string        `json:"username"`
	Role domain.Role   `json:"role,omitempty"`
}

// Message is the single wire envelope. Fields are populated per Type;
// unused ones stay zero and are omitted on the wire.
type Message struct {
	Type   Type          `json:"type"`
	Sender domain.PeerID `json:"sender_id,omitempty"`
	Target domain.PeerID `json:"target_id,omitempty"`

	// init
	PeerID domain.PeerID `json:"peer_id,omitempty"`

	// join / join-request
	UserID   domain.PeerID `json:"userId,omitempty"`
	Username string        `json:"username,omitempty"`
	Role     domain.Role   `json:"role,omitempty"`

	// approve-user / reject-user / kick-user
	TargetUser domain.PeerID `json:"targetUserId,omitempty"`

	// participants / waiting-users-list
	Users     []RosterEntry `json:"users,omitempty"`
	Presenter domain.PeerID `json:"presenter,omitempty"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// ice-candidate
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`

	// screen-share
	Sharing bool `json:"isSharing,omitempty"`

	// mic-status / video-status / raise-hand
	Enabled *bool `json:"enabled,omitempty"`

	// chat-message / chat-history
	Text    string               `json:"text,omitempty"`
	History []domain.ChatMessage `json:"history,omitempty"`

	// kicked / user-kicked-notification
	Reason domain.KickReason `json:"reason,omitempty"`
	Note   string            `json:"message,omitempty"`
}

func flag(v bool) *bool { return &v }

// NewFlagMessage builds a boolean attribute broadcast (mic-status,
// video-status, raise-hand).
func NewFlagMessage(t Type, enabled bool) Message {
	return Message{Type: t, Enabled: flag(enabled)}
}
