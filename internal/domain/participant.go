// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var (
	ErrNameTooLong = errors.New("display name too long")
	ErrNameEmpty   = errors.New("display name empty")
)

// PeerID is the stable identity of a participant. It is derived from the
// authenticated user when one exists and survives reconnects; anonymous
// joiners get a transient connection id instead.
type PeerID string

func NewTransientPeerID() PeerID {
	return PeerID(uuid.NewString())
}

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Participant is one admitted member of the room as seen by this client.
type Participant struct {
	ID         PeerID `json:"userId"`
	Name       string `json:"username"`
	Role       Role   `json:"role,omitempty"`
	Muted      bool   `json:"muted"`
	CameraOff  bool   `json:"cameraOff"`
	HandRaised bool   `json:"handRaised"`
	Presenting bool   `json:"presenting"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id PeerID, name string, role Role) (*Participant, error) {
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrNameTooLong
	}
	if id == "" {
		id = NewTransientPeerID()
	}
	if role == "" {
		role = RoleGuest
	}
	return &Participant{ID: id, Name: name, Role: role}, nil
}
