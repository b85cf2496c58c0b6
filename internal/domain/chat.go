package domain

import "time"

// ChatMessage is one room chat entry. History is append-only and replayed
// in full to newly admitted participants.
type ChatMessage struct {
	Sender PeerID    `json:"sender_id"`
	Name   string    `json:"username"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}
