package domain

// RoomID scopes every signaling message and media link to one meeting.
type RoomID string
