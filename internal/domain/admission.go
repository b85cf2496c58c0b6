package domain

// KickReason tags the terminal admission states.
type KickReason string

const (
	// KickHostDenied covers both rejection from the waiting room and
	// removal of an already-admitted participant by the host.
	KickHostDenied KickReason = "host-denied"
	// KickSessionReplaced means a second login under the same identity
	// invalidated this one.
	KickSessionReplaced KickReason = "session-replaced"
)

// AdmissionRecord is a pending join request awaiting host review.
type AdmissionRecord struct {
	ID   PeerID `json:"userId"`
	Name string `json:"username"`
}
