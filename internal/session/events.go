package session

import (
	"time"

	"github.com/avelys/meetmesh/internal/signal"
)

// eventKind enumerates everything that may wake the dispatcher. Each
// loop iteration consumes exactly one event; no two completions for the
// same peer can interleave.
type eventKind int

const (
	// evMessage is an inbound signaling message.
	evMessage eventKind = iota
	// evCommand is a local API call or a transport callback serialized
	// onto the loop.
	evCommand
	// evTick drives speaker detection and decay expiry.
	evTick
	// evChannelDown reports the signaling transport closing.
	evChannelDown
	// evStop is context cancellation.
	evStop
)

type event struct {
	kind eventKind
	msg  signal.Message
	fn   func()
	now  time.Time
	err  error
}
