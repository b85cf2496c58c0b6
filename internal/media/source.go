// Package media owns the local capture pipeline and the single
// authoritative outgoing video source.
package media

import (
	"context"
	"image"

	"github.com/pion/webrtc/v4"
)

// SourceKind names the mutually exclusive outgoing video sources.
type SourceKind string

const (
	SourceCamera  SourceKind = "camera"
	SourceVirtual SourceKind = "virtual"
	SourceScreen  SourceKind = "screen"
)

// Effect selects the background treatment for the virtual source.
type Effect string

const (
	EffectNone  Effect = "none"
	EffectBlur  Effect = "blur"
	EffectImage Effect = "image"
)

// Track is a local media track bound to a live capture or compositor
// pipeline. Close releases the underlying resource.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Capture is an acquired device pipeline: at most one audio and one
// video track. Either may be nil.
type Capture interface {
	AudioTrack() Track
	VideoTrack() Track
	Close() error
}

// CaptureProvider acquires device pipelines. Failure to acquire user
// media is fatal to the session; failure to acquire the display only
// aborts the share.
type CaptureProvider interface {
	AcquireUserMedia(ctx context.Context) (Capture, error)
	AcquireDisplay(ctx context.Context) (Capture, error)
}

// Compositor consumes a raw camera track and produces a synthetic frame
// stream with the selected background effect applied.
type Compositor interface {
	Start(src Track, effect Effect, background image.Image) (Track, error)
	Stop()
}

// LevelReporter is implemented by captures that can report the local
// microphone energy, feeding local active-speaker detection.
type LevelReporter interface {
	AudioLevel() float64
}

// Outgoing is the media currently routed to every peer link. A nil slot
// means nothing is sent for that kind.
type Outgoing struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

// Subscriber observes outgoing source changes. Implemented by the peer
// mesh; every subscriber sees each change exactly once, inside the
// switching call.
type Subscriber interface {
	OutgoingChanged(Outgoing)
}
