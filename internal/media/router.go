package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotAcquired    = errors.New("user media not acquired")
	ErrAlreadySharing = errors.New("screen share already active")
	ErrNotSharing     = errors.New("no screen share active")
	ErrNoCompositor   = errors.New("no compositor configured")
)

// Router maintains the authoritative outgoing source and routes it
// identically to all peer links. Mute and camera-off are orthogonal
// flags resolved at routing time: a muted or camera-off slot routes nil
// while the capture keeps running, so restoring is instant.
type Router struct {
	mu  sync.Mutex
	log zerolog.Logger

	provider   CaptureProvider
	compositor Compositor

	user    Capture // camera + microphone
	screen  Capture // only while sharing
	virtual Track   // compositor output while kind == SourceVirtual

	kind       SourceKind
	preShare   SourceKind // camera|virtual to restore when the share stops
	effect     Effect
	background image.Image
	muted      bool
	cameraOff  bool

	subs []Subscriber
}

func NewRouter(provider CaptureProvider, compositor Compositor) *Router {
	return &Router{
		provider:   provider,
		compositor: compositor,
		kind:       SourceCamera,
		effect:     EffectNone,
		log:        log.With().Str("module", "media").Logger(),
	}
}

// Acquire obtains the local camera and microphone. Failure here aborts
// session initialization; there is no retry.
func (r *Router) Acquire(ctx context.Context) error {
	cap, err := r.provider.AcquireUserMedia(ctx)
	if err != nil {
		return fmt.Errorf("acquire user media: %w", err)
	}
	r.mu.Lock()
	r.user = cap
	r.mu.Unlock()
	r.log.Info().Msg("user media acquired")
	return nil
}

// Subscribe registers a consumer of outgoing-source changes and delivers
// the current state to it immediately.
func (r *Router) Subscribe(s Subscriber) {
	r.mu.Lock()
	r.subs = append(r.subs, s)
	out := r.outgoingLocked()
	r.mu.Unlock()
	s.OutgoingChanged(out)
}

func (r *Router) Kind() SourceKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kind
}

func (r *Router) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

func (r *Router) CameraOff() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cameraOff
}

func (r *Router) Sharing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kind == SourceScreen
}

func (r *Router) Outgoing() Outgoing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outgoingLocked()
}

// AudioLevel reports the local microphone energy when the capture
// provider can measure it, zero otherwise.
func (r *Router) AudioLevel() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lr, ok := r.user.(LevelReporter); ok {
		return lr.AudioLevel()
	}
	return 0
}

// SetMuted flips the microphone flag. The capture keeps running; links
// simply stop receiving the audio slot.
func (r *Router) SetMuted(muted bool) {
	r.mu.Lock()
	if r.muted == muted {
		r.mu.Unlock()
		return
	}
	r.muted = muted
	r.notifyLocked()
	r.mu.Unlock()
	r.log.Info().Bool("muted", muted).Msg("mic toggled")
}

// SetCameraOff flips the camera flag. While screen-sharing the flag is
// recorded but the shared screen keeps flowing; the flag takes effect
// on whichever camera source is restored when the share stops.
func (r *Router) SetCameraOff(off bool) {
	r.mu.Lock()
	if r.cameraOff == off {
		r.mu.Unlock()
		return
	}
	r.cameraOff = off
	if r.kind != SourceScreen {
		r.notifyLocked()
	}
	r.mu.Unlock()
	r.log.Info().Bool("camera_off", off).Msg("camera toggled")
}

// SetEffect selects the background treatment. EffectNone tears the
// compositor down and routes the raw camera. While sharing, only the
// selection is recorded; it is applied when the share stops.
func (r *Router) SetEffect(effect Effect, background image.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.user == nil {
		return ErrNotAcquired
	}

	r.effect = effect
	r.background = background

	target := SourceVirtual
	if effect == EffectNone {
		target = SourceCamera
	}

	if r.kind == SourceScreen {
		r.preShare = target
		return nil
	}
	if err := r.applyEffectLocked(target); err != nil {
		return err
	}
	r.notifyLocked()
	r.log.Info().Str("effect", string(effect)).Str("kind", string(r.kind)).Msg("effect applied")
	return nil
}

func (r *Router) applyEffectLocked(target SourceKind) error {
	if target == SourceCamera {
		r.stopVirtualLocked()
		r.kind = SourceCamera
		return nil
	}
	if r.compositor == nil {
		return ErrNoCompositor
	}
	r.stopVirtualLocked()
	vt, err := r.compositor.Start(r.user.VideoTrack(), r.effect, r.background)
	if err != nil {
		return fmt.Errorf("start compositor: %w", err)
	}
	r.virtual = vt
	r.kind = SourceVirtual
	return nil
}

func (r *Router) stopVirtualLocked() {
	if r.virtual == nil {
		return
	}
	r.compositor.Stop()
	_ = r.virtual.Close()
	r.virtual = nil
}

// AcquireDisplay obtains a display capture without touching routing
// state. Acquisition can block on a picker or permission prompt, so
// callers run it off their serialization and commit the result with
// CommitScreenShare.
func (r *Router) AcquireDisplay(ctx context.Context) (Capture, error) {
	cap, err := r.provider.AcquireDisplay(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire display: %w", err)
	}
	return cap, nil
}

// CommitScreenShare makes an acquired display the outgoing source. The
// camera source is suspended, not destroyed, so it can be restored
// instantly. On error the capture stays with the caller.
func (r *Router) CommitScreenShare(cap Capture) error {
	r.mu.Lock()
	if r.kind == SourceScreen {
		r.mu.Unlock()
		return ErrAlreadySharing
	}
	prior := r.kind
	r.screen = cap
	r.preShare = prior
	r.kind = SourceScreen
	r.notifyLocked()
	r.mu.Unlock()
	r.log.Info().Str("restore_to", string(prior)).Msg("screen share started")
	return nil
}

// StartScreenShare acquires the display and commits it in one call, for
// callers that may block.
func (r *Router) StartScreenShare(ctx context.Context) error {
	if r.Sharing() {
		return ErrAlreadySharing
	}
	cap, err := r.AcquireDisplay(ctx)
	if err != nil {
		return err
	}
	if err := r.CommitScreenShare(cap); err != nil {
		_ = cap.Close()
		return err
	}
	return nil
}

// StopScreenShare releases the display and restores whichever of
// camera/virtual was active before, with the pre-existing mute and
// camera-off flags untouched.
func (r *Router) StopScreenShare() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kind != SourceScreen {
		return ErrNotSharing
	}
	if r.screen != nil {
		_ = r.screen.Close()
		r.screen = nil
	}
	restored := r.preShare
	if restored == SourceVirtual {
		if err := r.applyEffectLocked(SourceVirtual); err != nil {
			r.log.Error().Err(err).Msg("restore virtual source failed, falling back to camera")
			restored = SourceCamera
		}
	}
	if restored == SourceCamera {
		r.stopVirtualLocked()
	}
	r.kind = restored
	r.notifyLocked()
	r.log.Info().Str("kind", string(r.kind)).Msg("screen share stopped")
	return nil
}

// Close stops the compositor and every capture. Safe to call more than
// once; part of the session teardown path, after links and channel.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopVirtualLocked()
	if r.screen != nil {
		_ = r.screen.Close()
		r.screen = nil
	}
	if r.user != nil {
		_ = r.user.Close()
		r.user = nil
	}
	r.log.Info().Msg("local media released")
}

// Acquired reports whether live local device tracks exist. Used to
// verify the no-leak property after teardown.
func (r *Router) Acquired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user != nil || r.screen != nil || r.virtual != nil
}

// outgoingLocked resolves flags and source kind into the two track
// slots offered to links.
func (r *Router) outgoingLocked() Outgoing {
	var out Outgoing
	if r.user == nil {
		return out
	}
	if !r.muted {
		if at := r.user.AudioTrack(); at != nil {
			out.Audio = at
		}
	}
	switch r.kind {
	case SourceScreen:
		if r.screen != nil {
			if vt := r.screen.VideoTrack(); vt != nil {
				out.Video = vt
			}
		}
	case SourceVirtual:
		if !r.cameraOff && r.virtual != nil {
			out.Video = r.virtual
		}
	default:
		if !r.cameraOff {
			if vt := r.user.VideoTrack(); vt != nil {
				out.Video = vt
			}
		}
	}
	return out
}

// notifyLocked fans the current outgoing state out to every subscriber
// while still holding the lock: no observer can see two links carrying
// different sources across a switch.
func (r *Router) notifyLocked() {
	out := r.outgoingLocked()
	for _, s := range r.subs {
		s.OutgoingChanged(out)
	}
}
