package media

import "image"

// PassthroughCompositor satisfies Compositor without touching frames.
// It stands in where no segmentation backend is wired: the virtual
// source then carries the raw camera feed.
type PassthroughCompositor struct{}

func (PassthroughCompositor) Start(src Track, _ Effect, _ image.Image) (Track, error) {
	return nopCloseTrack{src}, nil
}

func (PassthroughCompositor) Stop() {}

// nopCloseTrack shields the borrowed camera track: closing the virtual
// source must not release the camera itself.
type nopCloseTrack struct{ Track }

func (nopCloseTrack) Close() error { return nil }
