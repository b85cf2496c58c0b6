// Package devices implements media.CaptureProvider on top of
// pion/mediadevices, encoding camera/microphone/screen into VP8/Opus
// tracks that attach directly to peer links.
package devices

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"

	// Driver registration; blank imports are required for device discovery.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"

	"github.com/avelys/meetmesh/internal/media"
)

const (
	videoBitRate = 1_200_000
	videoWidth   = 640
	videoHeight  = 480
)

type Provider struct {
	selector *mediadevices.CodecSelector
}

func New() (*Provider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Provider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (p *Provider) AcquireUserMedia(_ context.Context) (media.Capture, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
			c.Width = prop.Int(videoWidth)
			c.Height = prop.Int(videoHeight)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: p.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	log.Info().Str("module", "devices").Msg("camera and microphone acquired")
	return &capture{stream: stream}, nil
}

func (p *Provider) AcquireDisplay(_ context.Context) (media.Capture, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: p.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	log.Info().Str("module", "devices").Msg("display acquired")
	return &capture{stream: stream}, nil
}

// capture adapts a mediadevices stream. mediadevices tracks already
// implement webrtc.TrackLocal and Close, so they pass through as-is.
type capture struct {
	stream mediadevices.MediaStream
}

func (c *capture) AudioTrack() media.Track {
	if ts := c.stream.GetAudioTracks(); len(ts) > 0 {
		return ts[0]
	}
	return nil
}

func (c *capture) VideoTrack() media.Track {
	if ts := c.stream.GetVideoTracks(); len(ts) > 0 {
		return ts[0]
	}
	return nil
}

func (c *capture) Close() error {
	for _, t := range c.stream.GetTracks() {
		if err := t.Close(); err != nil {
			log.Error().Err(err).Str("module", "devices").Str("track", t.ID()).Msg("close track")
		}
	}
	return nil
}
