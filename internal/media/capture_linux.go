//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

// Codecs is the VP8+Opus encoder set shared by capture and the
// PeerConnection media engine, so offered codecs match what we can encode.
type Codecs struct {
	sel *mediadevices.CodecSelector
}

// NewCodecs builds the encoder set.
func NewCodecs(opt Options) (*Codecs, error) {
	opt = opt.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opt.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Codecs{sel: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func (c *Codecs) register(me *webrtc.MediaEngine) error {
	c.sel.Populate(me)
	return nil
}

// Devices lists what pion/mediadevices can see, for diagnostics.
func Devices() []string {
	var out []string
	for _, d := range mediadevices.EnumerateDevices() {
		out = append(out, fmt.Sprintf("%v %q", d.Kind, d.Label))
	}
	return out
}

type attempt struct {
	video bool
	audio bool
	label string
}

func attemptsFor(kind call.MediaKind) []attempt {
	if kind == call.Audio {
		return []attempt{{false, true, "audio"}}
	}
	// GetUserMedia fails as a unit, so a busy microphone would otherwise
	// take the camera down with it.
	return []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
	}
}

func (c *Capture) capture(ctx context.Context, kind call.MediaKind) (*LocalStream, error) {
	var lastErr error = ErrNoDevices
	for _, a := range attemptsFor(kind) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: c.codecs.sel}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node whose
				// malformed frames poison the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: c.opt.VideoMaxWidth}
				mc.Height = prop.IntRanged{Max: c.opt.VideoMaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s): %v", a.label, err)
			lastErr = fmt.Errorf("%w: %v", ErrNoDevices, err)
			continue
		}

		tracks := stream.GetTracks()
		if brokenVideo(tracks) {
			log.Warnf("video encoder broken, skipping %s", a.label)
			for _, t := range tracks {
				t.Close()
			}
			lastErr = fmt.Errorf("%w: video encoder unavailable", ErrNoDevices)
			continue
		}

		locals := make([]webrtc.TrackLocal, 0, len(tracks))
		closers := make([]func() error, 0, len(tracks))
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			locals = append(locals, t)
			closers = append(closers, t.Close)
		}
		log.Infof("local media captured (%s): %d tracks", a.label, len(tracks))
		return NewLocalStream(kind, locals, closers...), nil
	}
	return nil, lastErr
}

// brokenVideo probes the VP8 encoder of any video track. A track whose
// encoder cannot start would make SetRemoteDescription fail later.
func brokenVideo(tracks []mediadevices.Track) bool {
	for _, t := range tracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
		if err != nil {
			return true
		}
		r.Close()
	}
	return false
}
