//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

// Codecs registers pion's default codecs. Camera/mic capture through
// pion/mediadevices needs the V4L2/malgo drivers, which are Linux-only here.
type Codecs struct{}

// NewCodecs returns the default codec set.
func NewCodecs(Options) (*Codecs, error) { return &Codecs{}, nil }

func (c *Codecs) register(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Devices is empty on platforms without capture drivers.
func Devices() []string { return nil }

func (c *Capture) capture(context.Context, call.MediaKind) (*LocalStream, error) {
	return nil, ErrNoDevices
}
