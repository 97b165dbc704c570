package media

import (
	"context"
	"fmt"

	"github.com/petervdpas/goopcall/internal/call"
)

// Capture implements call.MediaCapture on top of the platform's devices.
type Capture struct {
	codecs *Codecs
	opt    Options
}

// NewCapture returns a MediaCapture encoding with codecs.
func NewCapture(codecs *Codecs, opt Options) *Capture {
	return &Capture{codecs: codecs, opt: opt.withDefaults()}
}

// Acquire implements call.MediaCapture.
func (c *Capture) Acquire(ctx context.Context, kind call.MediaKind) (call.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := c.capture(ctx, kind)
	if err == nil {
		return s, nil
	}
	if c.opt.ReceiveOnly {
		log.Warnf("capture %s failed, proceeding receive-only: %v", kind, err)
		return NewLocalStream(kind, nil), nil
	}
	return nil, fmt.Errorf("capture %s: %w", kind, err)
}
