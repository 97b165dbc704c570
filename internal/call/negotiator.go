package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/realtime"
)

// negotiator drives the offer/answer exchange against a PeerLink. Its steps
// are called by the Manager's workers, which re-check the session between
// steps; the negotiator itself holds no session state.
type negotiator struct {
	capture     MediaCapture
	links       LinkFactory
	sig         Signaler
	sendTimeout time.Duration
}

func wrapKind(kind error, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}

func (n *negotiator) newLink(ctx context.Context, kind MediaKind) (PeerLink, error) {
	link, err := n.links.NewLink(ctx, kind)
	if err != nil {
		return nil, wrapKind(ErrNegotiationFailure, err)
	}
	return link, nil
}

// acquire captures local tracks matching kind.
func (n *negotiator) acquire(ctx context.Context, kind MediaKind) (LocalMedia, error) {
	m, err := n.capture.Acquire(ctx, kind)
	if err != nil {
		return nil, wrapKind(ErrMediaUnavailable, err)
	}
	return m, nil
}

// offer attaches media and produces the local offer.
func (n *negotiator) offer(ctx context.Context, link PeerLink, media LocalMedia) (realtime.SessionDescription, error) {
	if err := link.AttachMedia(media); err != nil {
		return realtime.SessionDescription{}, wrapKind(ErrNegotiationFailure, err)
	}
	desc, err := link.CreateOffer(ctx)
	if err != nil {
		return realtime.SessionDescription{}, wrapKind(ErrNegotiationFailure, err)
	}
	return desc, nil
}

// applyOffer attaches media and installs the remote offer.
func (n *negotiator) applyOffer(link PeerLink, media LocalMedia, offer realtime.SessionDescription) error {
	if err := link.AttachMedia(media); err != nil {
		return wrapKind(ErrNegotiationFailure, err)
	}
	if err := link.SetRemoteDescription(offer); err != nil {
		return wrapKind(ErrNegotiationFailure, err)
	}
	return nil
}

// answer produces the local answer once the offer is installed.
func (n *negotiator) answer(ctx context.Context, link PeerLink) (realtime.SessionDescription, error) {
	desc, err := link.CreateAnswer(ctx)
	if err != nil {
		return realtime.SessionDescription{}, wrapKind(ErrNegotiationFailure, err)
	}
	return desc, nil
}

// applyAnswer installs the remote answer on an outbound link.
func (n *negotiator) applyAnswer(link PeerLink, answer realtime.SessionDescription) error {
	if err := link.SetRemoteDescription(answer); err != nil {
		return wrapKind(ErrNegotiationFailure, err)
	}
	return nil
}

// send writes one signaling message, bounded by sendTimeout.
func (n *negotiator) send(ctx context.Context, msg *realtime.Message) error {
	if n.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.sendTimeout)
		defer cancel()
	}
	if err := n.sig.Send(ctx, msg); err != nil {
		return wrapKind(ErrTransportUnavailable, err)
	}
	return nil
}
