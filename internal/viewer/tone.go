package viewer

import (
	"sync"

	"github.com/petervdpas/goopcall/internal/call"
)

// ToneHub plays the ringback tone by telling attached UI clients to play
// or stop it. With no client attached there is nobody to hear it, so Play
// reports the same rejection a browser's autoplay policy would.
type ToneHub struct {
	mu      sync.Mutex
	playing bool
	subs    map[chan bool]struct{}
}

func NewToneHub() *ToneHub {
	return &ToneHub{subs: make(map[chan bool]struct{})}
}

// Play implements call.TonePlayer.
func (h *ToneHub) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return call.ErrPlaybackRejected
	}
	h.playing = true
	h.broadcastLocked(true)
	return nil
}

// Stop implements call.TonePlayer. The client rewinds on stop.
func (h *ToneHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
	h.broadcastLocked(false)
}

// Playing reports the last state sent to clients.
func (h *ToneHub) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

func (h *ToneHub) broadcastLocked(on bool) {
	for ch := range h.subs {
		select {
		case ch <- on:
		default:
		}
	}
}

// SubscribeTone returns a channel of play (true) / stop (false) events.
func (h *ToneHub) SubscribeTone() (<-chan bool, func()) {
	ch := make(chan bool, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}
