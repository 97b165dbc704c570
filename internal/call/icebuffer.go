package call

import (
	"fmt"
	"sync"

	"github.com/petervdpas/goopcall/internal/realtime"
)

// iceBuffer holds remote ICE candidates of one session until the remote
// description is set. Flush applies them in arrival order exactly once;
// afterwards Push applies directly. Application happens under the buffer
// lock so a candidate pushed during a flush still lands after the buffered
// ones.
type iceBuffer struct {
	sessionID string

	mu      sync.Mutex
	pending []realtime.ICECandidate
	apply   func(realtime.ICECandidate) error // nil until flushed
	retired bool
}

func newICEBuffer(sessionID string) *iceBuffer {
	return &iceBuffer{sessionID: sessionID}
}

// Push buffers c, or applies it when the buffer has been flushed. It
// reports whether c was applied immediately. Candidates pushed after
// Retire are discarded.
func (b *iceBuffer) Push(c realtime.ICECandidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return false
	}
	if b.apply == nil {
		b.pending = append(b.pending, c)
		return false
	}
	b.applyLocked(c)
	return true
}

// Flush installs apply, applies every buffered candidate in order and
// clears the buffer. Only the first call has any effect.
func (b *iceBuffer) Flush(apply func(realtime.ICECandidate) error) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired || b.apply != nil {
		return 0
	}
	b.apply = apply
	n := len(b.pending)
	for _, c := range b.pending {
		b.applyLocked(c)
	}
	b.pending = nil
	return n
}

// applyLocked never fails the call: a bad candidate is logged and dropped.
func (b *iceBuffer) applyLocked(c realtime.ICECandidate) {
	if err := b.apply(c); err != nil {
		log.Warnf("CALL [%s]: %v", b.sessionID, fmt.Errorf("%w: %v", ErrStaleCandidate, err))
	}
}

// Len returns the number of candidates still waiting for a flush.
func (b *iceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flushed reports whether the remote description has been applied.
func (b *iceBuffer) Flushed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apply != nil
}

// Retire drops whatever is still buffered; the session is over.
func (b *iceBuffer) Retire() {
	b.mu.Lock()
	b.retired = true
	b.pending = nil
	b.apply = nil
	b.mu.Unlock()
}
