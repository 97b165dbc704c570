package call

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// logSync mirrors session transitions into the external call log. Every
// write runs off the lifecycle path on a per-session worker, in order, and
// failures are logged and discarded.
type logSync struct {
	store   CallLog
	timeout time.Duration
}

func newLogSync(store CallLog, timeout time.Duration) *logSync {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &logSync{store: store, timeout: timeout}
}

// logTrack is the log correlation of one session.
type logTrack struct {
	sessionID string
	ls        *logSync

	ops  chan func(context.Context)
	done chan struct{}

	mu      sync.Mutex
	id      string
	idReady chan struct{}
	idSet   bool
	closed  bool
}

func (l *logSync) begin(sessionID string) *logTrack {
	t := &logTrack{
		sessionID: sessionID,
		ls:        l,
		ops:       make(chan func(context.Context), 8),
		done:      make(chan struct{}),
		idReady:   make(chan struct{}),
	}
	if l == nil || l.store == nil {
		t.setID("")
		close(t.ops)
		close(t.done)
		t.closed = true
		return t
	}
	go t.run()
	return t
}

func (t *logTrack) run() {
	defer close(t.done)
	for op := range t.ops {
		ctx, cancel := context.WithTimeout(context.Background(), t.ls.timeout)
		op(ctx)
		cancel()
	}
}

func (t *logTrack) enqueue(op func(context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.ops <- op:
	default:
		log.Warnf("CALL [%s]: call log queue full, dropping write", t.sessionID)
	}
}

func (t *logTrack) setID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idSet {
		return
	}
	t.id = id
	t.idSet = true
	close(t.idReady)
}

// ID returns the log identifier, or "" while unknown or after a failed create.
func (t *logTrack) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// WaitID waits up to max for the create request to settle.
func (t *logTrack) WaitID(ctx context.Context, max time.Duration) string {
	if max > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}
	select {
	case <-t.idReady:
	case <-ctx.Done():
	}
	return t.ID()
}

// Create requests a new record with the default missed status. onID runs
// on the worker once the record exists.
func (t *logTrack) Create(receiverID string, onID func(id string)) {
	t.enqueue(func(ctx context.Context) {
		id, err := t.ls.store.Create(ctx, receiverID, LogMissed)
		if err != nil {
			log.Warnf("CALL [%s]: %v", t.sessionID, fmt.Errorf("%w: create: %v", ErrLogSyncFailure, err))
			t.setID("")
			return
		}
		t.setID(id)
		log.Debugf("CALL [%s]: call log %s created", t.sessionID, id)
		if onID != nil {
			onID(id)
		}
	})
}

// Adopt correlates with a record the remote caller already created.
func (t *logTrack) Adopt(id string) {
	t.setID(id)
}

// Accepted patches the record to accepted.
func (t *logTrack) Accepted() {
	t.enqueue(func(ctx context.Context) {
		t.update(ctx, LogAccepted, nil)
	})
}

// Ended writes the final status and end time, then retires the worker.
func (t *logTrack) Ended(everActive bool, at time.Time) {
	status := LogMissed
	if everActive {
		status = LogAccepted
	}
	t.enqueue(func(ctx context.Context) {
		t.update(ctx, status, &at)
	})

	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.ops)
	}
	t.mu.Unlock()
}

func (t *logTrack) update(ctx context.Context, status LogStatus, end *time.Time) {
	id := t.ID()
	if id == "" {
		return
	}
	if err := t.ls.store.Update(ctx, id, status, end); err != nil {
		log.Warnf("CALL [%s]: %v", t.sessionID, fmt.Errorf("%w: update %s: %v", ErrLogSyncFailure, id, err))
	}
}

// Done is closed once every queued write has finished.
func (t *logTrack) Done() <-chan struct{} { return t.done }
