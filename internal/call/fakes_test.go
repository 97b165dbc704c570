package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/realtime"
)

const (
	selfID = "alice"
	peerID = "bob"
)

// ─── Signaler ───────────────────────────────────────────────────────────────

type fakeSignaler struct {
	// holdOffer, when set, parks call_offer writes until closed, ignoring
	// the context like a socket blocked in write. offerStarted is signalled
	// as the write begins.
	holdOffer    chan struct{}
	offerStarted chan struct{}

	mu   sync.Mutex
	sent []realtime.Message
	err  error
	ch   chan *realtime.Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan *realtime.Envelope, 16)}
}

func (f *fakeSignaler) Send(_ context.Context, msg *realtime.Message) error {
	if msg.Action == realtime.ActionCallOffer && f.holdOffer != nil {
		f.offerStarted <- struct{}{}
		<-f.holdOffer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, *msg)
	return nil
}

func (f *fakeSignaler) Subscribe(...realtime.Action) (chan *realtime.Envelope, func()) {
	return f.ch, func() {}
}

func (f *fakeSignaler) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSignaler) messages() []realtime.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.Message(nil), f.sent...)
}

func (f *fakeSignaler) count(a realtime.Action) int {
	n := 0
	for _, m := range f.messages() {
		if m.Action == a {
			n++
		}
	}
	return n
}

// waitFor blocks until a message with action a has been sent and returns
// the first one.
func (f *fakeSignaler) waitFor(t *testing.T, a realtime.Action) realtime.Message {
	t.Helper()
	var got realtime.Message
	require.Eventually(t, func() bool {
		for _, m := range f.messages() {
			if m.Action == a {
				got = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s sent", a)
	return got
}

// ─── Media ──────────────────────────────────────────────────────────────────

type fakeMedia struct {
	kind MediaKind

	mu       sync.Mutex
	released int
	enabled  map[MediaKind]bool
}

func (m *fakeMedia) Kind() MediaKind { return m.kind }

func (m *fakeMedia) SetEnabled(kind MediaKind, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[kind] = on
	return nil
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

func (m *fakeMedia) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func (m *fakeMedia) isEnabled(kind MediaKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[kind]
}

type fakeCapture struct {
	err  error
	gate chan struct{} // when set, Acquire blocks until closed

	mu       sync.Mutex
	started  int
	acquired []*fakeMedia
}

func (c *fakeCapture) Acquire(ctx context.Context, kind MediaKind) (LocalMedia, error) {
	c.mu.Lock()
	c.started++
	c.mu.Unlock()
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	m := &fakeMedia{kind: kind, enabled: map[MediaKind]bool{Audio: true, Video: kind == Video}}
	c.mu.Lock()
	c.acquired = append(c.acquired, m)
	c.mu.Unlock()
	return m, nil
}

func (c *fakeCapture) waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started - len(c.acquired)
}

func (c *fakeCapture) all() []*fakeMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeMedia(nil), c.acquired...)
}

// ─── PeerLink ───────────────────────────────────────────────────────────────

type fakeLink struct {
	kind MediaKind

	// gather is emitted as local candidates while the offer is created.
	gather []string

	mu        sync.Mutex
	events    []string
	closed    int
	remote    *realtime.SessionDescription
	onLocal   func(realtime.ICECandidate)
	onTrack   func(RemoteTrack)
	remoteErr error
}

func (l *fakeLink) record(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *fakeLink) AttachMedia(LocalMedia) error {
	l.record("attach")
	return nil
}

func (l *fakeLink) CreateOffer(context.Context) (realtime.SessionDescription, error) {
	l.record("offer")
	l.mu.Lock()
	fn := l.onLocal
	l.mu.Unlock()
	for _, c := range l.gather {
		fn(realtime.ICECandidate{Candidate: c})
	}
	return realtime.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (l *fakeLink) CreateAnswer(context.Context) (realtime.SessionDescription, error) {
	l.record("answer")
	return realtime.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (l *fakeLink) SetRemoteDescription(d realtime.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteErr != nil {
		return l.remoteErr
	}
	l.events = append(l.events, "remote:"+d.Type)
	l.remote = &d
	return nil
}

func (l *fakeLink) AddICECandidate(c realtime.ICECandidate) error {
	l.record("cand:" + c.Candidate)
	return nil
}

func (l *fakeLink) OnLocalCandidate(fn func(realtime.ICECandidate)) {
	l.mu.Lock()
	l.onLocal = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnRemoteTrack(fn func(RemoteTrack)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) history() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeLinks struct {
	gather    []string
	remoteErr error

	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeLinks) NewLink(_ context.Context, kind MediaKind) (PeerLink, error) {
	l := &fakeLink{kind: kind, gather: f.gather, remoteErr: f.remoteErr}
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeLinks) all() []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLink(nil), f.links...)
}

func (f *fakeLinks) last(t *testing.T) *fakeLink {
	t.Helper()
	var l *fakeLink
	require.Eventually(t, func() bool {
		all := f.all()
		if len(all) == 0 {
			return false
		}
		l = all[len(all)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond, "no link created")
	return l
}

// ─── CallLog ────────────────────────────────────────────────────────────────

type logUpdate struct {
	id     string
	status LogStatus
	ended  bool
}

type fakeCallLog struct {
	id        string
	createErr error

	mu      sync.Mutex
	creates []string
	updates []logUpdate
}

func (f *fakeCallLog) Create(_ context.Context, receiverID string, status LogStatus) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, receiverID+":"+string(status))
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.id, nil
}

func (f *fakeCallLog) Update(_ context.Context, id string, status LogStatus, end *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, logUpdate{id: id, status: status, ended: end != nil})
	return nil
}

func (f *fakeCallLog) snapshot() ([]string, []logUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.creates...), append([]logUpdate(nil), f.updates...)
}

// finalUpdate waits for the update that carries an end time.
func (f *fakeCallLog) finalUpdate(t *testing.T) logUpdate {
	t.Helper()
	var got logUpdate
	require.Eventually(t, func() bool {
		_, ups := f.snapshot()
		for _, u := range ups {
			if u.ended {
				got = u
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no final call log update")
	return got
}

// ─── TonePlayer ─────────────────────────────────────────────────────────────

type fakeTone struct {
	reject bool

	mu    sync.Mutex
	plays int
	stops int
	on    bool
}

func (f *fakeTone) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	if f.reject {
		return ErrPlaybackRejected
	}
	f.on = true
	return nil
}

func (f *fakeTone) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.on = false
}

func (f *fakeTone) playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

// ─── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	m       *Manager
	sig     *fakeSignaler
	capture *fakeCapture
	links   *fakeLinks
	calls   *fakeCallLog
	tone    *fakeTone
	onEnded func(Snapshot)
}

func newFixture(t *testing.T, tweak func(*fixture)) *fixture {
	t.Helper()
	fx := &fixture{
		sig:     newFakeSignaler(),
		capture: &fakeCapture{},
		links:   &fakeLinks{},
		calls:   &fakeCallLog{id: "42"},
		tone:    &fakeTone{},
	}
	if tweak != nil {
		tweak(fx)
	}
	m, err := New(Options{
		SelfID:          selfID,
		SelfName:        "Alice",
		Signaler:        fx.sig,
		Capture:         fx.capture,
		Links:           fx.links,
		CallLog:         fx.calls,
		Tone:            fx.tone,
		CorrelationWait: time.Second,
		SendTimeout:     time.Second,
		OnEnded:         fx.onEnded,
	})
	require.NoError(t, err)
	fx.m = m
	t.Cleanup(m.Close)
	return fx
}

func (fx *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fx.m.Current().State == want
	}, 2*time.Second, 5*time.Millisecond, "state never reached %s (now %s)", want, fx.m.Current().State)
}

func (fx *fixture) deliver(from string, msg realtime.Message) {
	fx.m.dispatch(&realtime.Envelope{From: from, Message: &msg})
}

func offerFrom(from, callID string, kind MediaKind) realtime.Message {
	return realtime.Message{
		Action:     realtime.ActionCallOffer,
		ReceiverID: selfID,
		SenderID:   from,
		SenderName: "Bob",
		CallID:     realtime.LogID(callID),
		CallType:   string(kind),
		Offer:      &realtime.SessionDescription{Type: "offer", SDP: "v=0 remote offer"},
	}
}

func answerMsg() realtime.Message {
	return realtime.Message{
		Action:     realtime.ActionCallAnswer,
		ReceiverID: selfID,
		Answer:     &realtime.SessionDescription{Type: "answer", SDP: "v=0 remote answer"},
	}
}

func candidateMsg(c string) realtime.Message {
	return realtime.Message{
		Action:     realtime.ActionICECandidate,
		ReceiverID: selfID,
		Candidate:  &realtime.ICECandidate{Candidate: c},
	}
}

func endMsg() realtime.Message {
	return realtime.Message{Action: realtime.ActionCallEnd, ReceiverID: selfID}
}

var errDenied = errors.New("permission denied")
