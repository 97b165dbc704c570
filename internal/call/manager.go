// Package call implements the one-to-one call lifecycle: a single call slot,
// its state machine, the offer/answer/ICE exchange over a Signaler, and the
// side effects that follow state (ringback tone, call log, media release).
//
// Coupling to the rest of the program is through the interfaces in types.go
// only; the package never touches sockets or devices itself.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/realtime"
)

var log = logging.Logger("call")

// Options wires a Manager to its collaborators. SelfID, Signaler, Capture
// and Links are required.
type Options struct {
	SelfID   string
	SelfName string

	Signaler Signaler
	Capture  MediaCapture
	Links    LinkFactory
	CallLog  CallLog    // nil disables call log writes
	Tone     TonePlayer // nil disables ringback

	// LogTimeout bounds each call log request.
	LogTimeout time.Duration
	// CorrelationWait is how long an outbound offer waits for the call log
	// id before going out without one.
	CorrelationWait time.Duration
	// SendTimeout bounds each signaling write.
	SendTimeout time.Duration

	// OnEnded, if set, runs once per session after it has ended, outside
	// the manager lock. Unlike Subscribe it never drops an update.
	OnEnded func(Snapshot)
}

// Manager owns the single call slot and bridges signaling to it. All
// session state is guarded by mu; workers and the dispatch loop re-check
// the slot after every blocking step.
type Manager struct {
	selfID   string
	selfName string
	sig      Signaler
	neg      *negotiator
	logs     *logSync
	tone     *ringTone
	corrWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	sess *session
	last Snapshot

	subMu sync.RWMutex
	subs  map[chan Snapshot]struct{}

	onEnded  func(Snapshot)
	loopDone chan struct{}
}

// New creates a Manager and starts listening for call signaling immediately.
func New(opt Options) (*Manager, error) {
	switch {
	case opt.SelfID == "":
		return nil, errors.New("call: self id is required")
	case opt.Signaler == nil:
		return nil, errors.New("call: signaler is required")
	case opt.Capture == nil:
		return nil, errors.New("call: media capture is required")
	case opt.Links == nil:
		return nil, errors.New("call: link factory is required")
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 5 * time.Second
	}
	if opt.CorrelationWait < 0 {
		opt.CorrelationWait = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		selfID:   opt.SelfID,
		selfName: opt.SelfName,
		sig:      opt.Signaler,
		neg: &negotiator{
			capture:     opt.Capture,
			links:       opt.Links,
			sig:         opt.Signaler,
			sendTimeout: opt.SendTimeout,
		},
		tone:     newRingTone(opt.Tone),
		corrWait: opt.CorrelationWait,
		ctx:      ctx,
		cancel:   cancel,
		last:     Snapshot{State: StateIdle},
		subs:     make(map[chan Snapshot]struct{}),
		onEnded:  opt.OnEnded,
		loopDone: make(chan struct{}),
	}
	if opt.CallLog != nil {
		m.logs = newLogSync(opt.CallLog, opt.LogTimeout)
	}

	ch, unsub := m.sig.Subscribe(realtime.ActionCallOffer, realtime.ActionCallAnswer, realtime.ActionICECandidate, realtime.ActionCallEnd)
	go m.dispatchLoop(ch, unsub)
	return m, nil
}

// SelfID returns the local identity calls are addressed to.
func (m *Manager) SelfID() string { return m.selfID }

// ─── Queries ────────────────────────────────────────────────────────────────

// Current returns the live session, or an idle snapshot when the slot is free.
func (m *Manager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Snapshot{State: StateIdle}
	}
	return m.sess.snapshot()
}

// Last returns the most recently ended session.
func (m *Manager) Last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Subscribe streams a snapshot after every change. The current state is
// delivered first. Slow readers miss intermediate snapshots, never the
// channel itself.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 32)

	m.mu.Lock()
	cur := Snapshot{State: StateIdle}
	if m.sess != nil {
		cur = m.sess.snapshot()
	}
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	ch <- cur
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// ─── Local user actions ─────────────────────────────────────────────────────

// PlaceCall claims the slot for an outbound call and starts negotiation in
// the background. The returned snapshot is the outbound:initializing state.
func (m *Manager) PlaceCall(ctx context.Context, peerID string, kind MediaKind) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if peerID == "" {
		return Snapshot{}, fmt.Errorf("%w: no peer to call", ErrIllegalState)
	}
	if peerID == m.selfID {
		return Snapshot{}, fmt.Errorf("%w: cannot call yourself", ErrIllegalState)
	}
	if kind != Audio && kind != Video {
		return Snapshot{}, fmt.Errorf("%w: unknown media kind %q", ErrIllegalState, kind)
	}

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	s := newSession(m.ctx, Outbound, peerID, kind)
	s.pending = opAcquire
	s.logTrack = m.logs.begin(s.id)
	m.sess = s
	m.setStateLocked(s, StateOutboundInitializing)
	snap := s.snapshot()
	m.mu.Unlock()

	log.Infof("CALL [%s]: calling %s (%s)", s.id, peerID, kind)
	s.logTrack.Create(peerID, func(id string) { m.onLogID(s, id) })
	go m.runOutbound(s)
	return snap, nil
}

// Accept answers the ringing inbound call. Negotiation continues in the
// background; the session turns active once our answer is sent.
func (m *Manager) Accept(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	s := m.sess
	switch {
	case s == nil:
		m.mu.Unlock()
		return ErrNoSession
	case s.state != StateInboundRinging:
		m.mu.Unlock()
		return fmt.Errorf("%w: accept in %s", ErrIllegalState, s.state)
	case s.pending != "":
		m.mu.Unlock()
		return ErrPending
	}
	s.pending = opAccept
	m.publishLocked(s.snapshot())
	m.mu.Unlock()

	log.Infof("CALL [%s]: accepting call from %s", s.id, s.peerID)
	go m.runAccept(s)
	return nil
}

// Decline rejects the ringing inbound call and tells the caller.
func (m *Manager) Decline() error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if s.state != StateInboundRinging {
		m.mu.Unlock()
		return fmt.Errorf("%w: decline in %s", ErrIllegalState, s.state)
	}
	m.mu.Unlock()

	log.Infof("CALL [%s]: declined call from %s", s.id, s.peerID)
	if !m.finish(s, OutcomeMissed, true) {
		return ErrSessionClosed
	}
	return nil
}

// Hangup ends the current session from any non-terminal state.
func (m *Manager) Hangup() error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state.IsTerminal() {
		m.mu.Unlock()
		return ErrNoSession
	}
	notify := s.direction == Inbound || s.offerSent
	outcome := s.currentOutcome()
	m.mu.Unlock()

	log.Infof("CALL [%s]: hanging up", s.id)
	if !m.finish(s, outcome, notify) {
		return ErrSessionClosed
	}
	return nil
}

// ToggleAudio mutes or unmutes the microphone and returns the new muted state.
func (m *Manager) ToggleAudio() (bool, error) {
	return m.toggle(Audio)
}

// ToggleVideo turns the camera off or on and returns the new off state.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggle(Video)
}

func (m *Manager) toggle(kind MediaKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.state.IsTerminal() {
		return false, ErrNoSession
	}
	if s.tracks == nil {
		return false, fmt.Errorf("%w: no local media yet", ErrIllegalState)
	}
	if kind == Video && s.mediaKind != Video {
		return false, fmt.Errorf("%w: audio-only call has no camera", ErrIllegalState)
	}

	off := !s.audioMuted
	if kind == Video {
		off = !s.videoOff
	}
	if err := s.tracks.SetEnabled(kind, !off); err != nil {
		return false, err
	}
	if kind == Video {
		s.videoOff = off
	} else {
		s.audioMuted = off
	}
	m.publishLocked(s.snapshot())
	return off, nil
}

// Close ends any live session and stops the dispatch loop.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.sess
	var notify bool
	var outcome Outcome
	if s != nil {
		notify = s.direction == Inbound || s.offerSent
		outcome = s.currentOutcome()
	}
	m.mu.Unlock()
	if s != nil {
		m.finish(s, outcome, notify)
	}

	m.cancel()
	<-m.loopDone

	m.subMu.Lock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.subMu.Unlock()
}

// ─── Workers ────────────────────────────────────────────────────────────────

// runOutbound takes an outbound session from initializing to ringing:
// link, local media, offer, call_offer.
func (m *Manager) runOutbound(s *session) {
	link, err := m.neg.newLink(s.ctx, s.mediaKind)
	if err != nil {
		m.fail(s, err)
		return
	}
	if !m.adoptLink(s, link, StateOutboundInitializing) {
		return
	}

	media, err := m.neg.acquire(s.ctx, s.mediaKind)
	if err != nil {
		m.fail(s, err)
		return
	}
	if !m.adoptMedia(s, media, StateOutboundInitializing) {
		return
	}

	desc, err := m.neg.offer(s.ctx, link, media)
	if err != nil {
		m.fail(s, err)
		return
	}

	logID := s.logTrack.WaitID(s.ctx, m.corrWait)

	m.mu.Lock()
	if !m.liveLocked(s, StateOutboundInitializing) {
		m.mu.Unlock()
		return
	}
	s.localDesc = &desc
	if logID != "" {
		s.logID = logID
	}
	// Ringing before the write: the answer may arrive before Send returns.
	s.pending = opOffer
	s.offerSent = true
	s.offerDone = make(chan struct{})
	m.setStateLocked(s, StateOutboundRinging)
	msg := &realtime.Message{
		Action:     realtime.ActionCallOffer,
		ReceiverID: s.peerID,
		SenderName: m.selfName,
		CallID:     realtime.LogID(s.logID),
		CallType:   string(s.mediaKind),
		Offer:      &desc,
	}
	m.mu.Unlock()

	err = m.neg.send(s.ctx, msg)
	close(s.offerDone)
	if err != nil {
		m.mu.Lock()
		s.offerSent = false
		m.mu.Unlock()
		m.fail(s, err)
		return
	}
	log.Debugf("CALL [%s]: offer sent to %s", s.id, s.peerID)

	m.mu.Lock()
	if m.sess != s || s.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if s.pending == opOffer {
		s.pending = ""
		m.publishLocked(s.snapshot())
	}
	out := m.openOutboxLocked(s)
	m.mu.Unlock()
	m.sendCandidates(s, out)
}

// runAccept takes an inbound session from ringing to active: link, local
// media, remote offer, buffered ICE, answer, call_answer.
func (m *Manager) runAccept(s *session) {
	link, err := m.neg.newLink(s.ctx, s.mediaKind)
	if err != nil {
		m.fail(s, err)
		return
	}
	if !m.adoptLink(s, link, StateInboundRinging) {
		return
	}

	media, err := m.neg.acquire(s.ctx, s.mediaKind)
	if err != nil {
		m.fail(s, err)
		return
	}
	if !m.adoptMedia(s, media, StateInboundRinging) {
		return
	}

	m.mu.Lock()
	if !m.liveLocked(s, StateInboundRinging) {
		m.mu.Unlock()
		return
	}
	offer := s.offer
	m.mu.Unlock()
	if offer == nil {
		m.fail(s, fmt.Errorf("%w: no offer to answer", ErrNegotiationFailure))
		return
	}

	if err := m.neg.applyOffer(link, media, *offer); err != nil {
		m.fail(s, err)
		return
	}
	m.mu.Lock()
	if !m.liveLocked(s, StateInboundRinging) {
		m.mu.Unlock()
		return
	}
	s.remoteDesc = offer
	s.offer = nil
	m.mu.Unlock()
	if n := s.ice.Flush(link.AddICECandidate); n > 0 {
		log.Debugf("CALL [%s]: applied %d buffered candidates", s.id, n)
	}

	answer, err := m.neg.answer(s.ctx, link)
	if err != nil {
		m.fail(s, err)
		return
	}

	m.mu.Lock()
	if !m.liveLocked(s, StateInboundRinging) {
		m.mu.Unlock()
		return
	}
	s.localDesc = &answer
	m.mu.Unlock()

	err = m.neg.send(s.ctx, &realtime.Message{
		Action:     realtime.ActionCallAnswer,
		ReceiverID: s.peerID,
		Answer:     &answer,
	})
	if err != nil {
		m.fail(s, err)
		return
	}

	m.mu.Lock()
	if !m.liveLocked(s, StateInboundRinging) {
		m.mu.Unlock()
		return
	}
	m.activateLocked(s)
	out := m.openOutboxLocked(s)
	m.mu.Unlock()
	m.sendCandidates(s, out)
}

// adoptLink stores a freshly created link on s, or closes it when s moved
// on while the link was being created.
func (m *Manager) adoptLink(s *session, link PeerLink, want State) bool {
	m.mu.Lock()
	if !m.liveLocked(s, want) {
		m.mu.Unlock()
		_ = link.Close()
		return false
	}
	s.link = link
	m.mu.Unlock()

	link.OnLocalCandidate(func(c realtime.ICECandidate) { m.onLocalCandidate(s, c) })
	link.OnRemoteTrack(func(t RemoteTrack) { m.onRemoteTrack(s, t) })
	return true
}

// adoptMedia stores acquired media on s, or releases it when the result
// arrived after s ended.
func (m *Manager) adoptMedia(s *session, media LocalMedia, want State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.liveLocked(s, want) {
		media.Release()
		return false
	}
	s.tracks = media
	if s.pending == opAcquire {
		s.pending = ""
		m.publishLocked(s.snapshot())
	}
	return true
}

// fail ends s with an error outcome unless s is already gone.
func (m *Manager) fail(s *session, err error) {
	m.mu.Lock()
	if m.sess != s || s.state.IsTerminal() {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: discarding late error: %v", s.id, err)
		return
	}
	s.err = err
	notify := s.direction == Inbound || s.offerSent
	m.mu.Unlock()

	log.Errorf("CALL [%s]: %v", s.id, err)
	m.finish(s, OutcomeError, notify)
}

// ─── Remote events ──────────────────────────────────────────────────────────

func (m *Manager) dispatchLoop(ch chan *realtime.Envelope, unsub func()) {
	defer close(m.loopDone)
	defer unsub()
	for {
		select {
		case <-m.ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

// dispatch routes one signaling envelope. Messages addressed to someone
// else, or from a party other than the session's peer, are ignored.
func (m *Manager) dispatch(env *realtime.Envelope) {
	msg := env.Message
	if msg == nil || msg.ReceiverID != m.selfID {
		return
	}
	switch msg.Action {
	case realtime.ActionCallOffer:
		m.handleOffer(env)
	case realtime.ActionCallAnswer:
		m.handleAnswer(env)
	case realtime.ActionICECandidate:
		m.handleCandidate(env)
	case realtime.ActionCallEnd:
		m.handleEnd(env)
	}
}

// fromPeer reports whether env came from the session's peer. Unstamped
// envelopes are attributed to the peer.
func fromPeer(s *session, env *realtime.Envelope) bool {
	return env.From == "" || env.From == s.peerID
}

func (m *Manager) handleOffer(env *realtime.Envelope) {
	msg := env.Message
	if env.From == "" {
		log.Warnf("CALL: dropping call_offer without sender")
		return
	}
	if env.From == m.selfID {
		return
	}
	kind, err := ParseMediaKind(msg.CallType)
	if err != nil {
		log.Warnf("CALL: dropping call_offer from %s: %v", env.From, err)
		return
	}

	m.mu.Lock()
	if cur := m.sess; cur != nil {
		samePeer := cur.peerID == env.From
		m.mu.Unlock()
		log.Infof("CALL: rejecting call_offer from %s: busy", env.From)
		if !samePeer {
			// The other caller has no session with us besides this one.
			go m.sendBusy(env.From)
		}
		return
	}
	s := newSession(m.ctx, Inbound, env.From, kind)
	s.peerName = msg.SenderName
	s.offer = msg.Offer
	s.logTrack = m.logs.begin(s.id)
	s.logID = string(msg.CallID)
	s.logTrack.Adopt(s.logID)
	m.sess = s
	m.setStateLocked(s, StateInboundRinging)
	m.mu.Unlock()

	log.Infof("CALL [%s]: incoming %s call from %s", s.id, kind, env.From)
}

func (m *Manager) sendBusy(peerID string) {
	err := m.neg.send(m.ctx, &realtime.Message{Action: realtime.ActionCallEnd, ReceiverID: peerID})
	if err != nil {
		log.Debugf("CALL: busy reply to %s: %v", peerID, err)
	}
}

func (m *Manager) handleAnswer(env *realtime.Envelope) {
	m.mu.Lock()
	s := m.sess
	switch {
	case s == nil, !fromPeer(s, env):
		m.mu.Unlock()
		return
	case s.direction != Outbound || s.state != StateOutboundRinging:
		m.mu.Unlock()
		log.Debugf("CALL [%s]: ignoring call_answer in %s", s.id, s.state)
		return
	case s.remoteDesc != nil || s.pending == opAnswer:
		m.mu.Unlock()
		log.Debugf("CALL [%s]: ignoring duplicate call_answer", s.id)
		return
	}
	s.pending = opAnswer
	link := s.link
	m.mu.Unlock()

	answer := *env.Message.Answer
	if err := m.neg.applyAnswer(link, answer); err != nil {
		m.fail(s, err)
		return
	}

	m.mu.Lock()
	if !m.liveLocked(s, StateOutboundRinging) {
		m.mu.Unlock()
		return
	}
	s.remoteDesc = &answer
	m.mu.Unlock()
	if n := s.ice.Flush(link.AddICECandidate); n > 0 {
		log.Debugf("CALL [%s]: applied %d buffered candidates", s.id, n)
	}

	m.mu.Lock()
	if m.liveLocked(s, StateOutboundRinging) {
		m.activateLocked(s)
	}
	m.mu.Unlock()
}

// handleCandidate buffers or applies a remote candidate. Candidates with no
// live session from that peer are dropped.
func (m *Manager) handleCandidate(env *realtime.Envelope) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state.IsTerminal() || !fromPeer(s, env) {
		m.mu.Unlock()
		return
	}
	ice := s.ice
	m.mu.Unlock()
	ice.Push(*env.Message.Candidate)
}

func (m *Manager) handleEnd(env *realtime.Envelope) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state.IsTerminal() || !fromPeer(s, env) {
		m.mu.Unlock()
		return
	}
	outcome := s.currentOutcome()
	m.mu.Unlock()

	log.Infof("CALL [%s]: remote ended the call", s.id)
	m.finish(s, outcome, false)
}

// ─── Local link events ──────────────────────────────────────────────────────

// onLocalCandidate forwards a gathered candidate to the peer, holding it
// back until our offer or answer has gone out.
func (m *Manager) onLocalCandidate(s *session, c realtime.ICECandidate) {
	m.mu.Lock()
	if m.sess != s || s.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if !s.outboxOpen {
		s.outbox = append(s.outbox, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.sendCandidates(s, []realtime.ICECandidate{c})
}

func (m *Manager) onRemoteTrack(s *session, t RemoteTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s || s.state.IsTerminal() {
		return
	}
	s.remoteTracks = append(s.remoteTracks, t)
	m.publishLocked(s.snapshot())
}

func (m *Manager) openOutboxLocked(s *session) []realtime.ICECandidate {
	s.outboxOpen = true
	out := s.outbox
	s.outbox = nil
	return out
}

// sendCandidates writes local candidates in order. A failed write loses
// that candidate only; the call carries on with the rest.
func (m *Manager) sendCandidates(s *session, cs []realtime.ICECandidate) {
	for i := range cs {
		c := cs[i]
		err := m.neg.send(s.ctx, &realtime.Message{
			Action:     realtime.ActionICECandidate,
			ReceiverID: s.peerID,
			Candidate:  &c,
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Warnf("CALL [%s]: ice candidate: %v", s.id, err)
		}
	}
}

// ─── Transitions ────────────────────────────────────────────────────────────

func (m *Manager) liveLocked(s *session, want State) bool {
	return m.sess == s && s.state == want
}

func (m *Manager) activateLocked(s *session) {
	s.pending = ""
	s.everActive = true
	s.connectedAt = time.Now()
	m.setStateLocked(s, StateActive)
	s.logTrack.Accepted()
	log.Infof("CALL [%s]: connected with %s", s.id, s.peerID)
}

func (m *Manager) setStateLocked(s *session, st State) {
	s.state = st
	m.tone.Reconcile(st)
	m.publishLocked(s.snapshot())
}

// onLogID records the call log id once the create request settles.
func (m *Manager) onLogID(s *session, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s || s.logID != "" {
		return
	}
	s.logID = id
	m.publishLocked(s.snapshot())
}

// finish is the only way out of a session. It runs at most once per
// session: the first caller moves it to ending, tells the peer when notify
// is set, releases the link and local media, writes the final call log
// status and frees the slot. It reports whether this call did the work.
func (m *Manager) finish(s *session, outcome Outcome, notify bool) bool {
	m.mu.Lock()
	if m.sess != s || s.state.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	if outcome == OutcomeNone {
		outcome = s.currentOutcome()
	}
	s.outcome = outcome
	s.pending = ""
	s.endedAt = time.Now()
	link, media := s.link, s.tracks
	offerDone := s.offerDone
	s.link, s.tracks = nil, nil
	s.remoteTracks = nil
	s.outbox, s.outboxOpen = nil, false
	s.ice.Retire()
	s.cancel()
	m.setStateLocked(s, StateEnding)
	m.mu.Unlock()

	if notify {
		// call_end must not overtake an offer write still in flight.
		m.awaitOffer(s.id, offerDone)
		ctx, cancel := context.WithTimeout(context.Background(), m.neg.sendTimeout)
		err := m.sig.Send(ctx, &realtime.Message{Action: realtime.ActionCallEnd, ReceiverID: s.peerID})
		cancel()
		if err != nil {
			log.Warnf("CALL [%s]: call_end: %v", s.id, err)
		}
	}
	if link != nil {
		if err := link.Close(); err != nil {
			log.Debugf("CALL [%s]: close link: %v", s.id, err)
		}
	}
	if media != nil {
		media.Release()
	}
	s.logTrack.Ended(s.everActive, s.endedAt)

	m.mu.Lock()
	m.setStateLocked(s, StateEnded)
	m.last = s.snapshot()
	ended := m.last
	m.sess = nil
	m.mu.Unlock()

	log.Infof("CALL [%s]: ended (%s)", s.id, outcome)
	if m.onEnded != nil {
		m.onEnded(ended)
	}
	return true
}

func (m *Manager) awaitOffer(id string, done <-chan struct{}) {
	if done == nil {
		return
	}
	t := time.NewTimer(m.neg.sendTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		log.Warnf("CALL [%s]: call_offer write still pending, sending call_end anyway", id)
	}
}

func (m *Manager) publishLocked(snap Snapshot) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
