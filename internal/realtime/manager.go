// Package realtime carries call signaling over the chat server socket that
// chat traffic also uses. Bus decodes raw frames, dispatches call actions to
// typed subscribers and hands everything else to raw subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("realtime")

// ErrNotConnected is returned by Send while the socket is down.
var ErrNotConnected = errors.New("signaling channel not connected")

// FrameWriter writes one raw frame to the underlying socket.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// Envelope is a decoded call frame together with its claimed sender.
type Envelope struct {
	From    string   `json:"from"`
	Message *Message `json:"message"`
}

type subscription struct {
	actions map[Action]bool // nil = all call actions
}

func (s subscription) wants(a Action) bool {
	return s.actions == nil || s.actions[a]
}

// Bus is the typed message bus in front of the shared socket.
type Bus struct {
	selfID string

	wmu sync.RWMutex
	w   FrameWriter

	listenerMu sync.RWMutex
	listeners  map[chan *Envelope]subscription
	rawSubs    map[chan []byte]struct{}
}

// NewBus creates a bus for the local identity selfID. The writer is attached
// later with SetWriter once the socket is up.
func NewBus(selfID string) *Bus {
	return &Bus{
		selfID:    selfID,
		listeners: make(map[chan *Envelope]subscription),
		rawSubs:   make(map[chan []byte]struct{}),
	}
}

// SelfID returns the local identity the bus stamps on outbound frames.
func (b *Bus) SelfID() string { return b.selfID }

// SetWriter attaches (or, with nil, detaches) the socket writer.
func (b *Bus) SetWriter(w FrameWriter) {
	b.wmu.Lock()
	b.w = w
	b.wmu.Unlock()
}

// Connected reports whether a writer is attached.
func (b *Bus) Connected() bool {
	b.wmu.RLock()
	defer b.wmu.RUnlock()
	return b.w != nil
}

// Send stamps the local identity on msg, validates it and writes it out.
func (b *Bus) Send(ctx context.Context, msg *Message) error {
	if msg.SenderID == "" {
		msg.SenderID = b.selfID
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Action, err)
	}

	b.wmu.RLock()
	w := b.w
	b.wmu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}
	if err := w.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	log.Debugf("sent %s to %s", msg.Action, msg.ReceiverID)
	return nil
}

// Subscribe returns a channel of call envelopes for the given actions (all
// call actions when none are given). Slow subscribers lose frames rather
// than stall the socket reader.
func (b *Bus) Subscribe(actions ...Action) (ch chan *Envelope, cancel func()) {
	ch = make(chan *Envelope, 256)
	sub := subscription{}
	if len(actions) > 0 {
		sub.actions = make(map[Action]bool, len(actions))
		for _, a := range actions {
			sub.actions[a] = true
		}
	}

	b.listenerMu.Lock()
	b.listeners[ch] = sub
	b.listenerMu.Unlock()

	cancel = func() {
		b.listenerMu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.listenerMu.Unlock()
	}
	return ch, cancel
}

// SubscribeRaw returns a channel receiving every frame that is not call
// signaling (chat messages, presence).
func (b *Bus) SubscribeRaw() (ch chan []byte, cancel func()) {
	ch = make(chan []byte, 64)

	b.listenerMu.Lock()
	b.rawSubs[ch] = struct{}{}
	b.listenerMu.Unlock()

	cancel = func() {
		b.listenerMu.Lock()
		if _, ok := b.rawSubs[ch]; ok {
			delete(b.rawSubs, ch)
			close(ch)
		}
		b.listenerMu.Unlock()
	}
	return ch, cancel
}

// Deliver routes one raw inbound frame.
func (b *Bus) Deliver(frame []byte) {
	msg, isCall, err := Decode(frame)
	if err != nil {
		log.Warnf("dropping undecodable frame: %v", err)
		return
	}

	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()

	if !isCall {
		for ch := range b.rawSubs {
			select {
			case ch <- frame:
			default:
			}
		}
		return
	}

	if err := msg.Validate(); err != nil {
		log.Warnf("dropping invalid call frame: %v", err)
		return
	}

	env := &Envelope{From: msg.SenderID, Message: msg}
	for ch, sub := range b.listeners {
		if !sub.wants(msg.Action) {
			continue
		}
		select {
		case ch <- env:
		default:
			log.Warnf("subscriber full, dropped %s", msg.Action)
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.listenerMu.Lock()
	for ch := range b.listeners {
		close(ch)
	}
	for ch := range b.rawSubs {
		close(ch)
	}
	b.listeners = make(map[chan *Envelope]subscription)
	b.rawSubs = make(map[chan []byte]struct{})
	b.listenerMu.Unlock()

	b.SetWriter(nil)
}
