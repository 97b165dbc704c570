package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogIDJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want LogID
	}{
		{`42`, "42"},
		{`"42"`, "42"},
		{`"alice:7"`, "alice:7"},
		{`null`, ""},
	} {
		var id LogID
		require.NoError(t, json.Unmarshal([]byte(tc.in), &id), tc.in)
		assert.Equal(t, tc.want, id, tc.in)
	}

	var bad LogID
	assert.Error(t, json.Unmarshal([]byte(`{}`), &bad))

	b, err := json.Marshal(LogID("42"))
	require.NoError(t, err)
	assert.Equal(t, `42`, string(b), "numeric ids go out as numbers")

	b, err = json.Marshal(LogID("alice:7"))
	require.NoError(t, err)
	assert.Equal(t, `"alice:7"`, string(b))

	b, err = json.Marshal(Message{Action: ActionCallEnd, ReceiverID: "bob"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "call_id")
}

func TestDecode(t *testing.T) {
	msg, ok, err := Decode([]byte(`{"type":"message","content":"hi"}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, msg)

	msg, ok, err = Decode([]byte(`{"action":"call_offer","receiver_id":"bob","sender_id":"alice",
		"call_id":5,"call_type":"video","offer":{"type":"offer","sdp":"v=0"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ActionCallOffer, msg.Action)
	assert.Equal(t, LogID("5"), msg.CallID)
	assert.Equal(t, "v=0", msg.Offer.SDP)

	_, _, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestNumericUserIDs(t *testing.T) {
	msg, ok, err := Decode([]byte(`{"action":"call_offer","receiver_id":2,"call_id":11,
		"call_type":"audio","offer":{"type":"offer","sdp":"v=0"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", msg.ReceiverID)
	assert.Equal(t, "", msg.SenderID)
	require.NoError(t, msg.Validate())

	bus := NewBus("1")
	defer bus.Close()
	w := &recordWriter{}
	bus.SetWriter(w)
	require.NoError(t, bus.Send(context.Background(), &Message{Action: ActionCallEnd, ReceiverID: "2"}))
	require.Len(t, w.frames, 1)
	assert.JSONEq(t, `{"action":"call_end","receiver_id":2,"sender_id":1}`, string(w.frames[0]))

	calls, cancel := bus.Subscribe()
	defer cancel()
	bus.Deliver([]byte(`{"action":"call_end","receiver_id":1,"sender_id":2}`))
	e := <-calls
	assert.Equal(t, "2", e.From)
	assert.Equal(t, "1", e.Message.ReceiverID)
}

func TestMessageValidate(t *testing.T) {
	sdp := &SessionDescription{Type: "offer", SDP: "v=0"}
	cases := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"unknown action", Message{Action: "typing", ReceiverID: "bob"}, false},
		{"no receiver", Message{Action: ActionCallEnd}, false},
		{"offer without sdp", Message{Action: ActionCallOffer, ReceiverID: "bob"}, false},
		{"offer", Message{Action: ActionCallOffer, ReceiverID: "bob", Offer: sdp}, true},
		{"answer without sdp", Message{Action: ActionCallAnswer, ReceiverID: "bob", Answer: &SessionDescription{}}, false},
		{"candidate missing", Message{Action: ActionICECandidate, ReceiverID: "bob"}, false},
		{"end", Message{Action: ActionCallEnd, ReceiverID: "bob"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

type recordWriter struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (w *recordWriter) WriteFrame(_ context.Context, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, frame)
	return nil
}

func TestBusSend(t *testing.T) {
	bus := NewBus("alice")
	defer bus.Close()
	ctx := context.Background()

	err := bus.Send(ctx, &Message{Action: ActionCallEnd, ReceiverID: "bob"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, bus.Connected())

	w := &recordWriter{}
	bus.SetWriter(w)
	assert.True(t, bus.Connected())

	require.NoError(t, bus.Send(ctx, &Message{Action: ActionCallEnd, ReceiverID: "bob", CallID: "3"}))
	require.Len(t, w.frames, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.frames[0], &got))
	assert.Equal(t, "alice", got["sender_id"])
	assert.Equal(t, float64(3), got["call_id"])

	assert.Error(t, bus.Send(ctx, &Message{Action: ActionCallOffer, ReceiverID: "bob"}), "invalid frames are not written")
	assert.Len(t, w.frames, 1)

	w.err = errors.New("broken pipe")
	err = bus.Send(ctx, &Message{Action: ActionCallEnd, ReceiverID: "bob"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBusDeliverRouting(t *testing.T) {
	bus := NewBus("bob")
	defer bus.Close()

	all, cancelAll := bus.Subscribe()
	defer cancelAll()
	ends, cancelEnds := bus.Subscribe(ActionCallEnd)
	defer cancelEnds()
	raw, cancelRaw := bus.SubscribeRaw()
	defer cancelRaw()

	bus.Deliver([]byte(`{"action":"call_end","receiver_id":"bob","sender_id":"alice"}`))
	bus.Deliver([]byte(`{"action":"ice_candidate","receiver_id":"bob","candidate":{"candidate":"c1"}}`))
	bus.Deliver([]byte(`{"type":"message","content":"hi"}`))
	bus.Deliver([]byte(`{"action":"call_answer","receiver_id":"bob"}`))
	bus.Deliver([]byte(`garbage`))

	e := <-all
	assert.Equal(t, ActionCallEnd, e.Message.Action)
	assert.Equal(t, "alice", e.From)
	e = <-all
	assert.Equal(t, ActionICECandidate, e.Message.Action)
	assert.Equal(t, "", e.From, "unstamped frame")
	assert.Empty(t, all, "invalid answer is dropped")

	e = <-ends
	assert.Equal(t, ActionCallEnd, e.Message.Action)
	assert.Empty(t, ends)

	assert.JSONEq(t, `{"type":"message","content":"hi"}`, string(<-raw))
	assert.Empty(t, raw)
}

func TestBusCancelAndClose(t *testing.T) {
	bus := NewBus("bob")
	ch, cancel := bus.Subscribe()
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	ch2, cancel2 := bus.Subscribe()
	raw, _ := bus.SubscribeRaw()
	bus.SetWriter(&recordWriter{})
	bus.Close()
	_, open = <-ch2
	assert.False(t, open)
	_, open = <-raw
	assert.False(t, open)
	assert.False(t, bus.Connected())
	cancel2()
}

// chatServer is a websocket endpoint that records the token and pushes
// whatever is sent on out.
type chatServer struct {
	*httptest.Server
	token chan string
	in    chan []byte
	out   chan []byte
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	s := &chatServer{
		token: make(chan string, 4),
		in:    make(chan []byte, 16),
		out:   make(chan []byte, 16),
	}
	up := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.token <- r.URL.Query().Get("token")
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for f := range s.out {
				if conn.WriteMessage(websocket.TextMessage, f) != nil {
					return
				}
			}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.in <- data
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/chat/"
}

func TestWSConnRoundTrip(t *testing.T) {
	srv := newChatServer(t)
	bus := NewBus("alice")
	defer bus.Close()
	calls, cancel := bus.Subscribe()
	defer cancel()

	ws := NewWSConn(bus, WSOptions{URL: srv.wsURL(), Token: "tok123"})
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Run(ctx) }()

	select {
	case <-ws.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("socket never connected")
	}
	assert.Equal(t, "tok123", <-srv.token)
	require.Eventually(t, bus.Connected, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Send(ctx, &Message{Action: ActionCallEnd, ReceiverID: "bob"}))
	select {
	case f := <-srv.in:
		assert.Contains(t, string(f), `"sender_id":"alice"`)
	case <-time.After(5 * time.Second):
		t.Fatal("server got nothing")
	}

	srv.out <- []byte(`{"action":"call_end","receiver_id":"alice","sender_id":"bob"}`)
	select {
	case e := <-calls:
		assert.Equal(t, "bob", e.From)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not delivered")
	}

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, bus.Connected())
	assert.ErrorIs(t, ws.WriteFrame(context.Background(), []byte(`{}`)), ErrNotConnected)
}

func TestWSConnNoReconnect(t *testing.T) {
	bus := NewBus("alice")
	defer bus.Close()
	ws := NewWSConn(bus, WSOptions{URL: "ws://127.0.0.1:1/ws", DialTimeout: time.Second})
	assert.Error(t, ws.Run(context.Background()))
}
