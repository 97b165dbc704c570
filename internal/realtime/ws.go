package realtime

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSOptions configures the chat server socket.
type WSOptions struct {
	URL          string // ws:// or wss:// endpoint of the chat server
	Token        string // access token, sent as ?token= like the web client
	DialTimeout  time.Duration
	Reconnect    time.Duration // delay between reconnect attempts; 0 disables reconnecting
	WriteTimeout time.Duration
}

// WSConn keeps one websocket to the chat server open and feeds inbound
// frames to a Bus. It is the Bus's FrameWriter while connected.
type WSConn struct {
	opt WSOptions
	bus *Bus

	mu   sync.Mutex // serializes writes; gorilla allows one concurrent writer
	conn *websocket.Conn

	up chan struct{} // closed the first time the socket connects
	once sync.Once
}

// NewWSConn creates an unconnected socket for bus.
func NewWSConn(bus *Bus, opt WSOptions) *WSConn {
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = 10 * time.Second
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	return &WSConn{opt: opt, bus: bus, up: make(chan struct{})}
}

// Ready is closed once the first connection has been established.
func (c *WSConn) Ready() <-chan struct{} { return c.up }

func (c *WSConn) dialURL() (string, error) {
	u, err := url.Parse(c.opt.URL)
	if err != nil {
		return "", err
	}
	if c.opt.Token != "" {
		q := u.Query()
		q.Set("token", c.opt.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *WSConn) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, c.opt.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opt.DialTimeout,
	}
	conn, _, err := dialer.DialContext(dctx, target, nil)
	return conn, err
}

// Run connects and pumps inbound frames until ctx is cancelled. When the
// socket drops it reconnects after opt.Reconnect; with Reconnect == 0 Run
// returns the read error instead.
func (c *WSConn) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warnf("dial %s: %v", c.opt.URL, err)
			if !c.wait(ctx) {
				return err
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.bus.SetWriter(c)
		c.once.Do(func() { close(c.up) })
		log.Infof("signaling connected to %s", c.opt.URL)

		err = c.readLoop(ctx, conn)

		c.bus.SetWriter(nil)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("signaling disconnected: %v", err)
		if !c.wait(ctx) {
			return err
		}
	}
}

func (c *WSConn) wait(ctx context.Context) bool {
	if c.opt.Reconnect <= 0 {
		return false
	}
	t := time.NewTimer(c.opt.Reconnect)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *WSConn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.bus.Deliver(data)
	}
}

// WriteFrame implements FrameWriter.
func (c *WSConn) WriteFrame(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(c.opt.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close closes the current socket, if any. Run observes the error and
// reconnects unless its context is done.
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
