// Package signaling is the client side of the signaling relay: it keeps
// a WebSocket session open, registers the local identity and adapts the
// relay's handshake frames to transport.Signaler.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshchat/internal/protocol"
	"github.com/1ureka/meshchat/internal/util"
)

// ErrNotConnected is returned when sending while no relay session is up.
var ErrNotConnected = errors.New("not connected to relay")

// DefaultRetryDelay is the pause between reconnect attempts.
const DefaultRetryDelay = 3 * time.Second

// Handler receives a decoded relay frame.
type Handler func(f protocol.Frame)

// Client maintains a session with the relay at url, reconnecting after
// failures. Handlers persist across reconnects.
type Client struct {
	url   string
	retry time.Duration

	mu        sync.Mutex
	sender    *sender
	handlers  map[protocol.FrameType][]Handler
	onConnect []func()
	onLost    []func(error)
}

// New creates a client for the relay WebSocket url. Nothing is dialed
// until Run.
func New(url string) *Client {
	return &Client{
		url:      url,
		retry:    DefaultRetryDelay,
		handlers: make(map[protocol.FrameType][]Handler),
	}
}

// SetRetryDelay overrides DefaultRetryDelay.
func (c *Client) SetRetryDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = d
}

// Handle registers fn for frames of type typ. Handlers run on the read
// goroutine and must not block.
func (c *Client) Handle(typ protocol.FrameType, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = append(c.handlers[typ], fn)
}

// OnConnected registers fn to run each time a relay session is
// established, before any frame of that session is dispatched.
func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnected registers fn to run each time an established session
// ends for a reason other than ctx cancellation.
func (c *Client) OnDisconnected(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = append(c.onLost, fn)
}

// Connected reports whether a relay session is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender != nil
}

// Run connects, watches and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := connect(ctx, c.url)
		if err == nil {
			util.LogInfo("connected to relay %s", c.url)
			err = c.serve(ctx, conn)
			if ctx.Err() == nil {
				util.LogWarning("relay connection lost: %v", err)
				for _, fn := range c.lostHooks() {
					fn(err)
				}
			}
		} else if ctx.Err() == nil {
			util.LogWarning("%v", err)
		}

		c.mu.Lock()
		retry := c.retry
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// serve runs one session: installs the sender, fires the connect hooks
// and blocks in the read loop until it fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	s := &sender{conn: conn}

	c.mu.Lock()
	c.sender = s
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.sender == s {
			c.sender = nil
		}
		c.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for _, fn := range hooks {
		fn()
	}

	r := &receiver{conn: conn, dispatch: c.dispatch}
	return r.watch()
}

func (c *Client) dispatch(f protocol.Frame) {
	c.mu.Lock()
	hs := c.handlers[f.Type]
	c.mu.Unlock()

	if len(hs) == 0 {
		util.LogDebug("unhandled relay frame %q", f.Type)
		return
	}
	for _, h := range hs {
		h(f)
	}
}

func (c *Client) lostHooks() []func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]func(error){}, c.onLost...)
}

// send writes a frame on the current session.
func (c *Client) send(typ protocol.FrameType, payload any) error {
	c.mu.Lock()
	s := c.sender
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	f, err := protocol.NewFrame(typ, payload)
	if err != nil {
		return err
	}
	if err := s.send(f); err != nil {
		return fmt.Errorf("failed to send %s: %w", typ, err)
	}
	return nil
}

// connect dials the given WebSocket URL and returns the connection (private).
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	return conn, nil
}
