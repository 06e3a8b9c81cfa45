// Package loadtest provides a simulated rendezvous client and a latency
// collector for driving the server under load. The client speaks the same
// wire protocol as browsers and waits for session-created before use.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/rendezvous/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated user connection.
type Client struct {
	conn           net.Conn
	r              io.Reader
	connectLatency time.Duration

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)

	session   chan struct{}
	sessionID atomic.Value // string

	received atomic.Int64
	sent     atomic.Int64
	errors   atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the WebSocket URL and starts reading events.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("loadtest: dial: %w", err)
	}
	// Frames sent right after the handshake may already sit in br.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	c := &Client{
		conn:           conn,
		r:              r,
		connectLatency: time.Since(start),
		handlers:       make(map[string]func(json.RawMessage)),
		session:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send encodes a client event. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("loadtest: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// On registers the handler for a server event type, replacing any previous
// one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[msgType] = handler
	c.handlersMu.Unlock()
}

// WaitForSession blocks until session-created arrived.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("loadtest: connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionID returns the id assigned by the server, or "".
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	return c.errors.Load() == 0
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(struct {
			io.Reader
			io.Writer
		}{c.r, c.conn})
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
				_ = c.Close()
			}
			return
		}
		c.received.Add(1)

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == protocol.TypeSessionCreated && c.SessionID() == "" {
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.sessionID.Store(msg.SessionID)
				close(c.session)
			}
		}

		c.handlersMu.RLock()
		handler, ok := c.handlers[env.Type]
		c.handlersMu.RUnlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
