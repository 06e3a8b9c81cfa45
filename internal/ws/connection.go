package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/metrics"
)

// Connection represents a single WebSocket client connection. Outbound
// frames go through a bounded queue drained by one writer goroutine, so Send
// never blocks the caller.
type Connection struct {
	ID        string    // session ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	lastSeen     atomic.Int64 // unix nanos of the last frame read from the client
	processing   atomic.Int32 // 0 = idle, 1 = being read by handleConn
	writeMu      sync.Mutex   // serializes writes to this connection
	writeTimeout time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, conn net.Conn, queueSize int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
	}
	c.Touch()
	return c
}

// Touch records client activity for the heartbeat monitor.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent client activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Send enqueues a text frame for delivery. It returns false when the
// connection is closed or its queue is full; the frame is dropped in both
// cases.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		metrics.DroppedEvents.WithLabelValues("queue_full").Inc()
		log.Warn().Str("module", "ws").Str("session", c.ID).Msg("send queue full, dropping event")
		return false
	}
}

// writeLoop drains the send queue until the connection closes. A failed
// write closes the socket, which surfaces as a read error and removal.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				log.Debug().Str("module", "ws").Str("session", c.ID).Err(err).Msg("write failed")
				_ = c.Close()
				return
			}
		}
	}
}

// WriteMessage writes a WebSocket text frame synchronously. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close stops the writer and closes the underlying network connection. It is
// safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ConnectionManager is a thread-safe registry that maps session IDs and
// network connections to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // session_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
	count  atomic.Int64
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	if _, ok := cm.byID[conn.ID]; !ok {
		cm.count.Add(1)
	}
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID. Returns true if the connection
// was found and removed, false if it was already gone. The caller closes it.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		cm.count.Add(-1)
	}
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections without taking
// the registry lock.
func (cm *ConnectionManager) Count() int {
	return int(cm.count.Load())
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
