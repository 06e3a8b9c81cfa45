// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client sessions, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted data frame in bytes
	SendQueueSize  int           // per-connection outbound queue length
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxMessageSize: 64 << 10,
		SendQueueSize:  64,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws. On Linux it registers
// connections with epoll and dispatches ready connections to a bounded
// worker pool for frame reading; elsewhere each connection gets a reader
// goroutine.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called after a connection is registered
	onDisconnect func(connID string)                 // called when a connection is removed
	admit        func(clientIP string) bool          // optional upgrade gate
	router       *gin.Engine
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a read worker whenever a
// complete WebSocket data frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		router:     gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.GET("/ws", s.handleUpgrade)
	s.router.GET("/health", s.handleHealth)
	return s
}

// Router exposes the HTTP router so callers can mount additional routes
// before Start.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// SetOnConnect registers a callback invoked once per accepted connection,
// before its first frame is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a
// connection is removed (read error, heartbeat timeout or close frame).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAdmit registers a gate consulted before each upgrade. Requests it
// rejects get 429.
func (s *Server) SetAdmit(fn func(clientIP string) bool) {
	s.admit = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the poller, starts the event loop and heartbeat, and
// serves HTTP on ln. It blocks until the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	go s.runEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Info().Str("module", "ws").
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, then registers it for reading.
func (s *Server) handleUpgrade(ctx *gin.Context) {
	if s.conns.Count() >= s.config.MaxConnections {
		ctx.String(http.StatusServiceUnavailable, "too many connections")
		return
	}
	if s.admit != nil && !s.admit(ctx.ClientIP()) {
		ctx.String(http.StatusTooManyRequests, "too many connection attempts")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(ctx.Request, ctx.Writer)
	if err != nil {
		log.Warn().Str("module", "ws").Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn, s.config.SendQueueSize, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	go c.writeLoop()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.watch(c); err != nil {
		log.Error().Str("module", "ws").Str("session", c.ID).Err(err).Msg("register for reads failed")
		s.RemoveConnection(c)
		return
	}

	log.Debug().Str("module", "ws").Str("session", c.ID).Int("total", s.conns.Count()).Msg("new connection")
}

// handleHealth reports process liveness. It reads only atomic counters.
func (s *Server) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on
// a data frame that may never arrive. It reports whether the connection is
// still registered afterwards.
func (s *Server) handleConn(netConn net.Conn) bool {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return false
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.processing.CompareAndSwap(0, 1) {
		return true
	}
	defer c.processing.Store(0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch);
		// the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return false
		}
		_, _ = io.CopyN(io.Discard, reader, header.Length)
		return true
	}

	if s.config.MaxMessageSize > 0 && header.Length > s.config.MaxMessageSize {
		log.Warn().Str("module", "ws").Str("session", c.ID).Int64("length", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return false
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection unregisters and closes a connection, then runs the
// disconnect callback. Concurrent calls for the same connection (read error
// racing a heartbeat timeout) run the callback only once.
func (s *Server) RemoveConnection(c *Connection) {
	s.unwatch(c)

	if !s.conns.Remove(c.ID) {
		return
	}
	_ = c.Close()
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Debug().Str("module", "ws").Str("session", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Send queues data for the connection identified by connID. Events for a
// connection that is already gone are dropped and reported as false.
func (s *Server) Send(connID string, data []byte) bool {
	c := s.conns.Get(connID)
	if c == nil {
		metrics.DroppedEvents.WithLabelValues("gone").Inc()
		log.Debug().Str("module", "ws").Str("session", connID).Msg("dropping event for departed connection")
		return false
	}
	return c.Send(data)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit and
// removes every active connection, running the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("module", "ws").Msg("shutting down server")

	close(s.done)

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("ws: http shutdown: %w", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Info().Str("module", "ws").Msg("server stopped, all connections closed")
	return shutdownErr
}
