// Package ws handles WebSocket connection management: upgrading HTTP
// connections, maintaining active connections, and dispatching incoming
// frames to the application layer.
package ws

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/zion/chat-app/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading. Application semantics live
// entirely in the callbacks.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onConnect    func(conn *Connection)              // called when a connection is established
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	admitCheck   func(r *http.Request) bool          // pre-upgrade admission check
	httpServer   *http.Server
	extraRoutes  map[string]http.Handler
	bufPool      sync.Pool // pool of reusable read buffers
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:      config,
		conns:       NewConnectionManager(),
		workerPool:  make(chan struct{}, config.WorkerPoolSize),
		onMessage:   onMessage,
		extraRoutes: make(map[string]http.Handler),
		done:        make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

// SetOnConnect registers a callback invoked after a connection is upgraded
// and registered, before any frame from it is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAdmitCheck registers a check run before the WebSocket upgrade. A false
// return refuses the connection with 429. Used for per-IP connect limits.
func (s *Server) SetAdmitCheck(fn func(r *http.Request) bool) {
	s.admitCheck = fn
}

// Handle mounts an additional HTTP handler on the server's mux. Used for
// the REST surface and Prometheus metrics so everything shares one listener.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.extraRoutes[pattern] = handler
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, handler := range s.extraRoutes {
		mux.Handle(pattern, handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it creates a Connection and
// registers it with the connection manager and epoll instance.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.admitCheck != nil && !s.admitCheck(r) {
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	conn = wrapConn(conn)

	fd := socketFD(conn)
	connID := uuid.New().String()
	c := newConnection(connID, conn, fd, s.config.WriteTimeout)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}

	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection conn=%s fd=%d (total=%d)", connID, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","connections":%d,"uptime":%q}`,
		s.conns.Count(), time.Since(s.startedAt).Round(time.Second))
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Rearm(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if !c.markProcessing() {
		return
	}
	defer c.doneProcessing()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch). The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor and the application layer can evict
// connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager. This
	// prevents double cleanup when multiple goroutines race to remove the
	// same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage enqueues a WebSocket text frame for the connection identified
// by connID. Delivery is best-effort: a full outbound queue drops the frame.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.Send(data)
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat or the broadcast router).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	// Close all active WebSocket connections.
	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
