package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// OutboundQueueSize is the per-connection bound on queued outbound frames.
// A consumer that falls further behind than this starts losing broadcasts
// rather than stalling the room.
const OutboundQueueSize = 64

// ErrQueueFull is returned by Send when the outbound queue is saturated.
var ErrQueueFull = errors.New("ws: outbound queue full")

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("ws: connection closed")

// Connection represents a single WebSocket client connection. Outbound
// application frames go through a bounded queue drained by a dedicated
// writer goroutine, so broadcasters never block on a slow peer; control
// frames (ping) take the write mutex directly.
type Connection struct {
	ID        string    // connection ID (UUID), shared with the session registry
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last activity observed from the client

	writeMu      sync.Mutex // serializes raw writes to the socket
	writeTimeout time.Duration
	outbound     chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn

	ctx    context.Context
	cancel context.CancelFunc
}

// newConnection wraps a net.Conn and starts the writer goroutine.
func newConnection(id string, conn net.Conn, fd int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		LastPing:     time.Now(),
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, OutboundQueueSize),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

// Context returns a context that is cancelled when the connection closes.
// Handlers run operations for this connection under it so that work tied to
// a gone peer stops instead of holding resources.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Send enqueues a text frame for delivery. It never blocks: if the queue is
// full the frame is dropped and ErrQueueFull is returned, and after Close it
// returns ErrClosed. Delivery is best-effort by design.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// SendSync writes a text frame directly, bypassing the queue. Used for the
// final notice before a forced close, where ordering against the close
// matters more than not blocking.
func (c *Connection) SendSync(data []byte) error {
	return c.write(data)
}

// writeLoop drains the outbound queue onto the socket until Close.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.outbound:
			if err := c.write(data); err != nil {
				// The read path will observe the broken socket and
				// remove the connection; stop writing here.
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close stops the writer goroutine and closes the underlying network
// connection. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by resolving
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := lookupFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
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

// markProcessing guards against duplicate dispatch from level-triggered
// epoll. Returns true if the caller won the right to read this connection.
func (c *Connection) markProcessing() bool {
	return atomic.CompareAndSwapInt32(&c.processing, 0, 1)
}

func (c *Connection) doneProcessing() {
	atomic.StoreInt32(&c.processing, 0)
}
