//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Synthetic descriptors for platforms without epoll. Each connection gets a
// unique fd so the manager's fd index keys connections correctly.
var (
	fdMu     sync.Mutex
	fdByConn = make(map[net.Conn]int)
	nextFD   = 1
)

// socketFD returns a process-local synthetic descriptor for the connection,
// allocating one on first use. Released by Epoll.Remove.
func socketFD(conn net.Conn) int {
	fdMu.Lock()
	defer fdMu.Unlock()

	fd, ok := fdByConn[conn]
	if !ok {
		fd = nextFD
		nextFD++
		fdByConn[conn] = fd
	}
	return fd
}

// lookupFD resolves the synthetic descriptor without allocating, so index
// lookups for already-released connections stay misses.
func lookupFD(conn net.Conn) int {
	fdMu.Lock()
	defer fdMu.Unlock()

	if fd, ok := fdByConn[conn]; ok {
		return fd
	}
	return -1
}

func releaseFD(conn net.Conn) {
	fdMu.Lock()
	delete(fdByConn, conn)
	fdMu.Unlock()
}

// wrapConn wraps the upgraded connection so the readiness monitor can hand
// back the byte it reads; the frame parser then sees an intact stream.
func wrapConn(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, rearm: make(chan struct{}, 1)}
}

// peekConn buffers bytes taken off the wire by the readiness monitor and
// serves them ahead of the underlying connection on the next Read.
type peekConn struct {
	net.Conn
	mu      sync.Mutex
	pending []byte
	rearm   chan struct{}
}

func (c *peekConn) stash(b byte) {
	c.mu.Lock()
	c.pending = append(c.pending, b)
	c.mu.Unlock()
}

func (c *peekConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()
	return c.Conn.Read(p)
}

// Epoll provides a goroutine-per-connection fallback for non-Linux
// platforms, so the server runs on macOS and Windows development machines
// without the kernel event loop.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
}

// NewEpoll creates a fallback instance that uses a monitor goroutine per
// connection to detect incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that blocks on a
// 1-byte read. When data arrives, the connection is pushed to the ready
// channel for processing by Wait.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks reading a single byte from the connection to detect when
// data is available. The byte is stashed on the peekConn so the parser
// still observes a complete frame. After each readiness signal the monitor
// parks until Rearm, so it never competes with the worker reading the rest
// of the frame.
func (e *Epoll) monitor(conn net.Conn) {
	pc, _ := conn.(*peekConn)
	buf := make([]byte, 1)
	for {
		var (
			n   int
			err error
		)
		if pc != nil {
			n, err = pc.Conn.Read(buf)
			if n > 0 {
				pc.stash(buf[0])
			}
		} else {
			n, err = conn.Read(buf)
		}
		if err != nil {
			// Closed or errored: signal readiness so the read path can
			// observe the closure and clean up.
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}

		if pc != nil {
			select {
			case <-pc.rearm:
			case <-e.done:
				return
			}
		}
	}
}

// Rearm resumes the monitor after the worker finished reading the frame
// that triggered the last readiness signal.
func (e *Epoll) Rearm(conn net.Conn) {
	pc, ok := conn.(*peekConn)
	if !ok {
		return
	}
	select {
	case pc.rearm <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection and releases its synthetic descriptor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	releaseFD(conn)
	return nil
}

// Wait blocks until at least one connection is ready for reading, then
// drains any additional ready connections without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}
