package ws

import (
	"net"
	"testing"
	"time"
)

// pipeConnection builds a Connection over one end of a net.Pipe and drains
// the other end so the writer goroutine never blocks.
func pipeConnection(t *testing.T) *Connection {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	c := newConnection("conn-1", server, 1, time.Second)
	t.Cleanup(func() {
		c.Close()
		client.Close()
	})
	return c
}

func TestCloseCancelsContext(t *testing.T) {
	c := pipeConnection(t)

	select {
	case <-c.Context().Done():
		t.Fatal("context cancelled before Close")
	default:
	}

	c.Close()

	select {
	case <-c.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Close")
	}
	if err := c.Send([]byte("late")); err != ErrClosed {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := pipeConnection(t)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
