//go:build !linux

package ws

import (
	"net"
	"testing"
	"time"
)

func TestSyntheticDescriptorsAreUnique(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	defer b1.Close()
	defer b2.Close()

	wa := wrapConn(a1)
	wb := wrapConn(b1)

	fdA := socketFD(wa)
	fdB := socketFD(wb)
	if fdA == fdB {
		t.Fatalf("two connections share descriptor %d", fdA)
	}
	if got := socketFD(wa); got != fdA {
		t.Errorf("descriptor not stable: %d then %d", fdA, got)
	}
	if got := lookupFD(wa); got != fdA {
		t.Errorf("lookupFD = %d, want %d", got, fdA)
	}

	releaseFD(wa)
	if got := lookupFD(wa); got != -1 {
		t.Errorf("lookupFD after release = %d, want -1", got)
	}
}

func TestManagerKeysFallbackConnectionsSeparately(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	defer b1.Close()
	defer b2.Close()

	wa := wrapConn(a1)
	wb := wrapConn(b1)
	defer releaseFD(wa)
	defer releaseFD(wb)

	cm := NewConnectionManager()
	ca := newConnection("conn-a", wa, socketFD(wa), time.Second)
	cb := newConnection("conn-b", wb, socketFD(wb), time.Second)
	defer ca.Close()
	defer cb.Close()
	cm.Add(ca)
	cm.Add(cb)

	if got := cm.GetByConn(wa); got != ca {
		t.Errorf("GetByConn(a) = %v, want conn-a", got)
	}
	if got := cm.GetByConn(wb); got != cb {
		t.Errorf("GetByConn(b) = %v, want conn-b", got)
	}
}

func TestMonitorHandsBackPeekedByte(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	wrapped := wrapConn(server)
	defer releaseFD(wrapped)

	ep, err := NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	defer ep.Close()
	if err := ep.Add(wrapped); err != nil {
		t.Fatalf("Add: %v", err)
	}

	payload := []byte("hello")
	go func() {
		client.Write(payload)
	}()

	ready, err := ep.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 1 || ready[0] != wrapped {
		t.Fatalf("ready = %v, want the wrapped connection", ready)
	}

	// The monitor took the first byte off the wire; a full read must still
	// see the whole payload in order.
	buf := make([]byte, len(payload))
	wrapped.SetReadDeadline(time.Now().Add(time.Second))
	total := 0
	for total < len(payload) {
		n, err := wrapped.Read(buf[total:])
		if err != nil {
			t.Fatalf("Read after %d bytes: %v", total, err)
		}
		total += n
	}
	if string(buf) != string(payload) {
		t.Fatalf("read %q, want %q", buf, payload)
	}
}
