package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	s := reg.Register("conn-1")
	if s.ConnID != "conn-1" {
		t.Fatalf("expected conn ID %q, got %q", "conn-1", s.ConnID)
	}
	if s.Authenticated() {
		t.Error("new session must start unauthenticated")
	}

	got := reg.Lookup(s.ConnID)
	if got != s {
		t.Fatalf("Lookup returned %v, want the registered session", got)
	}
	if reg.Count() != 1 {
		t.Errorf("expected count 1, got %d", reg.Count())
	}
}

func TestAuthenticate(t *testing.T) {
	reg := NewRegistry()
	s := reg.Register("conn-1")

	if !reg.Authenticate(s.ConnID, "id-1", "neo", "user") {
		t.Fatal("Authenticate returned false for a live session")
	}
	if !s.Authenticated() {
		t.Error("session should be authenticated")
	}
	id, nick, role := s.Identity()
	if id != "id-1" || nick != "neo" || role != "user" {
		t.Errorf("unexpected identity: %q %q %q", id, nick, role)
	}

	// Authentication never subscribes to rooms by itself.
	if len(s.Rooms()) != 0 {
		t.Errorf("expected no joined rooms after auth, got %v", s.Rooms())
	}

	if reg.Authenticate("no-such-conn", "id-1", "neo", "user") {
		t.Error("Authenticate should fail for unknown connection")
	}
}

func TestIdentityIndex(t *testing.T) {
	reg := NewRegistry()

	// Two connections for the same identity, one for another.
	s1 := reg.Register("conn-1")
	s2 := reg.Register("conn-2")
	s3 := reg.Register("conn-3")
	reg.Authenticate(s1.ConnID, "id-1", "neo", "user")
	reg.Authenticate(s2.ConnID, "id-1", "neo", "user")
	reg.Authenticate(s3.ConnID, "id-2", "trinity", "user")

	if got := len(reg.ForIdentity("id-1")); got != 2 {
		t.Fatalf("expected 2 sessions for id-1, got %d", got)
	}
	if got := len(reg.ForIdentity("id-2")); got != 1 {
		t.Fatalf("expected 1 session for id-2, got %d", got)
	}
	if got := len(reg.ForIdentity("id-3")); got != 0 {
		t.Fatalf("expected 0 sessions for id-3, got %d", got)
	}

	// Releasing one of two leaves the other in the index.
	if !reg.Release(s1.ConnID) {
		t.Fatal("Release returned false")
	}
	if got := len(reg.ForIdentity("id-1")); got != 1 {
		t.Fatalf("expected 1 session for id-1 after release, got %d", got)
	}

	reg.Release(s2.ConnID)
	if got := len(reg.ForIdentity("id-1")); got != 0 {
		t.Fatalf("expected 0 sessions for id-1 after both released, got %d", got)
	}
}

func TestRebindUnlinksPreviousIdentity(t *testing.T) {
	reg := NewRegistry()
	s := reg.Register("conn-1")

	reg.Authenticate(s.ConnID, "id-1", "neo", "user")
	reg.Authenticate(s.ConnID, "id-2", "smith", "user")

	if got := len(reg.ForIdentity("id-1")); got != 0 {
		t.Fatalf("expected 0 sessions for id-1 after rebind, got %d", got)
	}
	if got := len(reg.ForIdentity("id-2")); got != 1 {
		t.Fatalf("expected 1 session for id-2 after rebind, got %d", got)
	}

	reg.Release(s.ConnID)
	if got := len(reg.ForIdentity("id-2")); got != 0 {
		t.Fatalf("expected empty index after release, got %d", got)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	reg := NewRegistry()
	s := reg.Register("conn-1")

	if !reg.Release(s.ConnID) {
		t.Fatal("first Release returned false")
	}
	if reg.Release(s.ConnID) {
		t.Error("second Release should return false")
	}
	if reg.Lookup(s.ConnID) != nil {
		t.Error("Lookup should return nil after release")
	}
}

func TestJoinedRooms(t *testing.T) {
	reg := NewRegistry()
	s := reg.Register("conn-1")
	reg.Authenticate(s.ConnID, "id-1", "neo", "user")

	if s.HasJoined("lobby") {
		t.Error("HasJoined should be false before Join")
	}
	s.Join("lobby")
	if !s.HasJoined("lobby") {
		t.Error("HasJoined should be true after Join")
	}
	if s.HasJoined("other") {
		t.Error("HasJoined must be per-room")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := reg.Register(fmt.Sprintf("conn-%d", n))
			reg.Authenticate(s.ConnID, "id-shared", "neo", "user")
			s.Join("lobby")
			_ = reg.ForIdentity("id-shared")
			reg.Release(s.ConnID)
		}(i)
	}
	wg.Wait()

	if reg.Count() != 0 {
		t.Errorf("expected empty registry, got %d sessions", reg.Count())
	}
	if got := len(reg.ForIdentity("id-shared")); got != 0 {
		t.Errorf("expected empty identity index, got %d", got)
	}
}
