package room

import (
	"context"
	"sync"
	"testing"

	"github.com/zion/chat-app/internal/store"
)

func TestCreate_Idempotent(t *testing.T) {
	dir := NewDirectory(store.NewMemory())
	ctx := context.Background()

	if err := dir.Create(ctx, "x"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := dir.Create(ctx, "x"); err != nil {
		t.Fatalf("duplicate Create must be a no-op, got %v", err)
	}

	names, err := dir.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "x" {
		t.Errorf("expected exactly one room %q, got %v", "x", names)
	}
}

func TestCreate_ConcurrentSameName(t *testing.T) {
	dir := NewDirectory(store.NewMemory())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dir.Create(ctx, "x"); err != nil {
				t.Errorf("Create: %v", err)
			}
		}()
	}
	wg.Wait()

	names, _ := dir.List(ctx)
	if len(names) != 1 {
		t.Fatalf("expected 1 room after concurrent creates, got %v", names)
	}
}

func TestJoin_AutoCreatesAndAddsMember(t *testing.T) {
	gw := store.NewMemory()
	dir := NewDirectory(gw)
	ctx := context.Background()

	if err := dir.Join(ctx, "lobby", "id-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	room, err := gw.FindGroup(ctx, "lobby")
	if err != nil {
		t.Fatalf("FindGroup after join: %v", err)
	}
	if len(room.Members) != 1 || room.Members[0] != "id-1" {
		t.Errorf("expected members [id-1], got %v", room.Members)
	}

	// Re-joining is a no-op on membership.
	if err := dir.Join(ctx, "lobby", "id-1"); err != nil {
		t.Fatalf("re-Join: %v", err)
	}
	room, _ = gw.FindGroup(ctx, "lobby")
	if len(room.Members) != 1 {
		t.Errorf("expected 1 member after re-join, got %v", room.Members)
	}
}

func TestList_Ordered(t *testing.T) {
	dir := NewDirectory(store.NewMemory())
	ctx := context.Background()

	for _, name := range []string{"zion", "lobby", "construct"} {
		if err := dir.Create(ctx, name); err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
	}

	names, err := dir.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"construct", "lobby", "zion"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d]: expected %q, got %q", i, want[i], names[i])
		}
	}
}

func TestOrderLock_StablePerRoom(t *testing.T) {
	dir := NewDirectory(store.NewMemory())

	a := dir.OrderLock("lobby")
	b := dir.OrderLock("lobby")
	c := dir.OrderLock("zion")

	if a != b {
		t.Error("same room must map to the same lock")
	}
	if a == c {
		t.Error("distinct rooms must not share a lock")
	}
}
