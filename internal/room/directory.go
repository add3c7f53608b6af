// Package room tracks group existence and membership, mediating create,
// join, and list against the persistence gateway. Rooms are durable and
// membership is additive-only; which sessions are currently connected is the
// session registry's concern, not this package's.
package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/zion/chat-app/internal/store"
)

// Directory mediates room operations. It also hands out per-room ordering
// locks: the broadcast path holds a room's lock across persist-and-fanout so
// that all members observe one room's messages in commit order, without
// head-of-line blocking across unrelated rooms.
type Directory struct {
	gateway store.Gateway

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDirectory creates a Directory backed by the given gateway.
func NewDirectory(gateway store.Gateway) *Directory {
	return &Directory{
		gateway: gateway,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Create makes a room durable. Creating an existing room is a no-op, not an
// error; under concurrent creation the first writer wins.
func (d *Directory) Create(ctx context.Context, name string) error {
	if err := d.gateway.CreateGroup(ctx, name); err != nil {
		return fmt.Errorf("room: create %q: %w", name, err)
	}
	return nil
}

// Join ensures the room exists and records durable membership for the
// identity. Joining twice, or joining a room the identity already belongs
// to, is a no-op.
func (d *Directory) Join(ctx context.Context, name, identityID string) error {
	// Auto-create on first join, matching create semantics.
	if err := d.gateway.CreateGroup(ctx, name); err != nil {
		return fmt.Errorf("room: join create %q: %w", name, err)
	}
	if err := d.gateway.AddMember(ctx, name, identityID); err != nil {
		return fmt.Errorf("room: join %q: %w", name, err)
	}
	return nil
}

// List returns all room names in stable (alphabetical) order.
func (d *Directory) List(ctx context.Context) ([]string, error) {
	names, err := d.gateway.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("room: list: %w", err)
	}
	return names, nil
}

// OrderLock returns the mutex that serializes persist-and-broadcast for one
// room. The same name always yields the same mutex.
func (d *Directory) OrderLock(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[name] = lock
	}
	return lock
}
