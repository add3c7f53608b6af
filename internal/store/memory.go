package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Gateway used by tests and by the state-machine
// test harnesses. It honors the same atomicity guarantees as Postgres:
// message-count increments and room creation are single critical sections.
type Memory struct {
	mu         sync.Mutex
	identities map[string]*Identity // by ID
	byNickname map[string]string    // nickname -> ID
	groups     map[string]map[string]bool
	messages   []Message
	nextMsgID  int64

	// now can be replaced by tests that need a deterministic clock.
	now func() time.Time
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		identities: make(map[string]*Identity),
		byNickname: make(map[string]string),
		groups:     make(map[string]map[string]bool),
		now:        time.Now,
	}
}

// SetClock replaces the gateway's clock, for tests that control time.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) CreateIdentity(_ context.Context, nickname, passwordHash string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byNickname[nickname]; taken {
		return nil, ErrNicknameTaken
	}
	ident := &Identity{
		ID:            uuid.New().String(),
		Nickname:      nickname,
		PasswordHash:  passwordHash,
		Role:          RoleUser,
		NicknameColor: DefaultNicknameColor,
		CreatedAt:     m.now(),
	}
	m.identities[ident.ID] = ident
	m.byNickname[nickname] = ident.ID
	out := *ident
	return &out, nil
}

func (m *Memory) GetIdentity(_ context.Context, id string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *ident
	return &out, nil
}

func (m *Memory) GetIdentityByNickname(ctx context.Context, nickname string) (*Identity, error) {
	m.mu.Lock()
	id, ok := m.byNickname[nickname]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetIdentity(ctx, id)
}

func (m *Memory) SetMuted(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	u := until
	ident.IsMuted = true
	ident.MutedUntil = &u
	return nil
}

func (m *Memory) ClearMuted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	ident.IsMuted = false
	ident.MutedUntil = nil
	return nil
}

func (m *Memory) SetRole(_ context.Context, id, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	ident.Role = role
	return nil
}

func (m *Memory) SetNickname(_ context.Context, id, nickname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	if takenBy, taken := m.byNickname[nickname]; taken && takenBy != id {
		return ErrNicknameTaken
	}
	delete(m.byNickname, ident.Nickname)
	ident.Nickname = nickname
	m.byNickname[nickname] = id
	return nil
}

func (m *Memory) ListIdentities(_ context.Context) ([]Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idents := make([]Identity, 0, len(m.identities))
	for _, ident := range m.identities {
		idents = append(idents, *ident)
	}
	sort.Slice(idents, func(i, j int) bool { return idents[i].Nickname < idents[j].Nickname })
	return idents, nil
}

func (m *Memory) PromoteIfRole(_ context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[id]
	if !ok {
		return false, ErrNotFound
	}
	if ident.Role != from {
		return false, nil
	}
	ident.Role = to
	return true, nil
}

func (m *Memory) SetNicknameColor(_ context.Context, id, color string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	ident.NicknameColor = color
	return nil
}

func (m *Memory) IncrementMessageCount(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, ok := m.identities[id]
	if !ok {
		return 0, ErrNotFound
	}
	ident.MessageCount++
	return ident.MessageCount, nil
}

func (m *Memory) CreateGroup(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[name]; !exists {
		m.groups[name] = make(map[string]bool)
	}
	return nil
}

func (m *Memory) FindGroup(_ context.Context, name string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.groups[name]
	if !ok {
		return nil, ErrNotFound
	}
	room := &Room{Name: name}
	for member := range members {
		room.Members = append(room.Members, member)
	}
	sort.Strings(room.Members)
	return room, nil
}

func (m *Memory) ListGroups(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) AddMember(_ context.Context, room, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.groups[room]
	if !ok {
		return ErrNotFound
	}
	members[identityID] = true
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextMsgID++
	persisted := *msg
	persisted.ID = m.nextMsgID
	persisted.Timestamp = m.now()
	m.messages = append(m.messages, persisted)
	out := persisted
	return &out, nil
}

func (m *Memory) MessagesSince(_ context.Context, room string, t0 time.Time) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var msgs []Message
	for _, msg := range m.messages {
		if msg.Room == room && !msg.Timestamp.Before(t0) {
			msgs = append(msgs, msg)
		}
	}
	// Appended in commit order; stable sort keeps that order for equal stamps.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}
