// Package store is the persistence gateway for identities, rooms, and
// messages. It is pure data access: business rules (moderation, promotion,
// broadcast) live in the packages that call it.
package store

import (
	"context"
	"errors"
	"time"
)

// Role values an identity can hold. "on" is the rank granted automatically
// when an identity crosses the promotion threshold.
const (
	RoleUser      = "user"
	RoleOn        = "on"
	RoleDev       = "dev"
	RoleModerator = "moderator"
	RoleCreator   = "creator"
	RoleBanned    = "banned"
)

// ValidRoles is the set of accepted role values.
var ValidRoles = map[string]bool{
	RoleUser:      true,
	RoleOn:        true,
	RoleDev:       true,
	RoleModerator: true,
	RoleCreator:   true,
	RoleBanned:    true,
}

// MaxNicknameLen is the nickname length limit in bytes.
const MaxNicknameLen = 16

// DefaultNicknameColor is assigned to new identities.
const DefaultNicknameColor = "#0f0"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrNicknameTaken is returned when creating an identity with a nickname
// that already exists.
var ErrNicknameTaken = errors.New("store: nickname already taken")

// Identity is a registered user account, persisted independent of any
// connection. The session layer caches a copy per connection; mute and ban
// state must always be re-read from the store before authorizing a post.
type Identity struct {
	ID            string
	Nickname      string
	PasswordHash  string
	Role          string
	MessageCount  int64
	NicknameColor string
	IsMuted       bool
	MutedUntil    *time.Time
	CreatedAt     time.Time
}

// Room is a named chat channel with durable membership. Membership is
// additive-only: members persist even when no session represents them.
type Room struct {
	Name    string
	Members []string
}

// Message is one persisted chat entry, immutable once created.
type Message struct {
	ID        int64
	Author    string
	Text      string
	Room      string
	Timestamp time.Time
	FileURL   string
	FileName  string
}

// Gateway is the persistence interface consumed by the connection core.
// Implementations: Postgres for production, Memory for tests.
type Gateway interface {
	// Identities.
	CreateIdentity(ctx context.Context, nickname, passwordHash string) (*Identity, error)
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	GetIdentityByNickname(ctx context.Context, nickname string) (*Identity, error)
	SetMuted(ctx context.Context, id string, until time.Time) error
	ClearMuted(ctx context.Context, id string) error
	SetRole(ctx context.Context, id, role string) error
	SetNickname(ctx context.Context, id, nickname string) error
	SetNicknameColor(ctx context.Context, id, color string) error
	// ListIdentities returns every identity ordered by nickname.
	ListIdentities(ctx context.Context) ([]Identity, error)
	// IncrementMessageCount atomically bumps the counter and returns the new
	// value. Concurrent posts from the same identity must not lose updates.
	IncrementMessageCount(ctx context.Context, id string) (int64, error)
	// PromoteIfRole changes the role from "from" to "to" in one atomic
	// compare-and-set. It reports whether this call performed the change,
	// so concurrent callers see exactly one true.
	PromoteIfRole(ctx context.Context, id, from, to string) (bool, error)

	// Rooms. CreateGroup and AddMember are idempotent: the first writer wins
	// and later duplicates are no-ops.
	CreateGroup(ctx context.Context, name string) error
	FindGroup(ctx context.Context, name string) (*Room, error)
	ListGroups(ctx context.Context) ([]string, error)
	AddMember(ctx context.Context, room, identityID string) error

	// Messages. AppendMessage assigns the authoritative timestamp and ID;
	// MessagesSince returns history ordered by timestamp ascending.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	MessagesSince(ctx context.Context, room string, t0 time.Time) ([]Message, error)
}
