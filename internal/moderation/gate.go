// Package moderation decides whether an identity may post right now and
// applies the automatic promotion rule after successful posts. It always
// reads live identity state from the store: the role a session cached at
// authentication time is never trusted here.
package moderation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zion/chat-app/internal/store"
)

// PromotionThreshold is the cumulative message count at which an identity
// with role "user" is promoted to "on".
const PromotionThreshold = 100000

// Decision classifies a post attempt.
type Decision int

const (
	Allowed Decision = iota
	Muted
	Banned
)

// Verdict is the outcome of a CanPost check. Until is set only for Muted.
type Verdict struct {
	Decision Decision
	Until    time.Time
}

// Promotion describes a role upgrade that fired in AfterPost. The caller
// announces it globally and notifies the promoted identity privately.
type Promotion struct {
	IdentityID string
	Nickname   string
	NewRole    string
}

// Gate evaluates mute/ban state and the promotion rule.
type Gate struct {
	gateway store.Gateway
	now     func() time.Time
}

// NewGate creates a Gate backed by the given gateway.
func NewGate(gateway store.Gateway) *Gate {
	return &Gate{gateway: gateway, now: time.Now}
}

// SetClock replaces the gate's clock, for tests that control time.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// CanPost fetches the identity's current record and decides whether it may
// post. Ban wins over everything. An expired mute window is cleared in the
// store as a side effect, so correctness is tied to the next actual use
// rather than a background sweep.
func (g *Gate) CanPost(ctx context.Context, identityID string) (Verdict, error) {
	ident, err := g.gateway.GetIdentity(ctx, identityID)
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: fetch identity: %w", err)
	}

	if ident.Role == store.RoleBanned {
		return Verdict{Decision: Banned}, nil
	}

	if ident.IsMuted {
		if ident.MutedUntil != nil && ident.MutedUntil.After(g.now()) {
			return Verdict{Decision: Muted, Until: *ident.MutedUntil}, nil
		}
		// Mute window elapsed (or was set without an end): lazily clear it.
		if err := g.gateway.ClearMuted(ctx, identityID); err != nil {
			log.Printf("moderation: lazy mute clear for %s failed: %v", identityID, err)
		}
	}

	return Verdict{Decision: Allowed}, nil
}

// AfterPost is invoked once a message is durably persisted. It increments
// the identity's message count and, when the count crosses the promotion
// threshold while the role is exactly "user", promotes the identity to "on".
// The promotion is a compare-and-set on the role in the store: of any number
// of concurrent posts at the threshold, exactly one wins, and an identity
// an operator already reassigned is never touched.
func (g *Gate) AfterPost(ctx context.Context, identityID string) (*Promotion, error) {
	count, err := g.gateway.IncrementMessageCount(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("moderation: increment count: %w", err)
	}
	if count < PromotionThreshold {
		return nil, nil
	}

	promoted, err := g.gateway.PromoteIfRole(ctx, identityID, store.RoleUser, store.RoleOn)
	if err != nil {
		return nil, fmt.Errorf("moderation: promote: %w", err)
	}
	if !promoted {
		return nil, nil
	}

	ident, err := g.gateway.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("moderation: fetch identity: %w", err)
	}
	log.Printf("moderation: promoted %s (%s) to %q at count=%d",
		ident.Nickname, identityID, store.RoleOn, count)

	return &Promotion{
		IdentityID: identityID,
		Nickname:   ident.Nickname,
		NewRole:    store.RoleOn,
	}, nil
}
