package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/zion/chat-app/internal/messaging"
	"github.com/zion/chat-app/internal/store"
)

// MaxMuteMinutes caps how long a single mute request can last.
const MaxMuteMinutes = 7 * 24 * 60

// requireAuth verifies the Bearer token and loads the caller's live record
// from the store. The token's role claim is never trusted for authorization:
// a demoted moderator's old token must not keep working.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		identityID, _, err := h.tokens.Verify(tokenString)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		caller, err := h.gateway.GetIdentity(r.Context(), identityID)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unknown identity")
			return
		}
		if caller.Role == store.RoleBanned {
			respondError(w, http.StatusForbidden, "this account is banned")
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole wraps requireAuth and additionally restricts the route to the
// given roles.
func (h *Handler) requireRole(next http.Handler, roles ...string) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return h.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r.Context())
		if !allowed[caller.Role] {
			respondError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// userSummary is the moderation view of an identity. It carries everything
// a moderation dashboard needs except the password hash.
type userSummary struct {
	Identity      string     `json:"identityId"`
	Nickname      string     `json:"nickname"`
	Role          string     `json:"role"`
	MessageCount  int64      `json:"messageCount"`
	NicknameColor string     `json:"nicknameColor"`
	IsMuted       bool       `json:"isMuted"`
	MutedUntil    *time.Time `json:"mutedUntil,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// handleUsers lists every identity except the creator, ordered by nickname.
func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	idents, err := h.gateway.ListIdentities(r.Context())
	if err != nil {
		log.Printf("api: list identities: %v", err)
		respondError(w, http.StatusInternalServerError, "could not list users")
		return
	}

	users := make([]userSummary, 0, len(idents))
	for _, ident := range idents {
		if ident.Role == store.RoleCreator {
			continue
		}
		users = append(users, userSummary{
			Identity:      ident.ID,
			Nickname:      ident.Nickname,
			Role:          ident.Role,
			MessageCount:  ident.MessageCount,
			NicknameColor: ident.NicknameColor,
			IsMuted:       ident.IsMuted,
			MutedUntil:    ident.MutedUntil,
			CreatedAt:     ident.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

type muteRequest struct {
	Nickname string `json:"nickname"`
	Minutes  int    `json:"minutes"`
}

func (h *Handler) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Minutes <= 0 || req.Minutes > MaxMuteMinutes {
		respondError(w, http.StatusBadRequest, "minutes must be between 1 and 10080")
		return
	}

	target, ok := h.lookupTarget(w, r, req.Nickname)
	if !ok {
		return
	}
	if target.Role == store.RoleCreator {
		respondError(w, http.StatusForbidden, "the creator cannot be muted")
		return
	}

	until := time.Now().Add(time.Duration(req.Minutes) * time.Minute)
	if err := h.gateway.SetMuted(r.Context(), target.ID, until); err != nil {
		log.Printf("api: mute %s: %v", target.ID, err)
		respondError(w, http.StatusInternalServerError, "could not mute")
		return
	}

	h.publish(messaging.ModerationEvent{
		Kind:       messaging.KindMuted,
		IdentityID: target.ID,
		Until:      until,
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"nickname": target.Nickname,
		"until":    until,
	})
}

type targetRequest struct {
	Nickname string `json:"nickname"`
}

func (h *Handler) handleBan(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	target, ok := h.lookupTarget(w, r, req.Nickname)
	if !ok {
		return
	}
	if target.Role == store.RoleCreator {
		respondError(w, http.StatusForbidden, "the creator cannot be banned")
		return
	}

	h.setRoleAndPublish(w, r, target, store.RoleBanned)
}

func (h *Handler) handleUnban(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	target, ok := h.lookupTarget(w, r, req.Nickname)
	if !ok {
		return
	}
	if target.Role != store.RoleBanned {
		respondError(w, http.StatusBadRequest, "identity is not banned")
		return
	}

	h.setRoleAndPublish(w, r, target, store.RoleUser)
}

type roleRequest struct {
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
}

func (h *Handler) handleRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !store.ValidRoles[req.Role] || req.Role == store.RoleBanned {
		respondError(w, http.StatusBadRequest, "invalid role, use /api/admin/ban for bans")
		return
	}

	target, ok := h.lookupTarget(w, r, req.Nickname)
	if !ok {
		return
	}

	h.setRoleAndPublish(w, r, target, req.Role)
}

// setRoleAndPublish persists the role change and then announces it. The
// write happens before the publish: instances that miss the event still
// converge the next time the identity authenticates.
func (h *Handler) setRoleAndPublish(w http.ResponseWriter, r *http.Request, target *store.Identity, newRole string) {
	if err := h.gateway.SetRole(r.Context(), target.ID, newRole); err != nil {
		log.Printf("api: set role %s=%s: %v", target.ID, newRole, err)
		respondError(w, http.StatusInternalServerError, "could not update role")
		return
	}

	h.publish(messaging.ModerationEvent{
		Kind:       messaging.KindRoleChanged,
		IdentityID: target.ID,
		NewRole:    newRole,
	})
	respondJSON(w, http.StatusOK, map[string]string{
		"nickname": target.Nickname,
		"role":     newRole,
	})
}

func (h *Handler) lookupTarget(w http.ResponseWriter, r *http.Request, nickname string) (*store.Identity, bool) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		respondError(w, http.StatusBadRequest, "nickname is required")
		return nil, false
	}
	target, err := h.gateway.GetIdentityByNickname(r.Context(), nickname)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no such identity")
			return nil, false
		}
		log.Printf("api: lookup %q: %v", nickname, err)
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return nil, false
	}
	return target, true
}

func (h *Handler) publish(ev messaging.ModerationEvent) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.PublishModerationEvent(ev); err != nil {
		log.Printf("api: publish moderation event kind=%s identity=%s: %v", ev.Kind, ev.IdentityID, err)
	}
}
