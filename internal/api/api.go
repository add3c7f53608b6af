// Package api exposes the REST surface of the chat service: account
// registration, login, profile updates, and the moderation endpoints.
// Moderation decisions are persisted first and then published on NATS so
// every chat server instance can apply them to live sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/zion/chat-app/internal/auth"
	"github.com/zion/chat-app/internal/messaging"
	"github.com/zion/chat-app/internal/ratelimit"
	"github.com/zion/chat-app/internal/store"
)

// Password length bounds for registration.
const (
	MinPasswordLen = 8
	MaxPasswordLen = 24
)

// MaxPrefixLen bounds the nickname decoration a dev may prepend.
const MaxPrefixLen = 5

// Publisher fans moderation decisions out to chat server instances.
// *messaging.Client satisfies it; tests substitute a recorder.
type Publisher interface {
	PublishModerationEvent(ev messaging.ModerationEvent) error
}

// Handler carries the dependencies of the REST endpoints.
type Handler struct {
	gateway   store.Gateway
	tokens    *auth.TokenIssuer
	limiter   *ratelimit.Limiter
	publisher Publisher
}

// New constructs a Handler. limiter may be nil, in which case login attempts
// are not throttled.
func New(gateway store.Gateway, tokens *auth.TokenIssuer, limiter *ratelimit.Limiter, publisher Publisher) *Handler {
	return &Handler{
		gateway:   gateway,
		tokens:    tokens,
		limiter:   limiter,
		publisher: publisher,
	}
}

// Register installs the REST routes on mux.
func (h *Handler) Register(mux interface {
	Handle(pattern string, handler http.Handler)
}) {
	mux.Handle("/api/register", post(http.HandlerFunc(h.handleRegister)))
	mux.Handle("/api/login", post(http.HandlerFunc(h.handleLogin)))
	mux.Handle("/api/user/color", post(h.requireAuth(http.HandlerFunc(h.handleColor))))
	mux.Handle("/api/user/addPrefix", post(h.requireRole(http.HandlerFunc(h.handlePrefix), store.RoleDev)))
	mux.Handle("/api/moderator/mute", post(h.requireRole(http.HandlerFunc(h.handleMute), store.RoleModerator, store.RoleCreator)))
	mux.Handle("/api/admin/users", get(h.requireRole(http.HandlerFunc(h.handleUsers), store.RoleModerator, store.RoleCreator)))
	mux.Handle("/api/admin/ban", post(h.requireRole(http.HandlerFunc(h.handleBan), store.RoleCreator)))
	mux.Handle("/api/admin/unban", post(h.requireRole(http.HandlerFunc(h.handleUnban), store.RoleCreator)))
	mux.Handle("/api/admin/role", post(h.requireRole(http.HandlerFunc(h.handleRole), store.RoleCreator)))
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type registerRequest struct {
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

type authResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identityId"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	req.Nickname = strings.TrimSpace(req.Nickname)
	if req.Nickname == "" || utf8.RuneCountInString(req.Nickname) > store.MaxNicknameLen {
		respondError(w, http.StatusBadRequest, "nickname must be 1-16 characters")
		return
	}
	if len(req.Password) < MinPasswordLen || len(req.Password) > MaxPasswordLen {
		respondError(w, http.StatusBadRequest, "password must be 8-24 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("api: hash password: %v", err)
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	ident, err := h.gateway.CreateIdentity(r.Context(), req.Nickname, hash)
	if err != nil {
		if errors.Is(err, store.ErrNicknameTaken) {
			respondError(w, http.StatusConflict, "nickname already taken")
			return
		}
		log.Printf("api: create identity: %v", err)
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	h.issueAndRespond(w, ident)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.Nickname = strings.TrimSpace(req.Nickname)

	if h.limiter != nil {
		ok, _ := h.limiter.Allow(r.Context(), req.Nickname, ratelimit.RuleLogin)
		if !ok {
			respondError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
			return
		}
	}

	ident, err := h.gateway.GetIdentityByNickname(r.Context(), req.Nickname)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusUnauthorized, "invalid nickname or password")
			return
		}
		log.Printf("api: lookup identity: %v", err)
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if !auth.CheckPassword(ident.PasswordHash, req.Password) {
		respondError(w, http.StatusUnauthorized, "invalid nickname or password")
		return
	}
	if ident.Role == store.RoleBanned {
		respondError(w, http.StatusForbidden, "this account is banned")
		return
	}

	h.issueAndRespond(w, ident)
}

func (h *Handler) issueAndRespond(w http.ResponseWriter, ident *store.Identity) {
	token, err := h.tokens.Issue(ident.ID, ident.Role)
	if err != nil {
		log.Printf("api: issue token: %v", err)
		respondError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	respondJSON(w, http.StatusOK, authResponse{
		Token:    token,
		Identity: ident.ID,
		Nickname: ident.Nickname,
		Role:     ident.Role,
	})
}

type colorRequest struct {
	Color string `json:"color"`
}

// handleColor updates the caller's own nickname color.
func (h *Handler) handleColor(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var req colorRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !validHexColor(req.Color) {
		respondError(w, http.StatusBadRequest, "color must be a hex value like #0f0")
		return
	}

	if err := h.gateway.SetNicknameColor(r.Context(), caller.ID, req.Color); err != nil {
		log.Printf("api: set color for %s: %v", caller.ID, err)
		respondError(w, http.StatusInternalServerError, "could not update color")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"color": req.Color})
}

type prefixRequest struct {
	Prefix string `json:"prefix"`
}

// handlePrefix prepends a short decoration to the caller's own nickname.
// Reserved for the "dev" rank; the decorated nickname must still fit the
// nickname length bound and stay unique.
func (h *Handler) handlePrefix(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var req prefixRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Prefix == "" || utf8.RuneCountInString(req.Prefix) > MaxPrefixLen {
		respondError(w, http.StatusBadRequest, "prefix must be 1-5 characters")
		return
	}

	nickname := req.Prefix + caller.Nickname
	if utf8.RuneCountInString(nickname) > store.MaxNicknameLen {
		respondError(w, http.StatusBadRequest, "prefixed nickname exceeds 16 characters")
		return
	}

	if err := h.gateway.SetNickname(r.Context(), caller.ID, nickname); err != nil {
		if errors.Is(err, store.ErrNicknameTaken) {
			respondError(w, http.StatusConflict, "prefixed nickname already taken")
			return
		}
		log.Printf("api: add prefix for %s: %v", caller.ID, err)
		respondError(w, http.StatusInternalServerError, "could not update nickname")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"nickname": nickname})
}

// validHexColor accepts #rgb and #rrggbb.
func validHexColor(s string) bool {
	if len(s) != 4 && len(s) != 7 {
		return false
	}
	if s[0] != '#' {
		return false
	}
	for _, c := range s[1:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Plumbing
// ---------------------------------------------------------------------------

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// post rejects anything but POST before the handler runs.
func post(next http.Handler) http.Handler {
	return allowMethod(http.MethodPost, next)
}

// get rejects anything but GET before the handler runs.
func get(next http.Handler) http.Handler {
	return allowMethod(http.MethodGet, next)
}

func allowMethod(method string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const callerKey contextKey = "api.caller"

// callerFrom returns the authenticated identity stored by requireAuth.
// It panics if the middleware did not run; routes are always registered
// behind it.
func callerFrom(ctx context.Context) *store.Identity {
	return ctx.Value(callerKey).(*store.Identity)
}
