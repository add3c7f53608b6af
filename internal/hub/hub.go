// Package hub is the connection/session coordination core. It owns the
// per-connection state machine (unauthenticated -> authenticated -> joined),
// enforces moderation state before any broadcast, fans events out to room
// members, and reacts to out-of-band role changes by notifying or
// force-disconnecting affected connections.
//
// The hub is written against the Transport interface rather than a concrete
// WebSocket connection, so the legal event sequences are testable without a
// network.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zion/chat-app/internal/auth"
	"github.com/zion/chat-app/internal/metrics"
	"github.com/zion/chat-app/internal/moderation"
	"github.com/zion/chat-app/internal/protocol"
	"github.com/zion/chat-app/internal/room"
	"github.com/zion/chat-app/internal/session"
	"github.com/zion/chat-app/internal/store"
)

// Transport delivers encoded events to connections. Send is best-effort and
// must never block on a slow peer; Kick writes a final notice synchronously
// and closes the connection.
type Transport interface {
	Send(connID string, data []byte) error
	Kick(connID string, lastWords []byte)
}

// Hub wires the session registry, room directory, moderation gate, and
// persistence gateway behind the per-connection event handlers.
type Hub struct {
	registry  *session.Registry
	directory *room.Directory
	gate      *moderation.Gate
	gateway   store.Gateway
	tokens    *auth.TokenIssuer
	transport Transport

	// onRoomsChanged, when set, is invoked after a room becomes durable so
	// other server instances can refresh their clients' room lists.
	onRoomsChanged func()
}

// New constructs a Hub. All collaborators are required.
func New(registry *session.Registry, directory *room.Directory, gate *moderation.Gate,
	gateway store.Gateway, tokens *auth.TokenIssuer, transport Transport) *Hub {
	return &Hub{
		registry:  registry,
		directory: directory,
		gate:      gate,
		gateway:   gateway,
		tokens:    tokens,
		transport: transport,
	}
}

// SetRoomsChangedHook registers the cross-instance room list signal.
func (h *Hub) SetRoomsChangedHook(fn func()) {
	h.onRoomsChanged = fn
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect registers a pending-auth session for a new connection.
func (h *Hub) Connect(connID string) {
	h.registry.Register(connID)
}

// Disconnect releases the session. Durable room membership is untouched:
// sessions are ephemeral, membership is not. An in-flight persist started
// before the disconnect still completes and still broadcasts to the
// remaining room members.
func (h *Hub) Disconnect(connID string) {
	h.release(connID)
}

// release drops the session and keeps the authenticated-sessions gauge in
// step. Safe to call for a connection that was already released.
func (h *Hub) release(connID string) {
	if s := h.registry.Lookup(connID); s != nil && s.Authenticated() {
		metrics.SessionsAuthenticated.Dec()
	}
	h.registry.Release(connID)
}

// Authenticate validates the token and binds the identity to the session.
// Failure is fatal to the connection: the client must reconnect to retry.
func (h *Hub) Authenticate(ctx context.Context, connID, token string) {
	s := h.registry.Lookup(connID)
	if s == nil {
		return
	}
	if s.Authenticated() {
		// Rebinding a live connection to another identity would leave the
		// identity index pointing at the wrong session. The client must
		// reconnect to switch accounts.
		h.send(connID, protocol.TypeUnauthorized, protocol.UnauthorizedMsg{
			Reason: "already authenticated",
		})
		return
	}

	identityID, _, err := h.tokens.Verify(token)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			reason = "token expired"
		}
		h.kickUnauthorized(connID, reason)
		return
	}

	// The token's role claim may be stale; bind the live record instead.
	ident, err := h.gateway.GetIdentity(ctx, identityID)
	if err != nil {
		h.kickUnauthorized(connID, "unknown identity")
		return
	}
	if ident.Role == store.RoleBanned {
		h.kickBanned(connID, "this account is banned")
		return
	}

	h.registry.Authenticate(connID, ident.ID, ident.Nickname, ident.Role)
	metrics.SessionsAuthenticated.Inc()
	log.Printf("hub: authenticated conn=%s identity=%s nickname=%s", connID, ident.ID, ident.Nickname)
}

// ---------------------------------------------------------------------------
// Room operations (require authentication only)
// ---------------------------------------------------------------------------

// GetGroups sends the ordered room list to the requesting session.
func (h *Hub) GetGroups(ctx context.Context, connID string) {
	if _, ok := h.authedSession(connID); !ok {
		return
	}

	names, err := h.directory.List(ctx)
	if err != nil {
		log.Printf("hub: list groups for conn=%s: %v", connID, err)
		h.sendError(connID, "storage_error", "could not list groups")
		return
	}
	h.send(connID, protocol.TypeGroups, protocol.GroupsMsg{Names: names})
}

// CreateGroup makes a room durable and announces the updated room list to
// all authenticated sessions. Duplicate creation is a no-op.
func (h *Hub) CreateGroup(ctx context.Context, connID, name string) {
	if _, ok := h.authedSession(connID); !ok {
		return
	}
	if err := protocol.ValidateRoomName(name); err != nil {
		h.sendError(connID, "invalid_room", err.Error())
		return
	}

	if err := h.directory.Create(ctx, name); err != nil {
		log.Printf("hub: create group %q for conn=%s: %v", name, connID, err)
		h.sendError(connID, "storage_error", "could not create group")
		return
	}

	h.BroadcastGroups(ctx)
	if h.onRoomsChanged != nil {
		h.onRoomsChanged()
	}
}

// BroadcastGroups pushes the current room list to every authenticated
// session. Called after a local create and when another instance signals a
// room list change.
func (h *Hub) BroadcastGroups(ctx context.Context) {
	names, err := h.directory.List(ctx)
	if err != nil {
		log.Printf("hub: list groups for broadcast: %v", err)
		return
	}
	metrics.RoomsTotal.Set(float64(len(names)))

	data, err := protocol.NewServerMessage(protocol.TypeGroups, protocol.GroupsMsg{Names: names})
	if err != nil {
		log.Printf("hub: encode groups: %v", err)
		return
	}
	h.ToAll(data)
}

// JoinGroup subscribes the session to a room, records durable membership,
// and replays the room's persisted history to this connection only.
func (h *Hub) JoinGroup(ctx context.Context, connID, name string) {
	s, ok := h.authedSession(connID)
	if !ok {
		return
	}
	if err := protocol.ValidateRoomName(name); err != nil {
		h.sendError(connID, "invalid_room", err.Error())
		return
	}

	identityID, _, _ := s.Identity()
	if err := h.directory.Join(ctx, name, identityID); err != nil {
		log.Printf("hub: join %q for conn=%s: %v", name, connID, err)
		h.sendError(connID, "storage_error", "could not join group")
		return
	}
	s.Join(name)

	history, err := h.gateway.MessagesSince(ctx, name, time.Time{})
	if err != nil {
		log.Printf("hub: history for %q: %v", name, err)
		h.sendError(connID, "storage_error", "could not load history")
		return
	}

	wire := make([]protocol.WireMessage, len(history))
	for i, m := range history {
		wire[i] = toWire(m)
	}
	h.send(connID, protocol.TypePreviousMessages, protocol.PreviousMessagesMsg{
		Room:     name,
		Messages: wire,
	})
}

// ---------------------------------------------------------------------------
// Posting (requires authentication and room subscription)
// ---------------------------------------------------------------------------

// PostMessage runs a text post through the moderation gate, persists it,
// and fans it out to the room in commit order.
func (h *Hub) PostMessage(ctx context.Context, connID, roomName, text string) {
	if err := protocol.ValidateText(text); err != nil {
		h.sendError(connID, "invalid_message", err.Error())
		return
	}
	h.post(ctx, connID, roomName, protocol.TypeMessage, store.Message{
		Room: roomName,
		Text: text,
	})
}

// PostFile posts a file reference to a room. It passes the same moderation
// gate and persistence path as text messages.
func (h *Hub) PostFile(ctx context.Context, connID, roomName, fileName, fileURL string) {
	if err := protocol.ValidateFile(fileName, fileURL); err != nil {
		h.sendError(connID, "invalid_file", err.Error())
		return
	}
	h.post(ctx, connID, roomName, protocol.TypeFile, store.Message{
		Room:     roomName,
		FileName: fileName,
		FileURL:  fileURL,
	})
}

// post is the shared persist-then-broadcast path. Precondition failures
// reject the event without mutating any state, so malformed client
// sequences fail idempotently.
func (h *Hub) post(ctx context.Context, connID, roomName, eventType string, msg store.Message) {
	s, ok := h.authedSession(connID)
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}
	if !s.HasJoined(roomName) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.send(connID, protocol.TypeUnauthorized, protocol.UnauthorizedMsg{
			Reason: "join the group before posting to it",
		})
		return
	}

	identityID, nickname, _ := s.Identity()

	verdict, err := h.gate.CanPost(ctx, identityID)
	if err != nil {
		log.Printf("hub: moderation check for conn=%s: %v", connID, err)
		h.sendError(connID, "storage_error", "could not verify posting rights")
		return
	}
	switch verdict.Decision {
	case moderation.Banned:
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.ForceDisconnect(identityID, "this account is banned")
		return
	case moderation.Muted:
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.send(connID, protocol.TypeMuted, protocol.MutedMsg{
			Reason: "you are muted and cannot send messages",
			Until:  verdict.Until,
		})
		return
	}

	msg.Author = nickname

	// Once the gate admits the message, persistence and promotion run
	// detached from the connection's context: a sender that disconnects
	// mid-post must not roll back a message its room already owes.
	ctx = context.WithoutCancel(ctx)

	// The room's order lock spans persist and fanout: all members observe
	// this room's messages in commit order, and unrelated rooms are not
	// blocked.
	lock := h.directory.OrderLock(roomName)
	lock.Lock()
	start := time.Now()
	persisted, err := h.gateway.AppendMessage(ctx, &msg)
	if err != nil {
		lock.Unlock()
		log.Printf("hub: persist message for conn=%s room=%s: %v", connID, roomName, err)
		h.sendError(connID, "storage_error", "message could not be saved")
		return
	}
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()

	data, err := protocol.NewServerMessage(eventType, toWire(*persisted))
	if err != nil {
		lock.Unlock()
		log.Printf("hub: encode message: %v", err)
		return
	}
	h.ToRoom(roomName, data)
	lock.Unlock()

	// Post-persist accounting and promotion happen outside the order lock;
	// they do not affect message ordering.
	promo, err := h.gate.AfterPost(ctx, identityID)
	if err != nil {
		log.Printf("hub: after-post for identity=%s: %v", identityID, err)
		return
	}
	if promo != nil {
		h.announcePromotion(promo)
	}
}

// announcePromotion broadcasts the role change and congratulates the
// promoted identity's sessions privately.
func (h *Hub) announcePromotion(promo *moderation.Promotion) {
	data, err := protocol.NewServerMessage(protocol.TypeRoleUpdated, protocol.RoleUpdatedMsg{
		Identity: promo.Nickname,
		NewRole:  promo.NewRole,
	})
	if err != nil {
		log.Printf("hub: encode roleUpdated: %v", err)
		return
	}
	h.ToAll(data)

	for _, s := range h.registry.ForIdentity(promo.IdentityID) {
		h.send(s.ConnID, protocol.TypeNotification, protocol.NotificationMsg{
			Text: fmt.Sprintf("Congratulations! You have been promoted to %q role.", promo.NewRole),
		})
	}
}

// ---------------------------------------------------------------------------
// Out-of-band moderation hooks (invoked by the REST layer)
// ---------------------------------------------------------------------------

// OnRoleChanged must be called after any out-of-band role mutation so live
// sessions react: a ban force-disconnects every session for the identity,
// any other change is announced to all authenticated sessions.
func (h *Hub) OnRoleChanged(ctx context.Context, identityID, newRole string) {
	if newRole == store.RoleBanned {
		h.ForceDisconnect(identityID, "you have been banned")
		return
	}

	nickname := h.nicknameFor(ctx, identityID)
	data, err := protocol.NewServerMessage(protocol.TypeRoleUpdated, protocol.RoleUpdatedMsg{
		Identity: nickname,
		NewRole:  newRole,
	})
	if err != nil {
		log.Printf("hub: encode roleUpdated: %v", err)
		return
	}
	h.ToAll(data)

	for _, s := range h.registry.ForIdentity(identityID) {
		h.send(s.ConnID, protocol.TypeNotification, protocol.NotificationMsg{
			Text: fmt.Sprintf("Your role is now %q.", newRole),
		})
	}
}

// OnMuted must be called after an out-of-band mute so the identity's live
// sessions see the notice immediately instead of on their next post attempt.
func (h *Hub) OnMuted(identityID string, until time.Time) {
	for _, s := range h.registry.ForIdentity(identityID) {
		h.send(s.ConnID, protocol.TypeMuted, protocol.MutedMsg{
			Reason: "you have been muted",
			Until:  until,
		})
	}
}

// ForceDisconnect closes every live session for an identity with a ban
// notice. The registry's identity index makes this O(sessions-for-identity).
func (h *Hub) ForceDisconnect(identityID, reason string) {
	sessions := h.registry.ForIdentity(identityID)
	for _, s := range sessions {
		h.kickBanned(s.ConnID, reason)
	}
	if len(sessions) > 0 {
		log.Printf("hub: force-disconnected %d session(s) for identity=%s", len(sessions), identityID)
	}
}

// ---------------------------------------------------------------------------
// Broadcast router
// ---------------------------------------------------------------------------

// ToRoom delivers an encoded event to every session subscribed to the room,
// evaluated at delivery time. Sessions that never joined the room during
// this connection's lifetime are skipped even if the identity is a durable
// room member.
func (h *Hub) ToRoom(roomName string, data []byte) {
	for _, s := range h.registry.All() {
		if !s.Authenticated() || !s.HasJoined(roomName) {
			continue
		}
		if err := h.transport.Send(s.ConnID, data); err != nil {
			// Gone or saturated: best-effort delivery drops it.
			metrics.MessagesTotal.WithLabelValues("dropped").Inc()
			continue
		}
		metrics.MessagesTotal.WithLabelValues("broadcast").Inc()
	}
}

// ToSession delivers an encoded event to one session.
func (h *Hub) ToSession(connID string, data []byte) {
	if err := h.transport.Send(connID, data); err != nil {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
	}
}

// ToAll delivers an encoded event to every authenticated session.
func (h *Hub) ToAll(data []byte) {
	for _, s := range h.registry.All() {
		if !s.Authenticated() {
			continue
		}
		if err := h.transport.Send(s.ConnID, data); err != nil {
			metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// authedSession returns the session if it exists and is authenticated;
// otherwise it emits the unauthorized notice (connection stays open) and
// reports false. No state changes on the failure path.
func (h *Hub) authedSession(connID string) (*session.Session, bool) {
	s := h.registry.Lookup(connID)
	if s == nil {
		return nil, false
	}
	if !s.Authenticated() {
		h.send(connID, protocol.TypeUnauthorized, protocol.UnauthorizedMsg{
			Reason: "please authenticate first",
		})
		return nil, false
	}
	return s, true
}

func (h *Hub) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("hub: encode %s: %v", msgType, err)
		return
	}
	if err := h.transport.Send(connID, data); err != nil {
		log.Printf("hub: send %s to conn=%s: %v", msgType, connID, err)
	}
}

func (h *Hub) sendError(connID, code, message string) {
	h.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// kickUnauthorized emits the unauthorized notice and force-closes the
// connection. Used only for fatal authentication failures.
func (h *Hub) kickUnauthorized(connID, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeUnauthorized, protocol.UnauthorizedMsg{Reason: reason})
	if err != nil {
		log.Printf("hub: encode unauthorized: %v", err)
		data = nil
	}
	h.transport.Kick(connID, data)
	h.release(connID)
}

func (h *Hub) kickBanned(connID, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeBanned, protocol.BannedMsg{Reason: reason})
	if err != nil {
		log.Printf("hub: encode banned: %v", err)
		data = nil
	}
	metrics.ForcedDisconnects.Inc()
	h.transport.Kick(connID, data)
	h.release(connID)
}

// nicknameFor resolves an identity's nickname, preferring a live session's
// cached copy and falling back to the store.
func (h *Hub) nicknameFor(ctx context.Context, identityID string) string {
	if sessions := h.registry.ForIdentity(identityID); len(sessions) > 0 {
		_, nickname, _ := sessions[0].Identity()
		return nickname
	}
	ident, err := h.gateway.GetIdentity(ctx, identityID)
	if err != nil {
		return identityID
	}
	return ident.Nickname
}

func toWire(m store.Message) protocol.WireMessage {
	return protocol.WireMessage{
		Author:    m.Author,
		Text:      m.Text,
		Room:      m.Room,
		Timestamp: m.Timestamp,
		FileURL:   m.FileURL,
		FileName:  m.FileName,
	}
}
