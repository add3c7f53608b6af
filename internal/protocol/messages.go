// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the server. All events are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuthenticate = "authenticate"
	TypeGetGroups    = "getGroups"
	TypeCreateGroup  = "createGroup"
	TypeJoinGroup    = "joinGroup"
	TypeMessage      = "message"
	TypeFile         = "file"
	TypePing         = "ping"
)

// Server -> Client event types.
const (
	TypeGroups           = "groups"
	TypePreviousMessages = "previousMessages"
	TypeUnauthorized     = "unauthorized"
	TypeMuted            = "muted"
	TypeBanned           = "banned"
	TypeRoleUpdated      = "roleUpdated"
	TypeNotification     = "notification"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared wire structs
// ---------------------------------------------------------------------------

// WireMessage is a message as it travels over the wire in either direction:
// a text message or a file reference posted to a room.
type WireMessage struct {
	Author    string    `json:"author"`
	Text      string    `json:"text,omitempty"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
	FileURL   string    `json:"fileUrl,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// AuthenticateMsg carries the signed identity token the client obtained from
// the login or register REST endpoints.
type AuthenticateMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// GetGroupsMsg requests the current ordered list of room names.
type GetGroupsMsg struct {
	Type string `json:"type"`
}

// CreateGroupMsg requests creation of a room. Creating a room that already
// exists is a no-op, not an error.
type CreateGroupMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// JoinGroupMsg subscribes the session to a room and requests its history.
type JoinGroupMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// MessageMsg is a text message posted by the client to a room.
type MessageMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Text string `json:"text"`
}

// FileMsg is a file reference posted by the client to a room. The file itself
// is uploaded out of band; only the URL travels through the chat core.
type FileMsg struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// GroupsMsg carries the ordered list of room names.
type GroupsMsg struct {
	Type  string   `json:"type"`
	Names []string `json:"names"`
}

// PreviousMessagesMsg carries a room's persisted history, ordered by
// timestamp ascending. It is sent to the joining session only.
type PreviousMessagesMsg struct {
	Type     string        `json:"type"`
	Room     string        `json:"room"`
	Messages []WireMessage `json:"messages"`
}

// UnauthorizedMsg reports an authentication or precondition failure.
type UnauthorizedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// MutedMsg tells the client its post was rejected because the identity is
// muted. Until is the end of the mute window.
type MutedMsg struct {
	Type   string    `json:"type"`
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"`
}

// BannedMsg is sent just before the server force-closes a banned identity's
// connection.
type BannedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RoleUpdatedMsg announces a role change to all authenticated sessions.
type RoleUpdatedMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	NewRole  string `json:"newRole"`
}

// NotificationMsg is a free-text private notice delivered to one session.
type NotificationMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorMsg reports a generic failure to the triggering session only.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types, so malformed events never reach the connection
// state machine.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetGroups:
		var m GetGroupsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateGroup:
		var m CreateGroupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinGroup:
		var m JoinGroupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFile:
		var m FileMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server-side event structs; this function marshals it
// to JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
