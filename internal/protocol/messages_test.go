package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid authenticate event
// ---------------------------------------------------------------------------

func TestParseClientMessage_Authenticate(t *testing.T) {
	input := []byte(`{"type":"authenticate","token":"eyJhbGciOi.fake.token"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAuthenticate {
		t.Fatalf("expected type %q, got %q", TypeAuthenticate, msgType)
	}

	am, ok := msg.(AuthenticateMsg)
	if !ok {
		t.Fatalf("expected AuthenticateMsg, got %T", msg)
	}
	if am.Token != "eyJhbGciOi.fake.token" {
		t.Errorf("expected token %q, got %q", "eyJhbGciOi.fake.token", am.Token)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid message event
// ---------------------------------------------------------------------------

func TestParseClientMessage_Message(t *testing.T) {
	input := []byte(`{"type":"message","room":"lobby","text":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	mm, ok := msg.(MessageMsg)
	if !ok {
		t.Fatalf("expected MessageMsg, got %T", msg)
	}
	if mm.Room != "lobby" {
		t.Errorf("expected room %q, got %q", "lobby", mm.Room)
	}
	if mm.Text != "hi" {
		t.Errorf("expected text %q, got %q", "hi", mm.Text)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid file event
// ---------------------------------------------------------------------------

func TestParseClientMessage_File(t *testing.T) {
	input := []byte(`{"type":"file","room":"lobby","fileName":"notes.txt","fileUrl":"/uploads/notes.txt"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFile {
		t.Fatalf("expected type %q, got %q", TypeFile, msgType)
	}

	fm, ok := msg.(FileMsg)
	if !ok {
		t.Fatalf("expected FileMsg, got %T", msg)
	}
	if fm.FileName != "notes.txt" {
		t.Errorf("expected fileName %q, got %q", "notes.txt", fm.FileName)
	}
	if fm.FileURL != "/uploads/notes.txt" {
		t.Errorf("expected fileUrl %q, got %q", "/uploads/notes.txt", fm.FileURL)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a roleUpdated server event
// ---------------------------------------------------------------------------

func TestNewServerMessage_RoleUpdated(t *testing.T) {
	payload := RoleUpdatedMsg{
		Identity: "neo",
		NewRole:  "on",
	}

	data, err := NewServerMessage(TypeRoleUpdated, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeRoleUpdated {
		t.Errorf("expected type %q, got %v", TypeRoleUpdated, result["type"])
	}
	if result["identity"] != "neo" {
		t.Errorf("expected identity %q, got %v", "neo", result["identity"])
	}
	if result["newRole"] != "on" {
		t.Errorf("expected newRole %q, got %v", "on", result["newRole"])
	}
}

// ---------------------------------------------------------------------------
// Test: previousMessages keeps message order
// ---------------------------------------------------------------------------

func TestNewServerMessage_PreviousMessages(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := PreviousMessagesMsg{
		Room: "lobby",
		Messages: []WireMessage{
			{Author: "neo", Text: "first", Room: "lobby", Timestamp: t0},
			{Author: "trinity", Text: "second", Room: "lobby", Timestamp: t0.Add(time.Second)},
		},
	}

	data, err := NewServerMessage(TypePreviousMessages, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Type     string        `json:"type"`
		Room     string        `json:"room"`
		Messages []WireMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.Type != TypePreviousMessages {
		t.Errorf("expected type %q, got %q", TypePreviousMessages, result.Type)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result.Messages))
	}
	if result.Messages[0].Text != "first" || result.Messages[1].Text != "second" {
		t.Errorf("message order not preserved: %+v", result.Messages)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown event type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if msgType != "unknown_type" {
		t.Errorf("expected type %q returned even on error, got %q", "unknown_type", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil msg on error, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only event types are rejected as client input
// ---------------------------------------------------------------------------

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	for _, typ := range []string{TypeGroups, TypeUnauthorized, TypeRoleUpdated, TypeNotification} {
		input := []byte(`{"type":"` + typ + `"}`)
		if _, _, err := ParseClientMessage(input); err == nil {
			t.Errorf("expected error for server-only type %q, got nil", typ)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"room":"lobby","text":"hi"}`},
		{"empty type", `{"type":""}`},
		{"type wrong kind", `{"type":42}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tc.input)); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Validation tests
// ---------------------------------------------------------------------------

func TestValidateText(t *testing.T) {
	if err := ValidateText("hello"); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := ValidateText(""); err == nil {
		t.Error("expected error for empty text")
	}
	if err := ValidateText(strings.Repeat("a", MaxMessageBytes+1)); err == nil {
		t.Error("expected error for oversize text")
	}
	if err := ValidateText(strings.Repeat("é", MaxTextChars+1)); err == nil {
		t.Error("expected error for too many characters")
	}
	if err := ValidateText(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}

func TestValidateRoomName(t *testing.T) {
	if err := ValidateRoomName("lobby"); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := ValidateRoomName("  "); err == nil {
		t.Error("expected error for blank name")
	}
	if err := ValidateRoomName(strings.Repeat("x", MaxRoomName+1)); err == nil {
		t.Error("expected error for oversize name")
	}
}

func TestValidateFile(t *testing.T) {
	if err := ValidateFile("a.txt", "/uploads/a.txt"); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := ValidateFile("", "/uploads/a.txt"); err == nil {
		t.Error("expected error for missing name")
	}
	if err := ValidateFile("a.txt", ""); err == nil {
		t.Error("expected error for missing url")
	}
}
