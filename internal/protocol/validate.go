package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxRoomName     = 64   // max room name length in bytes
	MaxFileName     = 255
	MaxFileURL      = 2048
)

// ValidateText checks that a chat message meets content requirements.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// ValidateRoomName checks that a room name is usable as a durable room key.
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("room name is empty")
	}
	if len(name) > MaxRoomName {
		return fmt.Errorf("room name exceeds %d byte limit", MaxRoomName)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("room name contains invalid UTF-8")
	}
	return nil
}

// ValidateFile checks a file reference event before it enters the core.
func ValidateFile(fileName, fileURL string) error {
	if fileName == "" || fileURL == "" {
		return fmt.Errorf("file name and url are required")
	}
	if len(fileName) > MaxFileName {
		return fmt.Errorf("file name exceeds %d byte limit", MaxFileName)
	}
	if len(fileURL) > MaxFileURL {
		return fmt.Errorf("file url exceeds %d byte limit", MaxFileURL)
	}
	return nil
}
