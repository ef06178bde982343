package model

import (
	"errors"
	"strings"
	"time"
)

// GlobalRoom is joined by every authenticated connection and cannot be left.
const GlobalRoom = "global"

const (
	MaxRoomNameLength = 50
	MaxContentLength  = 2000
)

// Identity is the anonymous identity a session credential resolves to.
type Identity struct {
	AnonID string `json:"anonId"`
	Alias  string `json:"alias"`
}

// Kind distinguishes plain text messages from image posts.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// ChatMessage is an immutable chat entry. ID and CreatedAt are assigned by
// the message store on append.
type ChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Kind      Kind      `json:"kind"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	Sender    Identity  `json:"sender"`
	Room      string    `json:"room"`
	CreatedAt time.Time `json:"createdAt"`
}

var (
	ErrRoomNameEmpty   = errors.New("room name cannot be empty")
	ErrRoomNameTooLong = errors.New("room name exceeds maximum length")
)

// NormalizeRoomName strips every character outside [A-Za-z0-9_-]. The raw
// name must be non-empty and at most MaxRoomNameLength bytes, and something
// must survive the stripping.
func NormalizeRoomName(raw string) (string, error) {
	if raw == "" {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLength {
		return "", ErrRoomNameTooLong
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return -1
	}, raw)
	if name == "" {
		return "", ErrRoomNameEmpty
	}
	return name, nil
}
