// Package store is the persistence boundary for ephemeral chat messages.
//
// Every backend assigns IDs and timestamps on Append, returns Recent results
// oldest-first and never exposes a message older than the retention window,
// whether or not a sweep has removed it yet.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zigzag/zzchat/model"
)

const (
	// Retention is how long a message stays readable.
	Retention = 24 * time.Hour

	// MaxSweepInterval bounds the time between two Expire runs.
	MaxSweepInterval = time.Hour

	MaxRecent     = 100
	DefaultRecent = 50
)

// ErrUnavailable wraps every backend failure. Callers report it to
// operators, never to chat clients.
var ErrUnavailable = errors.New("message store unavailable")

// MessageStore is an append-only log with time-based expiry.
type MessageStore interface {
	// Append assigns ID and CreatedAt and persists msg.
	Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error)

	// Recent returns up to limit unexpired messages of room, oldest first,
	// ordered by CreatedAt with ties broken by ID.
	Recent(ctx context.Context, room string, limit int) ([]model.ChatMessage, error)

	// Expire deletes every message created before now minus the retention
	// window and returns how many were removed.
	Expire(ctx context.Context) (int, error)

	Close() error
}

// ClampLimit maps a requested Recent limit into [1, MaxRecent].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecent
	case limit > MaxRecent:
		return MaxRecent
	}
	return limit
}

// NewID returns a time-ordered unique message ID.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Unavailable wraps err so errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Less orders messages by creation time, then ID.
func Less(a, b model.ChatMessage) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
