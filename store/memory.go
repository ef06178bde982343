package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zigzag/zzchat/clock"
	"github.com/zigzag/zzchat/model"
)

var errClosed = errors.New("store closed")

// MemoryStore keeps each room's messages in a slice sorted by Less.
type MemoryStore struct {
	mu        sync.RWMutex
	rooms     map[string][]model.ChatMessage
	clock     clock.Clock
	retention time.Duration
	closed    bool
}

// NewMemoryStore returns an empty store. A zero retention means Retention.
func NewMemoryStore(clk clock.Clock, retention time.Duration) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	if retention <= 0 {
		retention = Retention
	}
	return &MemoryStore{
		rooms:     make(map[string][]model.ChatMessage),
		clock:     clk,
		retention: retention,
	}
}

func (s *MemoryStore) Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.ChatMessage{}, Unavailable("append", errClosed)
	}

	msg.ID = NewID()
	msg.CreatedAt = s.clock.Now().UTC()

	msgs := s.rooms[msg.Room]
	i := sort.Search(len(msgs), func(i int) bool { return Less(msg, msgs[i]) })
	msgs = append(msgs, model.ChatMessage{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	s.rooms[msg.Room] = msgs

	return msg, nil
}

func (s *MemoryStore) Recent(ctx context.Context, room string, limit int) ([]model.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)
	cutoff := s.clock.Now().Add(-s.retention)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, Unavailable("recent", errClosed)
	}

	msgs := s.rooms[room]
	start := sort.Search(len(msgs), func(i int) bool { return !msgs[i].CreatedAt.Before(cutoff) })
	live := msgs[start:]
	if len(live) > limit {
		live = live[len(live)-limit:]
	}

	out := make([]model.ChatMessage, len(live))
	copy(out, live)
	return out, nil
}

func (s *MemoryStore) Expire(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := s.clock.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for room, msgs := range s.rooms {
		n := sort.Search(len(msgs), func(i int) bool { return !msgs[i].CreatedAt.Before(cutoff) })
		if n == 0 {
			continue
		}
		removed += n
		if n == len(msgs) {
			delete(s.rooms, room)
			continue
		}
		s.rooms[room] = append([]model.ChatMessage(nil), msgs[n:]...)
	}
	return removed, nil
}

// Len returns the number of stored messages, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, msgs := range s.rooms {
		n += len(msgs)
	}
	return n
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.rooms = make(map[string][]model.ChatMessage)
	s.mu.Unlock()
	return nil
}
