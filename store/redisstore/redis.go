// Package redisstore keeps each room's messages in a Redis sorted set scored by
// creation time in milliseconds.
//
// Every append refreshes the key's TTL to the retention window, so a room
// that goes quiet disappears on its own even if no sweep ever runs.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zigzag/zzchat/clock"
	"github.com/zigzag/zzchat/model"
	"github.com/zigzag/zzchat/store"
)

const DefaultPrefix = "zzchat:"

// Store implements store.MessageStore.
type Store struct {
	client    *redis.Client
	prefix    string
	clock     clock.Clock
	retention time.Duration
}

// New wraps an existing client. The store owns the client and closes it on
// Close.
func New(client *redis.Client, prefix string, clk clock.Clock, retention time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if clk == nil {
		clk = clock.Real()
	}
	if retention <= 0 {
		retention = store.Retention
	}
	return &Store{client: client, prefix: prefix, clock: clk, retention: retention}
}

func (s *Store) roomKey(room string) string { return s.prefix + "room:" + room }
func (s *Store) roomsKey() string           { return s.prefix + "rooms" }

func (s *Store) cutoffMillis() int64 {
	return s.clock.Now().Add(-s.retention).UnixMilli()
}

func (s *Store) Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	msg.ID = store.NewID()
	msg.CreatedAt = s.clock.Now().UTC().Truncate(time.Millisecond)

	// ID is the first JSON field, so members sharing a score sort by ID.
	data, err := json.Marshal(msg)
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("encode message: %w", err)
	}

	key := s.roomKey(msg.Room)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: string(data)})
	pipe.PExpire(ctx, key, s.retention)
	pipe.SAdd(ctx, s.roomsKey(), msg.Room)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.ChatMessage{}, store.Unavailable("append", err)
	}
	return msg, nil
}

func (s *Store) Recent(ctx context.Context, room string, limit int) ([]model.ChatMessage, error) {
	members, err := s.client.ZRevRangeByScore(ctx, s.roomKey(room), &redis.ZRangeBy{
		Min:   strconv.FormatInt(s.cutoffMillis(), 10),
		Max:   "+inf",
		Count: int64(store.ClampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, store.Unavailable("recent", err)
	}

	msgs := make([]model.ChatMessage, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		var m model.ChatMessage
		if err := json.Unmarshal([]byte(members[i]), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Store) Expire(ctx context.Context) (int, error) {
	rooms, err := s.client.SMembers(ctx, s.roomsKey()).Result()
	if err != nil {
		return 0, store.Unavailable("list rooms", err)
	}

	bound := "(" + strconv.FormatInt(s.cutoffMillis(), 10)
	removed := 0
	for _, room := range rooms {
		key := s.roomKey(room)
		n, err := s.client.ZRemRangeByScore(ctx, key, "-inf", bound).Result()
		if err != nil {
			return removed, store.Unavailable("expire", err)
		}
		removed += int(n)

		left, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			return removed, store.Unavailable("expire", err)
		}
		if left == 0 {
			s.client.SRem(ctx, s.roomsKey(), room)
		}
	}
	return removed, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
