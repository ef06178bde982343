package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zigzag/zzchat/clock"
	"github.com/zigzag/zzchat/model"
)

var epoch = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

// setupTestStore needs a Redis at ZZCHAT_TEST_REDIS_ADDR (default
// localhost:6379) and skips otherwise.
func setupTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()

	addr := os.Getenv("ZZCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	prefix := fmt.Sprintf("zzchat-test:%d:", time.Now().UnixNano())
	s := New(client, prefix, clk, 0)
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		_ = s.Close()
	})
	return s
}

func chat(room, content string) model.ChatMessage {
	return model.ChatMessage{
		Content: content,
		Kind:    model.KindText,
		Sender:  model.Identity{AnonID: "anon-9", Alias: "FluxHeron_9"},
		Room:    room,
	}
}

func TestStore_AppendRecentExpire(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := setupTestStore(t, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, chat("global", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	clk.Advance(12 * time.Hour)
	_, err := s.Append(ctx, chat("global", "later"))
	require.NoError(t, err)

	got, err := s.Recent(ctx, "global", 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "m0", got[0].Content)
	assert.Equal(t, "later", got[3].Content)

	clk.Advance(12*time.Hour + time.Second)
	got, err = s.Recent(ctx, "global", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "later", got[0].Content)

	n, err := s.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
