package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zigzag/zzchat/clock"
)

type countingExpirer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingExpirer) Expire(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 1, c.err
}

func (c *countingExpirer) getCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSweeper_IntervalClamped(t *testing.T) {
	assert.Equal(t, MaxSweepInterval, NewSweeper(&countingExpirer{}, 0, nil, nil).Interval())
	assert.Equal(t, MaxSweepInterval, NewSweeper(&countingExpirer{}, 6*time.Hour, nil, nil).Interval())
	assert.Equal(t, 10*time.Minute, NewSweeper(&countingExpirer{}, 10*time.Minute, nil, nil).Interval())
}

func TestSweeper_Run(t *testing.T) {
	clk := clock.NewFake(epoch)
	target := &countingExpirer{err: errors.New("transient")}
	sweeper := NewSweeper(target, 10*time.Minute, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return target.getCalls() == 1 }, time.Second, time.Millisecond,
		"sweeps once at start")

	clk.Advance(10 * time.Minute)
	require.Eventually(t, func() bool { return target.getCalls() == 2 }, time.Second, time.Millisecond,
		"sweeps on every tick, even after a failure")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
