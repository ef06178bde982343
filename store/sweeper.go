package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/zigzag/zzchat/clock"
)

// Expirer is the part of MessageStore the sweeper drives.
type Expirer interface {
	Expire(ctx context.Context) (int, error)
}

// Sweeper runs Expire periodically as a backstop to each backend's own
// expiry.
type Sweeper struct {
	target   Expirer
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewSweeper clamps interval to (0, MaxSweepInterval].
func NewSweeper(target Expirer, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Sweeper {
	if interval <= 0 || interval > MaxSweepInterval {
		interval = MaxSweepInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{target: target, interval: interval, clock: clk, logger: logger}
}

func (s *Sweeper) Interval() time.Duration { return s.interval }

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.target.Expire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("message sweep failed", "error", err)
		}
		return
	}
	if removed > 0 {
		s.logger.Info("expired messages removed", "count", removed)
	}
}
