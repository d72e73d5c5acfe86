package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// IdleSweeper periodically evicts workers that have been idle longer than
// a TTL, on a cron schedule ("@every 1m", "*/5 * * * *").
type IdleSweeper struct {
	pool     *Pool
	ttl      time.Duration
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewIdleSweeper parses spec and returns a sweeper for pool.
func NewIdleSweeper(pool *Pool, ttl time.Duration, spec string, logger *slog.Logger) (*IdleSweeper, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("idle ttl must be positive, got %s", ttl)
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return &IdleSweeper{pool: pool, ttl: ttl, schedule: sched, spec: spec, logger: logger}, nil
}

// Start runs the sweep loop in the background. The returned function stops it.
func (s *IdleSweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "idle session sweeper started",
			slog.String("schedule", s.spec),
			slog.Duration("ttl", s.ttl),
		)
		timer := time.NewTimer(time.Until(s.schedule.Next(time.Now())))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("idle session sweeper stopped")
				return
			case <-timer.C:
				s.Sweep(ctx)
				timer.Reset(time.Until(s.schedule.Next(time.Now())))
			}
		}
	}()

	return cancel
}

// Sweep performs one pass and returns the number of evicted workers.
func (s *IdleSweeper) Sweep(ctx context.Context) int {
	n := s.pool.EvictIdle(ctx, s.ttl)
	if n > 0 {
		s.logger.InfoContext(ctx, "evicted idle session workers", slog.Int("count", n))
	}
	return n
}
