package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/stockorder/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Sweepable evicts terminal jobs past their retention.
type Sweepable interface {
	Sweep(now time.Time) int
}

// Sweeper runs Sweep on a cron schedule such as "@every 1m".
type Sweeper struct {
	target Sweepable
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(target Sweepable, spec string, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		target: target,
		cron:   cron.New(),
		logger: logger.With("component", "sweeper"),
		now:    time.Now,
	}
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start blocks until ctx is done, then waits for a running sweep to finish.
func (s *Sweeper) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("sweeper started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper shut down")
}

func (s *Sweeper) sweep() {
	start := time.Now()
	defer func() {
		metrics.SweeperCycleDuration.Observe(time.Since(start).Seconds())
	}()

	if n := s.target.Sweep(s.now()); n > 0 {
		s.logger.Info("swept terminal jobs", "evicted", n)
	}
}
