package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically reaps expired idle units from the pool.
type Sweeper struct {
	cron    *cron.Cron
	mgr     *Manager
	logger  *slog.Logger
	timeout time.Duration
}

// NewSweeper creates a sweeper that runs Manager.Sweep on the given
// interval. The sweep itself is bounded by the timeout so a wedged
// backend cannot stall the schedule.
func NewSweeper(mgr *Manager, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &Sweeper{
		cron:    cron.New(),
		mgr:     mgr,
		logger:  logger,
		timeout: interval,
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.run); err != nil {
		return nil, fmt.Errorf("scheduling sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if n := s.mgr.Sweep(ctx); n > 0 {
		s.logger.Debug("sweep cycle completed", slog.Int("reaped", n))
	}
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("pool sweeper started", slog.Duration("interval", s.timeout))
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("pool sweeper stopped")
}
