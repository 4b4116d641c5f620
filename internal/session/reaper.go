package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically ends sessions that have been idle past their TTL.
type Reaper struct {
	cron    *cron.Cron
	mgr     *Manager
	logger  *slog.Logger
	timeout time.Duration
}

// NewReaper creates a reaper that runs Manager.ReapExpired on the given
// interval. Each pass is bounded by the timeout.
func NewReaper(mgr *Manager, interval time.Duration, logger *slog.Logger) (*Reaper, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	r := &Reaper{
		cron:    cron.New(),
		mgr:     mgr,
		logger:  logger,
		timeout: interval,
	}
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), r.run); err != nil {
		return nil, fmt.Errorf("scheduling session reap: %w", err)
	}
	return r, nil
}

func (r *Reaper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.mgr.ReapExpired(ctx); err != nil {
		r.logger.Warn("session reap errors", slog.String("error", err.Error()))
	}
}

// Start begins the reap schedule.
func (r *Reaper) Start() {
	r.cron.Start()
	r.logger.Info("session reaper started", slog.Duration("interval", r.timeout))
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("session reaper stopped")
}
