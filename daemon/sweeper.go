package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/privacypoint/docflow/engine"
)

// Sweeper periodically marks runs stuck at the review gate as stalled.
type Sweeper struct {
	cron *cron.Cron
}

// NewSweeper schedules ctrl.SweepStalled on the given cron expression.
func NewSweeper(ctrl *engine.Controller, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stalled, err := ctrl.SweepStalled(ctx)
		if err != nil {
			logger.Error("stalled sweep failed", "error", err)
			return
		}
		if len(stalled) > 0 {
			logger.Warn("runs stalled at review gate", "count", len(stalled), "run_ids", stalled)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{cron: c}, nil
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
