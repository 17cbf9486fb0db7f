// Package scheduler fires sync runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/santarrsgrotto/readarr-server/internal/orchestrator"
)

// Triggerer starts a run synchronously.
type Triggerer interface {
	Trigger(ctx context.Context, source string) (orchestrator.Report, error)
}

// Scheduler triggers a run at every activation of a cron expression.
type Scheduler struct {
	schedule cron.Schedule
	spec     string
	runner   Triggerer
	logger   *zap.Logger
}

// New parses a standard five-field cron expression.
func New(spec string, runner Triggerer, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler runner is required")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{schedule: schedule, spec: spec, runner: runner, logger: logger}, nil
}

// Next returns the first activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run blocks until ctx ends, triggering runs in UTC. A tick that overlaps a
// running sync is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.fire(ctx) }))
	c.Start()
	s.logger.Info("scheduler started",
		zap.String("schedule", s.spec),
		zap.Time("next", s.schedule.Next(time.Now().UTC())),
	)

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.runner.Trigger(ctx, "cron")
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		s.logger.Info("scheduled run skipped, previous run still active")
	case err != nil:
		s.logger.Error("scheduled run failed", zap.Error(err))
	default:
		s.logger.Info("scheduled run complete", zap.String("run_id", report.RunID))
	}
}
