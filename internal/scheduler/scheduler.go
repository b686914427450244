// Package scheduler runs the hub's periodic maintenance sweeps: the
// Permission Store's leaked-timer backstop (§4.7) and the Broker's
// StreamingTurn staleness sweep (§4.4, §12). The Revocation Registry runs
// its own hourly sweep internally via Run(ctx) and is not driven from here.
//
// Each sweep is a gocron job identified by a fixed tag so it can be
// inspected or removed individually; in practice both are added once at
// startup and run for the process lifetime.
package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/metrics"
)

const (
	tagPermissionSweep    = "permission-sweep"
	tagStreamingTurnSweep = "streaming-turn-sweep"
)

var (
	// permissionSweepInterval runs well under permission.SweepBound so a
	// leaked timer is never stuck for much longer than the bound itself.
	// Var, not const, so tests can shrink it instead of waiting a minute.
	permissionSweepInterval = time.Minute

	// streamingTurnSweepInterval runs well under broker.StaleTurnBound for
	// the same reason.
	streamingTurnSweepInterval = time.Minute
)

// PermissionSweeper is the subset of permission.Store the scheduler drives.
type PermissionSweeper interface {
	Sweep()
	Len() int
}

// TurnSweeper is the subset of broker.Broker the scheduler drives.
type TurnSweeper interface {
	SweepStaleTurns() int
}

// Scheduler wraps gocron and runs the hub's background sweeps. The zero
// value is not usable — create instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	perm   PermissionSweeper
	turns  TurnSweeper
	logger *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin running
// sweeps.
func New(perm PermissionSweeper, turns TurnSweeper, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   s,
		perm:   perm,
		turns:  turns,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start registers both sweep jobs and starts the underlying gocron
// scheduler. Call once at hub startup.
func (s *Scheduler) Start() error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(permissionSweepInterval),
		gocron.NewTask(s.sweepPermissions),
		gocron.WithTags(tagPermissionSweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule permission sweep: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(streamingTurnSweepInterval),
		gocron.NewTask(s.sweepStreamingTurns),
		gocron.WithTags(tagStreamingTurnSweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule streaming turn sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("permission_sweep_interval", permissionSweepInterval),
		zap.Duration("streaming_turn_sweep_interval", streamingTurnSweepInterval),
	)
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running sweep to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) sweepPermissions() {
	s.perm.Sweep()
	metrics.PermissionStoreSize.Set(float64(s.perm.Len()))
}

func (s *Scheduler) sweepStreamingTurns() {
	failed := s.turns.SweepStaleTurns()
	if failed > 0 {
		s.logger.Warn("swept stale streaming turns", zap.Int("count", failed))
	}
}
