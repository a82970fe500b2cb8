// Package sweeper schedules the periodic expiry pass over jobs and artifacts.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/metrics"
	"github.com/JakeFAU/pagecapture/internal/queue"
	"github.com/JakeFAU/pagecapture/internal/retention"
)

// DefaultSchedule runs a pass every 30 seconds.
const DefaultSchedule = "@every 30s"

// JobSweeper expires job records.
type JobSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) queue.SweepReport
}

// ArtifactSweeper expires retained artifacts.
type ArtifactSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) retention.Report
}

// Result is the outcome of one pass.
type Result struct {
	Jobs      queue.SweepReport
	Artifacts retention.Report
}

// Removed reports whether the pass removed anything.
func (r Result) Removed() bool {
	return r.Jobs.ExpiredQueued+r.Jobs.ExpiredFinished+
		r.Artifacts.Expired+r.Artifacts.Claimed+r.Artifacts.Orphans > 0
}

// Sweeper runs RunOnce on a cron schedule. Overlapping passes are skipped.
type Sweeper struct {
	jobs      JobSweeper
	artifacts ArtifactSweeper
	clock     capture.Clock
	schedule  string
	logger    *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// New validates schedule and builds a stopped Sweeper.
func New(jobs JobSweeper, artifacts ArtifactSweeper, clock capture.Clock, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if jobs == nil || artifacts == nil || clock == nil {
		return nil, errors.New("job sweeper, artifact sweeper and clock are required")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		jobs:      jobs,
		artifacts: artifacts,
		clock:     clock,
		schedule:  schedule,
		logger:    logger,
	}, nil
}

// Start schedules passes until Stop is called or ctx ends.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper already running")
	}

	adapter := cronLogger{logger: s.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron, s.cancel, s.running = c, cancel, true
	s.logger.Info("sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts scheduling and waits for a pass in progress.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	cancel()
	s.logger.Info("sweeper stopped")
}

// RunOnce expires jobs first and artifacts second, so artifacts released by
// the job pass are deleted in the same pass when no grace applies.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	now := s.clock.Now()
	res := Result{
		Jobs:      s.jobs.SweepExpired(ctx, now),
		Artifacts: s.artifacts.SweepExpired(ctx, now),
	}
	metrics.ObserveSweep(
		res.Jobs.ExpiredQueued+res.Jobs.ExpiredFinished,
		res.Artifacts.Expired+res.Artifacts.Claimed,
		res.Artifacts.Orphans,
	)
	errs := res.Jobs.ReleaseErrors + res.Artifacts.Errors
	switch {
	case errs > 0:
		s.logger.Warn("sweep finished with errors",
			zap.Int("expired_queued", res.Jobs.ExpiredQueued),
			zap.Int("expired_finished", res.Jobs.ExpiredFinished),
			zap.Int("artifacts_expired", res.Artifacts.Expired),
			zap.Int("artifacts_claimed", res.Artifacts.Claimed),
			zap.Int("orphans", res.Artifacts.Orphans),
			zap.Int("errors", errs),
		)
	case res.Removed():
		s.logger.Info("sweep finished",
			zap.Int("expired_queued", res.Jobs.ExpiredQueued),
			zap.Int("expired_finished", res.Jobs.ExpiredFinished),
			zap.Int("artifacts_expired", res.Artifacts.Expired),
			zap.Int("artifacts_claimed", res.Artifacts.Claimed),
			zap.Int("orphans", res.Artifacts.Orphans),
		)
	default:
		s.logger.Debug("sweep found nothing to remove")
	}
	return res
}

// cronLogger routes cron's logr-style output through zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
