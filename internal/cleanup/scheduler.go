// Package cleanup runs periodic queue maintenance: retention cleanup and
// recovery of entries stuck in SENDING.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config contains scheduler configuration.
type Config struct {
	Schedule         string
	RecoverySchedule string
	RetentionDays    int
	StuckAfter       time.Duration
	JobTimeout       time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:         "@daily",
		RecoverySchedule: "@every 1m",
		RetentionDays:    30,
		StuckAfter:       5 * time.Minute,
		JobTimeout:       5 * time.Minute,
	}
}

// Queue is the maintenance surface of the queue.
type Queue interface {
	CleanupOldEntries(ctx context.Context, daysOld int, tenantID string) (int64, error)
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Scheduler triggers maintenance jobs on cron schedules.
type Scheduler struct {
	config Config
	queue  Queue
	logger *slog.Logger
	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

// New validates the schedules and creates a scheduler.
func New(config Config, q Queue, logger *slog.Logger) (*Scheduler, error) {
	def := DefaultConfig()
	if config.Schedule == "" {
		config.Schedule = def.Schedule
	}
	if config.RecoverySchedule == "" {
		config.RecoverySchedule = def.RecoverySchedule
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = def.StuckAfter
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		config: config,
		queue:  q,
		logger: logger,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}

	for _, expr := range []string{config.Schedule, config.RecoverySchedule} {
		if _, err := s.parser.Parse(expr); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
	}
	return s, nil
}

// Start registers the jobs and starts the cron runner. Overlapping runs of
// the same job are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if _, err := c.AddFunc(s.config.Schedule, func() { s.runJob(ctx, "cleanup", s.RunCleanup) }); err != nil {
		return fmt.Errorf("add cleanup job: %w", err)
	}
	if _, err := c.AddFunc(s.config.RecoverySchedule, func() { s.runJob(ctx, "recovery", s.RunRecovery) }); err != nil {
		return fmt.Errorf("add recovery job: %w", err)
	}

	c.Start()
	s.c = c
	s.logger.Info("cleanup scheduler started",
		"schedule", s.config.Schedule,
		"recovery_schedule", s.config.RecoverySchedule,
		"retention_days", s.config.RetentionDays,
		"stuck_after", s.config.StuckAfter,
	)
	return nil
}

// Stop stops the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("cleanup scheduler stopped")
}

// RunCleanup deletes entries older than the retention window in every status.
func (s *Scheduler) RunCleanup(ctx context.Context) (int64, error) {
	return s.queue.CleanupOldEntries(ctx, s.config.RetentionDays, "")
}

// RunRecovery returns stale SENDING entries to RETRY.
func (s *Scheduler) RunRecovery(ctx context.Context) (int64, error) {
	return s.queue.RecoverStuck(ctx, s.config.StuckAfter)
}

func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) (int64, error)) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	start := time.Now()
	n, err := job(ctx)
	if err != nil {
		s.logger.Error("maintenance job failed", "job", name, "error", err)
		return
	}
	s.logger.Debug("maintenance job finished",
		"job", name,
		"affected", n,
		"duration", time.Since(start),
	)
}
