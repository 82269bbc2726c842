package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poyrazK/quotagate/internal/core/ports"
	"github.com/robfig/cron/v3"
)

// RetentionScheduler runs usage cleanup on a cron schedule, e.g. "0 3 * * *".
type RetentionScheduler struct {
	usage         ports.UsageService
	schedule      string
	retentionDays int
	cron          *cron.Cron
	mu            sync.Mutex
	logger        *slog.Logger
	running       bool
}

func NewRetentionScheduler(usage ports.UsageService, schedule string, retentionDays int, logger *slog.Logger) *RetentionScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionScheduler{
		usage:         usage,
		schedule:      schedule,
		retentionDays: retentionDays,
		cron:          cron.New(cron.WithLocation(time.UTC)),
		logger:        logger.With("component", "retention"),
	}
}

// Start registers the cleanup job and returns. An empty schedule disables it.
// The scheduler stops itself when ctx is cancelled.
func (s *RetentionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("usage cleanup schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule usage cleanup: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started", "schedule", s.schedule, "retention_days", s.retentionDays)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce performs a single cleanup pass.
func (s *RetentionScheduler) RunOnce(ctx context.Context) {
	deleted, err := s.usage.CleanupOldRecords(ctx, s.retentionDays)
	if err != nil {
		s.logger.Error("scheduled usage cleanup failed", "error", err)
		return
	}
	s.logger.Debug("scheduled usage cleanup completed", "deleted", deleted)
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("retention scheduler stopped")
	}
}

func (s *RetentionScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled cleanup, or nil when not scheduled.
func (s *RetentionScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
