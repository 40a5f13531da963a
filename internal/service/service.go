package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/weviu/apr-hunter-sub000/internal/alerting"
	"github.com/weviu/apr-hunter-sub000/internal/config"
	"github.com/weviu/apr-hunter-sub000/internal/metrics"
	"github.com/weviu/apr-hunter-sub000/internal/scheduler"
	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// Job names registered on the scheduler.
const (
	JobCollect = "collect"
	JobCleanup = "cleanup"
)

// DefaultRetention is how long notifications are kept.
const DefaultRetention = 30 * 24 * time.Hour

// CycleResult is the outcome of one collect-then-evaluate pass.
type CycleResult struct {
	CollectResult
	AlertsTriggered int
	// LockHeld is set when another instance owned the advisory lock and the
	// cycle did nothing.
	LockHeld bool
}

// Options carry optional collaborators.
type Options struct {
	Locker    storage.AdvisoryLocker
	LockKey   int64
	Retention time.Duration
	Now       func() time.Time
	Metrics   *metrics.Metrics
}

// Service orchestrates collection, alert evaluation and retention.
type Service struct {
	aggregator    *Aggregator
	evaluator     *alerting.Evaluator
	notifications storage.NotificationStore
	locker        storage.AdvisoryLocker
	lockKey       int64
	retention     time.Duration
	now           func() time.Time
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

// New constructs the service.
func New(aggregator *Aggregator, evaluator *alerting.Evaluator, notifications storage.NotificationStore, opts Options, logger zerolog.Logger) *Service {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		aggregator:    aggregator,
		evaluator:     evaluator,
		notifications: notifications,
		locker:        opts.Locker,
		lockKey:       opts.LockKey,
		retention:     opts.Retention,
		now:           opts.Now,
		metrics:       opts.Metrics,
		logger:        logger.With().Str("component", "service").Logger(),
	}
}

// Register adds the collect and cleanup jobs to sched.
func (s *Service) Register(sched *scheduler.Scheduler, cfg config.SchedulerConfig) error {
	if err := sched.Register(scheduler.Job{Name: JobCollect, Interval: cfg.CollectInterval, Run: s.collectJob}); err != nil {
		return err
	}
	return sched.Register(scheduler.Job{Name: JobCleanup, Interval: cfg.CleanupInterval, Run: s.cleanupJob})
}

func (s *Service) collectJob(ctx context.Context) error {
	res, err := s.RunCycle(ctx)
	if err != nil {
		return err
	}
	if res.Success == 0 && res.Failed > 0 {
		return fmt.Errorf("all %d connectors failed", res.Failed)
	}
	return nil
}

func (s *Service) cleanupJob(ctx context.Context) error {
	_, err := s.Cleanup(ctx)
	return err
}

// RunCycle 执行一次采集并用同一批费率评估告警。返回的错误仅来自加锁。
func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	if !proceed {
		s.logger.Debug().Int64("lock_key", s.lockKey).Msg("skip cycle because advisory lock held elsewhere")
		return CycleResult{LockHeld: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	collected := s.aggregator.CollectAll(ctx)
	result := CycleResult{CollectResult: collected}
	if s.evaluator != nil && len(collected.Rates) > 0 {
		result.AlertsTriggered = s.evaluator.CheckAlerts(ctx, collected.Rates)
	}

	s.logger.Info().
		Int("success", collected.Success).
		Int("failed", collected.Failed).
		Int("rates", len(collected.Rates)).
		Int("alerts_triggered", result.AlertsTriggered).
		Msg("cycle complete")
	return result, nil
}

// Cleanup removes notifications older than the retention window.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	if s.notifications == nil {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.retention)
	removed, err := s.notifications.DeleteNotificationsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete notifications before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.metrics.RecordCleanup(removed)
	s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("old notifications removed")
	return removed, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
