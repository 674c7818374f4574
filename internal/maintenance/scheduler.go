// Package maintenance runs the periodic jobs that keep the key pool and model catalog current: daily and
// monthly usage resets and provider model sync. Every replica schedules the jobs; a Redis lock lets only one
// of them do the work per tick.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/catalog"
	"github.com/zhijun2003/QingyunAI/internal/config"
	"github.com/zhijun2003/QingyunAI/internal/locks"
)

const (
	JobDailyReset   = "daily_reset"
	JobMonthlyReset = "monthly_reset"
	JobModelSync    = "model_sync"
)

var (
	ErrUnknownJob = errors.New("unknown maintenance job")
	// ErrSkipped is returned by RunJob when another replica holds the job lock.
	ErrSkipped = errors.New("maintenance job already running elsewhere")
)

// UsageResetter zeroes credential usage counters.
type UsageResetter interface {
	ResetDailyUsage(ctx context.Context) (int64, error)
	ResetMonthlyUsage(ctx context.Context) (int64, error)
}

// ModelSyncer refreshes the catalog from every auto-sync provider.
type ModelSyncer interface {
	SyncAll(ctx context.Context) ([]catalog.SyncOutcome, error)
}

type Scheduler struct {
	cron    *cron.Cron
	cfg     config.MaintenanceConfig
	usage   UsageResetter
	syncer  ModelSyncer
	locker  locks.Locker
	logger  *zap.Logger
	entries map[string]cron.EntryID
}

// New registers the configured jobs without starting them. locker may be nil for a single replica deployment.
func New(cfg config.MaintenanceConfig, usage UsageResetter, syncer ModelSyncer, locker locks.Locker, logger *zap.Logger) (*Scheduler, error) {
	if usage == nil {
		return nil, errors.New("maintenance: usage resetter required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("maintenance")
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load maintenance timezone: %w", err)
		}
		loc = l
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		cfg:     cfg,
		usage:   usage,
		syncer:  syncer,
		locker:  locker,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
	if !cfg.Enabled {
		return s, nil
	}

	schedules := []struct {
		name string
		spec string
	}{
		{JobDailyReset, cfg.DailyReset},
		{JobMonthlyReset, cfg.MonthlyReset},
	}
	if !cfg.SkipModelSync && syncer != nil {
		schedules = append(schedules, struct {
			name string
			spec string
		}{JobModelSync, cfg.ModelSync})
	}
	for _, sc := range schedules {
		if sc.spec == "" {
			continue
		}
		name := sc.name
		id, err := s.cron.AddFunc(sc.spec, func() { s.runScheduled(name) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
		s.entries[name] = id
	}
	return s, nil
}

// Jobs lists the scheduled job names.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.entries))
	for _, name := range []string{JobDailyReset, JobMonthlyReset, JobModelSync} {
		if _, ok := s.entries[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Next returns the next run time of a scheduled job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Start() {
	if len(s.entries) == 0 {
		return
	}
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Strings("jobs", s.Jobs()))
}

// Stop halts scheduling and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runScheduled(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	if err := s.RunJob(ctx, name); err != nil {
		if errors.Is(err, ErrSkipped) {
			s.logger.Debug("maintenance job skipped", zap.String("job", name))
			return
		}
		s.logger.Error("maintenance job failed", zap.String("job", name), zap.Error(err))
	}
}

// RunJob executes one job immediately under the job lock.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	run, ok := s.job(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if s.locker != nil {
		release, err := s.locker.TryLock(ctx, "maintenance:"+name, s.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, locks.ErrNotAcquired) {
				return ErrSkipped
			}
			return fmt.Errorf("lock %s: %w", name, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Debug("release maintenance lock", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	start := time.Now()
	if err := run(ctx); err != nil {
		return err
	}
	s.logger.Info("maintenance job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Scheduler) job(name string) (func(context.Context) error, bool) {
	switch name {
	case JobDailyReset:
		return func(ctx context.Context) error {
			n, err := s.usage.ResetDailyUsage(ctx)
			if err != nil {
				return fmt.Errorf("reset daily usage: %w", err)
			}
			s.logger.Info("daily usage reset", zap.Int64("credentials", n))
			return nil
		}, true
	case JobMonthlyReset:
		return func(ctx context.Context) error {
			n, err := s.usage.ResetMonthlyUsage(ctx)
			if err != nil {
				return fmt.Errorf("reset monthly usage: %w", err)
			}
			s.logger.Info("monthly usage reset", zap.Int64("credentials", n))
			return nil
		}, true
	case JobModelSync:
		if s.syncer == nil {
			return nil, false
		}
		return func(ctx context.Context) error {
			outcomes, err := s.syncer.SyncAll(ctx)
			if err != nil {
				return fmt.Errorf("sync models: %w", err)
			}
			failed := 0
			for _, o := range outcomes {
				if !o.Success {
					failed++
				}
			}
			s.logger.Info("model sync finished", zap.Int("providers", len(outcomes)), zap.Int("failed", failed))
			return nil
		}, true
	}
	return nil, false
}
