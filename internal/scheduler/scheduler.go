// Package scheduler wires up the cron job that periodically runs the
// matching sweep and expires matches past their decision window.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"referral-service/internal/matchmaking"
	"referral-service/internal/observability"
)

const (
	lockKey        = "referral:sweep:lock"
	defaultLockTTL = 10 * time.Minute
)

type Sweeper interface {
	Sweep(ctx context.Context) (matchmaking.SweepSummary, error)
}

type Expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// Report summarizes one cycle. Skipped is set when another replica held the
// lock.
type Report struct {
	Sweep   matchmaking.SweepSummary `json:"sweep"`
	Expired int                      `json:"expired"`
	Skipped bool                     `json:"skipped"`
}

// Scheduler wraps robfig/cron and manages the sweep loop.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	expirer Expirer
	locker  Locker
	logger  *zap.Logger
	spec    string // cron spec, e.g. "@every 1h"
	lockTTL time.Duration
}

// New creates a Scheduler firing on spec. A nil locker falls back to an
// in-process lock.
func New(sweeper Sweeper, expirer Expirer, locker Locker, spec string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLogger{logger.Sugar()})),
		sweeper: sweeper,
		expirer: expirer,
		locker:  locker,
		logger:  logger,
		spec:    spec,
		lockTTL: defaultLockTTL,
	}
}

// Start registers the job and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("sweep cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.logger.Info("cron started", zap.String("spec", s.spec))
	return nil
}

// Stop shuts down the scheduler and waits for a running cycle.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cron stopped")
}

// RunOnce runs one sweep cycle: matching first, then expiry.
func (s *Scheduler) RunOnce(ctx context.Context) (report Report, err error) {
	start := time.Now()
	defer func() {
		if !report.Skipped {
			observability.ObserveSweep(start, err)
		}
	}()

	release, ok, err := s.locker.TryLock(ctx, lockKey, s.lockTTL)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		s.logger.Info("sweep cycle skipped, lock held elsewhere")
		return Report{Skipped: true}, nil
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("sweep lock release failed", zap.Error(rerr))
		}
	}()

	s.logger.Info("sweep cycle started")
	summary, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("matching sweep: %w", err)
	}
	expired, err := s.expirer.ExpireOverdue(ctx)
	if err != nil {
		return Report{Sweep: summary}, fmt.Errorf("expire overdue: %w", err)
	}

	s.logger.Info("sweep cycle complete",
		zap.Int("created", summary.Created),
		zap.Int("failed", summary.Failed),
		zap.Int("expired", expired),
		zap.Duration("took", time.Since(start)),
	)
	return Report{Sweep: summary, Expired: expired}, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
