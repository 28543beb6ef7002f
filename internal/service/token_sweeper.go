package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/authsession-api/pkg/config"
	"github.com/noah-isme/authsession-api/pkg/jobs"
)

const sweepJobType = "refresh_tokens.sweep"

type expiredTokenCleaner interface {
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

// TokenSweeper periodically deletes expired refresh token rows.
type TokenSweeper struct {
	cleaner  expiredTokenCleaner
	queue    *jobs.Queue
	interval time.Duration
	logger   *zap.Logger
}

// NewTokenSweeper builds a sweeper. Failed sweeps are retried up to
// cfg.SweepRetries times, each retry landing before the next tick.
func NewTokenSweeper(cleaner expiredTokenCleaner, cfg config.SessionConfig, logger *zap.Logger) *TokenSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	s := &TokenSweeper{cleaner: cleaner, interval: interval, logger: logger}
	s.queue = jobs.NewQueue("token-sweeper", s.handle, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 2,
		MaxRetries: cfg.SweepRetries,
		RetryDelay: interval / 4,
		Logger:     logger,
	})
	return s
}

// Start launches the worker and schedules a sweep every interval.
func (s *TokenSweeper) Start(ctx context.Context) {
	s.queue.Start(ctx)
	s.queue.Every(ctx, s.interval, jobs.Job{Type: sweepJobType})
	s.logger.Info("token sweeper started", zap.Duration("interval", s.interval))
}

// SweepNow queues an immediate sweep.
func (s *TokenSweeper) SweepNow() error {
	return s.queue.Enqueue(jobs.Job{ID: sweepJobType + "-manual", Type: sweepJobType})
}

// Stop halts scheduling and waits for an in-flight sweep.
func (s *TokenSweeper) Stop() {
	s.queue.Stop()
}

func (s *TokenSweeper) handle(ctx context.Context, job jobs.Job) error {
	removed, err := s.cleaner.CleanupExpiredTokens(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("expired refresh tokens swept", zap.String("job_id", job.ID), zap.Int64("removed", removed))
	return nil
}
