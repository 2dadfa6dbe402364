package jobs

import (
	"context"
	"fmt"
	"time"

	"stock-ledger/internal/notify"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper reconciles stock alerts for every product.
type Sweeper interface {
	Sweep(ctx context.Context) (notify.SweepResult, error)
}

// Scheduler runs the periodic alert reconciliation. A run is skipped when
// the previous one is still going.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *zap.Logger
	timeout time.Duration
}

// NewScheduler registers the sweep on schedule, which accepts standard
// five-field specs and descriptors such as "@every 5m". An empty schedule
// returns nil: periodic reconciliation is disabled.
func NewScheduler(schedule string, sweeper Sweeper, logger *zap.Logger) (*Scheduler, error) {
	if schedule == "" {
		return nil, nil
	}

	s := &Scheduler{
		sweeper: sweeper,
		logger:  logger,
		timeout: time.Minute,
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Reconciliation scheduler started")
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("Reconciliation sweep still running at shutdown")
	}
}

// RunOnce performs one sweep and logs the outcome.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("Reconciliation sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("Scheduled reconciliation completed",
		zap.Int("products", res.Products),
		zap.Int("cleared", res.Cleared),
		zap.Duration("took", time.Since(start)),
	)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
