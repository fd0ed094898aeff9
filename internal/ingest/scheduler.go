package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	lockKey        = "guild:ingest"
	DefaultLockTTL = 5 * time.Minute
)

// Runner executes one ingestion pass.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// Scheduler runs the pipeline on demand or on a fixed interval. Runs never
// overlap: a run requested while another holds the lock gets ErrLockHeld.
type Scheduler struct {
	runner  Runner
	locker  Locker
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler. A nil locker uses a LocalLocker.
func NewScheduler(r Runner, locker Locker, lockTTL time.Duration, logger *slog.Logger) *Scheduler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: r, locker: locker, lockTTL: lockTTL, logger: logger}
}

// RunOnce performs a single locked run.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	unlock, err := s.locker.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.runner.Run(ctx)
}

// RunLoop runs immediately and then every interval until ctx is done.
func (s *Scheduler) RunLoop(ctx context.Context, interval time.Duration) error {
	s.logger.Info("ingest scheduler started", slog.Duration("interval", interval))
	s.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ingest scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrLockHeld):
		s.logger.Info("ingest run skipped, another run in progress")
	case errors.Is(err, context.Canceled):
	case err != nil:
		s.logger.Error("ingest run failed", slog.String("error", err.Error()))
	default:
		s.logger.Info("ingest run complete",
			slog.Int("masters", len(report.Masters)),
			slog.Int("inserted", report.Inserted),
			slog.Int("failed_masters", report.Failed),
			slog.Duration("duration", report.Duration),
		)
	}
}
