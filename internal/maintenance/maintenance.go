// Package maintenance runs the periodic cleanup jobs: the access attempt
// retention purge and the login code sweep.
//
// With the queue enabled the worker binary serves them as asynq tasks that
// an asynq.Scheduler enqueues. Without it, Runner calls the same jobs from
// a ticker inside the server process.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/queue"
)

const (
	// DefaultRetention is how long access attempts are kept.
	DefaultRetention = 90 * 24 * time.Hour

	// DefaultSweepAfter is how long an expired login code is kept.
	DefaultSweepAfter = 24 * time.Hour

	// Cron specs for the scheduler.
	PurgeSpec = "@daily"
	SweepSpec = "@hourly"
)

// AttemptPurger deletes old access attempts.
type AttemptPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CodeSweeper deletes expired login codes.
type CodeSweeper interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Logger is the subset of logging.Logger used by the jobs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Jobs holds the cleanup operations.
type Jobs struct {
	attempts   AttemptPurger
	codes      CodeSweeper
	retention  time.Duration
	sweepAfter time.Duration
	logger     Logger
	now        func() time.Time
}

// Option configures Jobs.
type Option func(*Jobs)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Jobs) { j.now = now }
}

// NewJobs creates the job set. Non-positive durations use the defaults.
func NewJobs(attempts AttemptPurger, codes CodeSweeper, retention, sweepAfter time.Duration, logger Logger, opts ...Option) *Jobs {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if sweepAfter <= 0 {
		sweepAfter = DefaultSweepAfter
	}
	j := &Jobs{
		attempts:   attempts,
		codes:      codes,
		retention:  retention,
		sweepAfter: sweepAfter,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// PurgeAccessAttempts deletes attempts older than the retention period.
// A positive retentionDays overrides the configured period.
func (j *Jobs) PurgeAccessAttempts(ctx context.Context, retentionDays int) (int64, error) {
	retention := j.retention
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	cutoff := j.now().Add(-retention)

	n, err := j.attempts.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging access attempts: %w", err)
	}
	j.logger.Info("purged access attempts", "deleted", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	return n, nil
}

// SweepLoginCodes deletes login codes past the sweep delay.
func (j *Jobs) SweepLoginCodes(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.sweepAfter)

	n, err := j.codes.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping login codes: %w", err)
	}
	j.logger.Info("swept login codes", "deleted", n)
	return n, nil
}

// RunAll runs every job once and logs failures.
func (j *Jobs) RunAll(ctx context.Context) {
	if _, err := j.PurgeAccessAttempts(ctx, 0); err != nil {
		j.logger.Error("maintenance job failed", "job", queue.TypePurgeAccessAttempts, "error", err)
	}
	if _, err := j.SweepLoginCodes(ctx); err != nil {
		j.logger.Error("maintenance job failed", "job", queue.TypeSweepLoginCodes, "error", err)
	}
}

// Register binds the jobs to their task types.
func (j *Jobs) Register(r *queue.HandlersRegistry) {
	r.Register(queue.TypePurgeAccessAttempts, func(ctx context.Context, t *asynq.Task) error {
		var p queue.MaintenancePayload
		if len(t.Payload()) > 0 {
			if err := queue.DecodePayload(t, &p); err != nil {
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
		}
		_, err := j.PurgeAccessAttempts(ctx, p.RetentionDays)
		return err
	})
	r.Register(queue.TypeSweepLoginCodes, func(ctx context.Context, _ *asynq.Task) error {
		_, err := j.SweepLoginCodes(ctx)
		return err
	})
}

// Scheduler is the part of asynq.Scheduler used to register periodic tasks.
type Scheduler interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// Schedule registers the periodic maintenance tasks.
func Schedule(s Scheduler, retentionDays int) error {
	purge, err := queue.NewTask(queue.TypePurgeAccessAttempts, queue.MaintenancePayload{RetentionDays: retentionDays})
	if err != nil {
		return err
	}
	if _, err := s.Register(PurgeSpec, purge, asynq.Queue(queue.QueueLow), asynq.Unique(time.Hour)); err != nil {
		return fmt.Errorf("scheduling %s: %w", queue.TypePurgeAccessAttempts, err)
	}

	sweep := asynq.NewTask(queue.TypeSweepLoginCodes, nil)
	if _, err := s.Register(SweepSpec, sweep, asynq.Queue(queue.QueueLow), asynq.Unique(30*time.Minute)); err != nil {
		return fmt.Errorf("scheduling %s: %w", queue.TypeSweepLoginCodes, err)
	}
	return nil
}
