package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Stripe checkout sessions expire after at most 24 hours.
var pendingCheckoutWindow = SweepWindow{
	MinAge: 15 * time.Minute,
	MaxAge: 48 * time.Hour,
	Limit:  100,
}

// JobRecorder receives the outcome of every run.
type JobRecorder interface {
	RecordJob(ctx context.Context, task string, processed int, duration time.Duration, err error)
}

// Runner routes a MaintenancePayload to its job.
type Runner struct {
	Sweeper  *CheckoutSweeper
	Purger   *QuotaPurger
	Recorder JobRecorder // optional
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handle runs one task. The returned summary is the Lambda result.
func (r *Runner) Handle(ctx context.Context, payload MaintenancePayload) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := r.now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	logger.InfoContext(ctx, "maintenance task invoked",
		"task", payload.Task,
		"reference_time", now.Format(time.RFC3339),
	)

	start := time.Now()
	items, err := r.dispatch(ctx, payload.Task, now)
	if r.Recorder != nil {
		r.Recorder.RecordJob(ctx, string(payload.Task), items, time.Since(start), err)
	}
	if err != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", payload.Task,
			"items_before_error", items,
			"error", err,
		)
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", payload.Task, items)
	logger.InfoContext(ctx, result, "task", payload.Task, "items", items)
	return result, nil
}

func (r *Runner) dispatch(ctx context.Context, task TaskType, now time.Time) (int, error) {
	switch task {
	case TaskSweepPendingCheckouts:
		if r.Sweeper == nil {
			return 0, fmt.Errorf("task %s is not configured", task)
		}
		return r.Sweeper.SweepPending(ctx, now, pendingCheckoutWindow)
	case TaskPurgeQuotaRecords:
		if r.Purger == nil {
			return 0, fmt.Errorf("task %s is not configured", task)
		}
		return r.Purger.PurgeExpired(ctx, now)
	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
