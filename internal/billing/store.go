// Package billing holds the subscription lifecycle and usage-quota engine:
// the plan catalog, the pure subscription state machine, the quota enforcer
// and the webhook reconciler.
package billing

import (
	"context"
	"time"

	"toeicprep/internal/types"
)

// PlanStore persists plan definitions.
type PlanStore interface {
	// GetPlan returns the plan or an AppError with ErrCodeNotFoundPlan.
	GetPlan(ctx context.Context, planID string) (*types.Plan, error)
	ListPlans(ctx context.Context) ([]*types.Plan, error)
	// InsertPlanIfAbsent never overwrites an existing id. It reports whether a row was written.
	InsertPlanIfAbsent(ctx context.Context, plan *types.Plan) (bool, error)
}

// SubscriptionStore persists the single per-user subscription row.
//
// Update is a compare-and-set on Version: it fails with
// ErrCodeConflictConcurrent when the stored version differs, and on success
// bumps sub.Version in place.
type SubscriptionStore interface {
	GetByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	// Create fails with ErrCodeConflictAlreadyExists when the user already has a row.
	Create(ctx context.Context, sub *types.Subscription) error
	Update(ctx context.Context, sub *types.Subscription) error
	// ListStalePending returns pending rows with a checkout session that were
	// last written in [notBefore, olderThan), least recently inspected first.
	ListStalePending(ctx context.Context, olderThan, notBefore time.Time, limit int) ([]*types.Subscription, error)
	// MarkCheckoutChecked records a sweep inspection without touching
	// Version or UpdatedAt.
	MarkCheckoutChecked(ctx context.Context, userID string, at time.Time) error
}

// QuotaStore persists per-period usage counters.
type QuotaStore interface {
	// Find returns the record or an AppError with ErrCodeNotFoundQuota.
	Find(ctx context.Context, userID string, resource types.ResourceType, periodStart time.Time) (*types.QuotaRecord, error)
	// Create inserts the record if absent. An existing row is left untouched.
	Create(ctx context.Context, rec *types.QuotaRecord) error
	// AtomicIncrement adds amount to the counter keyed by seed, creating the
	// row from seed (with UsedCount=amount) on first use. Returns the new count.
	AtomicIncrement(ctx context.Context, seed types.QuotaRecord, amount int) (int, error)
	// SyncLimit rewrites limitCount on an existing period row. Missing rows are ignored.
	SyncLimit(ctx context.Context, userID string, resource types.ResourceType, periodStart time.Time, limit *int) error
	// PurgeBefore deletes rows whose period ended before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WebhookEventLog records provenance for every received provider event.
// It is never consulted to skip an event.
type WebhookEventLog interface {
	Record(ctx context.Context, rec *types.WebhookEventRecord) error
}

// AlertSink receives billing alerts that need an operator.
type AlertSink interface {
	BillingAlert(ctx context.Context, kind string, userID string, err error)
}

// LifecycleNotifier publishes subscription lifecycle notifications. Best effort.
type LifecycleNotifier interface {
	Publish(ctx context.Context, n types.LifecycleNotification) error
}

// PeriodLookup fetches the current billing period of a provider subscription.
type PeriodLookup interface {
	SubscriptionPeriod(ctx context.Context, providerSubscriptionID string) (start, end time.Time, err error)
}

// DecisionRecorder observes quota and webhook outcomes for metrics.
type DecisionRecorder interface {
	QuotaDecision(resource types.ResourceType, outcome string)
	WebhookOutcome(eventType string, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) QuotaDecision(types.ResourceType, string) {}
func (noopRecorder) WebhookOutcome(string, string)           {}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, types.LifecycleNotification) error { return nil }
