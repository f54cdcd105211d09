package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"toeicprep/internal/types"
)

// SubscriptionRepo stores the per-user subscription row.
//
// Key invariants:
//   - One row per user, enforced by the UNIQUE(user_id) constraint.
//   - Update is a compare-and-set on version; a stale writer gets
//     ErrCodeConflictConcurrent and must reload.
//   - trial_used_at is write-once: Update keeps the stored value when set.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a new SubscriptionRepo.
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

const subscriptionColumns = `id, user_id, plan_id, status, pending_plan_id,
	provider_customer_id, provider_subscription_id, provider_session_id,
	current_period_start, current_period_end, trial_start, trial_end, trial_used_at,
	cancel_at_period_end, canceled_at, last_payment_at,
	last_event_id, last_event_type, last_event_at,
	version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.Status,
		&s.PendingPlanID,
		&s.ProviderCustomerID,
		&s.ProviderSubscriptionID,
		&s.ProviderSessionID,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.TrialStart,
		&s.TrialEnd,
		&s.TrialUsedAt,
		&s.CancelAtPeriodEnd,
		&s.CanceledAt,
		&s.LastPaymentAt,
		&s.LastEventID,
		&s.LastEventType,
		&s.LastEventAt,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return &s, err
}

// GetByUserID returns ErrCodeNotFoundSubscription when the user has no row.
func (r *SubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return s, nil
}

// Create inserts the user's first row. A concurrent creator loses with
// ErrCodeConflictAlreadyExists.
func (r *SubscriptionRepo) Create(ctx context.Context, s *types.Subscription) error {
	var createdAt, updatedAt time.Time
	err := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (
		    id, user_id, plan_id, status, pending_plan_id,
		    provider_customer_id, provider_subscription_id, provider_session_id,
		    current_period_start, current_period_end, trial_start, trial_end, trial_used_at,
		    cancel_at_period_end, canceled_at, last_payment_at,
		    last_event_id, last_event_type, last_event_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, 1)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING created_at, updated_at`,
		s.ID,
		s.UserID,
		s.PlanID,
		s.Status,
		s.PendingPlanID,
		s.ProviderCustomerID,
		s.ProviderSubscriptionID,
		s.ProviderSessionID,
		s.CurrentPeriodStart,
		s.CurrentPeriodEnd,
		s.TrialStart,
		s.TrialEnd,
		s.TrialUsedAt,
		s.CancelAtPeriodEnd,
		s.CanceledAt,
		s.LastPaymentAt,
		s.LastEventID,
		s.LastEventType,
		s.LastEventAt,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeConflictAlreadyExists, "subscription already exists", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	s.Version = 1
	s.CreatedAt = createdAt
	s.UpdatedAt = updatedAt
	return nil
}

// Update writes s if the stored version still equals s.Version, then bumps
// s.Version. Rows are never deleted, so zero affected rows means a
// concurrent writer won.
func (r *SubscriptionRepo) Update(ctx context.Context, s *types.Subscription) error {
	var updatedAt time.Time
	err := r.db.QueryRow(ctx,
		`UPDATE subscriptions
		 SET plan_id = $3,
		     status = $4,
		     pending_plan_id = $5,
		     provider_customer_id = $6,
		     provider_subscription_id = $7,
		     provider_session_id = $8,
		     current_period_start = $9,
		     current_period_end = $10,
		     trial_start = $11,
		     trial_end = $12,
		     trial_used_at = COALESCE(trial_used_at, $13),
		     cancel_at_period_end = $14,
		     canceled_at = $15,
		     last_payment_at = $16,
		     last_event_id = $17,
		     last_event_type = $18,
		     last_event_at = $19,
		     checkout_checked_at = CASE WHEN provider_session_id = $8 THEN checkout_checked_at END,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE user_id = $1
		   AND version = $2
		 RETURNING updated_at`,
		s.UserID,
		s.Version,
		s.PlanID,
		s.Status,
		s.PendingPlanID,
		s.ProviderCustomerID,
		s.ProviderSubscriptionID,
		s.ProviderSessionID,
		s.CurrentPeriodStart,
		s.CurrentPeriodEnd,
		s.TrialStart,
		s.TrialEnd,
		s.TrialUsedAt,
		s.CancelAtPeriodEnd,
		s.CanceledAt,
		s.LastPaymentAt,
		s.LastEventID,
		s.LastEventType,
		s.LastEventAt,
	).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "subscription was modified concurrently", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	s.Version++
	s.UpdatedAt = updatedAt
	return nil
}

// ListStalePending returns pending rows with a checkout session last written
// between notBefore and olderThan. Rows the sweep has not inspected come
// first, then the least recently inspected.
func (r *SubscriptionRepo) ListStalePending(ctx context.Context, olderThan, notBefore time.Time, limit int) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = $1
		   AND provider_session_id <> ''
		   AND updated_at < $2
		   AND updated_at >= $3
		 ORDER BY checkout_checked_at ASC NULLS FIRST, updated_at ASC
		 LIMIT $4`,
		types.SubStatusPending,
		olderThan,
		notBefore,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending subscriptions", err)
	}
	defer rows.Close()

	var out []*types.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription rows", err)
	}
	return out, nil
}

// MarkCheckoutChecked records that the sweep inspected the user's pending
// checkout. Neither version nor updated_at change.
func (r *SubscriptionRepo) MarkCheckoutChecked(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET checkout_checked_at = $2 WHERE user_id = $1`,
		userID, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark checkout checked", err)
	}
	return nil
}
