package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"toeicprep/internal/billing"
	"toeicprep/internal/external"
	"toeicprep/internal/types"
)

// PendingLister finds checkout intents that never completed.
type PendingLister interface {
	ListStalePending(ctx context.Context, olderThan, notBefore time.Time, limit int) ([]*types.Subscription, error)
	MarkCheckoutChecked(ctx context.Context, userID string, at time.Time) error
}

// SweepWindow bounds which pending rows one sweep inspects.
type SweepWindow struct {
	// MinAge leaves younger rows to the webhook.
	MinAge time.Duration
	// MaxAge drops older rows; their sessions have expired at the provider.
	MaxAge time.Duration
	Limit  int
}

// SessionLookup reads a checkout session from the payment provider.
type SessionLookup interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*types.CheckoutSession, error)
}

// EventApplier applies a provider event through the reconciler.
type EventApplier interface {
	HandleEvent(ctx context.Context, ev *types.ProviderEvent) (billing.ReconcileOutcome, error)
}

// CheckoutSweeper recovers checkouts whose completion webhook was dropped.
// A pending row whose provider session is complete is applied exactly as a
// checkout.session.completed delivery would be.
type CheckoutSweeper struct {
	subs     PendingLister
	sessions SessionLookup
	applier  EventApplier
	logger   *slog.Logger
}

// NewCheckoutSweeper creates a CheckoutSweeper.
func NewCheckoutSweeper(subs PendingLister, sessions SessionLookup, applier EventApplier, logger *slog.Logger) *CheckoutSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutSweeper{subs: subs, sessions: sessions, applier: applier, logger: logger}
}

// SweepPending inspects up to w.Limit pending rows inside the window and
// returns how many were activated. Rows that stay pending are marked as
// inspected so later sweeps reach the rest of the backlog. Lookup failures
// skip the row; a failed subscription write is returned after the batch
// finishes.
func (s *CheckoutSweeper) SweepPending(ctx context.Context, now time.Time, w SweepWindow) (int, error) {
	rows, err := s.subs.ListStalePending(ctx, now.Add(-w.MinAge), now.Add(-w.MaxAge), w.Limit)
	if err != nil {
		return 0, fmt.Errorf("listing stale pending checkouts: %w", err)
	}

	applied := 0
	var errs []error
	for _, row := range rows {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		session, err := s.sessions.GetCheckoutSession(ctx, row.ProviderSessionID)
		if err != nil {
			s.logger.WarnContext(ctx, "checkout session lookup failed",
				"user_id", row.UserID,
				"session_id", row.ProviderSessionID,
				"error", err,
			)
			s.markChecked(ctx, row, now)
			continue
		}
		if !session.Complete() {
			s.markChecked(ctx, row, now)
			continue
		}

		outcome, err := s.applier.HandleEvent(ctx, sessionEvent(row, session, now))
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", row.UserID, err))
			continue
		}
		if outcome == billing.ReconcileApplied {
			applied++
			s.logger.InfoContext(ctx, "recovered completed checkout",
				"user_id", row.UserID,
				"session_id", session.ID,
			)
		}
	}
	return applied, errors.Join(errs...)
}

func (s *CheckoutSweeper) markChecked(ctx context.Context, row *types.Subscription, now time.Time) {
	if err := s.subs.MarkCheckoutChecked(ctx, row.UserID, now); err != nil {
		s.logger.WarnContext(ctx, "failed to mark pending checkout inspected",
			"user_id", row.UserID,
			"error", err,
		)
	}
}

// sessionEvent builds the event the webhook would have carried. Metadata on
// the session wins over the local row.
func sessionEvent(row *types.Subscription, session *types.CheckoutSession, now time.Time) *types.ProviderEvent {
	userID := session.Metadata[external.MetadataUserID]
	if userID == "" {
		userID = row.UserID
	}
	planID := session.Metadata[external.MetadataPlanID]
	if planID == "" {
		planID = row.PendingPlanID
	}
	created := session.Created
	if created.IsZero() {
		created = now
	}
	return &types.ProviderEvent{
		ID:             "sweep_" + session.ID,
		Type:           types.EventCheckoutCompleted,
		Created:        created,
		UserID:         userID,
		PlanID:         planID,
		CustomerID:     session.CustomerID,
		SubscriptionID: session.SubscriptionID,
		SessionID:      session.ID,
	}
}
