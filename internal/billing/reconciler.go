package billing

import (
	"context"
	"log/slog"
	"time"

	"toeicprep/internal/types"
)

// ReconcileOutcome classifies what happened to one provider event.
type ReconcileOutcome string

const (
	ReconcileApplied        ReconcileOutcome = "applied"
	ReconcileStale          ReconcileOutcome = "stale"
	ReconcileIgnored        ReconcileOutcome = "ignored"
	ReconcileMalformed      ReconcileOutcome = "malformed"
	ReconcileNoSubscription ReconcileOutcome = "no_subscription"
	ReconcileFailed         ReconcileOutcome = "failed"
)

// Reconciler applies provider events to the subscription store. Every
// transition is idempotent, so redelivered and reordered events are safe and
// the event log is never used to skip work.
type Reconciler struct {
	subs     SubscriptionStore
	catalog  Catalog
	enforcer *Enforcer
	events   WebhookEventLog
	periods  PeriodLookup
	alerts   AlertSink
	notifier LifecycleNotifier
	recorder DecisionRecorder
	clock    types.Clock
	logger   *slog.Logger
}

// ReconcilerDeps groups the optional collaborators. Nil fields are skipped.
type ReconcilerDeps struct {
	Events   WebhookEventLog
	Periods  PeriodLookup
	Alerts   AlertSink
	Notifier LifecycleNotifier
	Recorder DecisionRecorder
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	subs SubscriptionStore,
	catalog Catalog,
	enforcer *Enforcer,
	deps ReconcilerDeps,
	clock types.Clock,
	logger *slog.Logger,
) *Reconciler {
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		subs:     subs,
		catalog:  catalog,
		enforcer: enforcer,
		events:   deps.Events,
		periods:  deps.Periods,
		alerts:   deps.Alerts,
		notifier: deps.Notifier,
		recorder: deps.Recorder,
		clock:    clock,
		logger:   logger,
	}
}

// Handles reports whether the reconciler acts on the event type.
func Handles(eventType string) bool {
	switch eventType {
	case types.EventCheckoutCompleted, types.EventPaymentSucceeded, types.EventInvoicePaid,
		types.EventPaymentFailed, types.EventSubscriptionUpdated, types.EventSubscriptionDeleted:
		return true
	}
	return false
}

// HandleEvent applies one provider event. It returns an error only when the
// subscription store could not be written after one retry; callers should
// answer so that the provider redelivers.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *types.ProviderEvent) (ReconcileOutcome, error) {
	receivedAt := r.clock.Now()
	outcome, err := r.handle(ctx, ev)

	r.recorder.WebhookOutcome(ev.Type, string(outcome))
	r.recordEvent(ctx, ev, outcome, err, receivedAt)
	return outcome, err
}

func (r *Reconciler) handle(ctx context.Context, ev *types.ProviderEvent) (ReconcileOutcome, error) {
	if !Handles(ev.Type) {
		r.logger.InfoContext(ctx, "ignoring unhandled provider event", "event_id", ev.ID, "event_type", ev.Type)
		return ReconcileIgnored, nil
	}
	if ev.UserID == "" {
		r.logger.WarnContext(ctx, "dropping provider event without userId metadata",
			"event_id", ev.ID,
			"event_type", ev.Type,
		)
		return ReconcileMalformed, nil
	}

	now := r.clock.Now()
	var transition func(*types.Subscription) (Transition, error)

	switch ev.Type {
	case types.EventCheckoutCompleted:
		transition = func(cur *types.Subscription) (Transition, error) {
			planID := ev.PlanID
			if planID == "" {
				planID = cur.PendingPlanID
			}
			plan, err := r.catalog.GetPlan(ctx, planID)
			if err != nil {
				return Transition{}, err
			}
			r.fillPeriod(ctx, ev, plan)
			return ApplyCheckoutCompleted(cur, plan.ID, ev, now), nil
		}
	case types.EventPaymentSucceeded, types.EventInvoicePaid:
		transition = pure(ApplyPaymentSucceeded, ev, now)
	case types.EventPaymentFailed:
		transition = pure(ApplyPaymentFailed, ev, now)
	case types.EventSubscriptionUpdated:
		transition = pure(ApplySubscriptionUpdated, ev, now)
	case types.EventSubscriptionDeleted:
		transition = pure(ApplySubscriptionDeleted, ev, now)
	}

	var (
		found  bool
		result Transition
	)
	apply := func() error {
		_, err := mutateSubscription(ctx, r.subs, ev.UserID, func(cur *types.Subscription) (*types.Subscription, error) {
			found = cur != nil
			if cur == nil {
				return nil, nil
			}
			t, err := transition(cur)
			if err != nil {
				return nil, err
			}
			result = t
			if !t.Changed {
				return nil, nil
			}
			return t.Next, nil
		})
		return err
	}

	err := apply()
	if err != nil && !isDomainError(err) {
		r.logger.WarnContext(ctx, "retrying subscription write", "event_id", ev.ID, "error", err)
		err = apply()
	}
	if err != nil {
		if isDomainError(err) {
			r.logger.WarnContext(ctx, "dropping provider event with invalid data",
				"event_id", ev.ID,
				"event_type", ev.Type,
				"user_id", ev.UserID,
				"error", err,
			)
			return ReconcileMalformed, nil
		}
		r.alert(ctx, ev, err)
		return ReconcileFailed, err
	}

	if !found {
		r.logger.WarnContext(ctx, "no local subscription for provider event",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"user_id", ev.UserID,
		)
		return ReconcileNoSubscription, nil
	}
	if !result.Applied {
		r.logger.InfoContext(ctx, "skipping stale provider event",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"user_id", ev.UserID,
			"last_event_id", result.Next.LastEventID,
		)
		return ReconcileStale, nil
	}

	r.logger.InfoContext(ctx, "applied provider event",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"user_id", ev.UserID,
		"status", result.Next.Status,
		"plan_id", result.Next.PlanID,
	)
	if r.enforcer != nil {
		r.enforcer.SyncLimits(ctx, result.Next)
	}
	publishLifecycle(ctx, r.notifier, r.logger, result.Notify, result.Next, now)
	return ReconcileApplied, nil
}

func pure(
	fn func(*types.Subscription, *types.ProviderEvent, time.Time) Transition,
	ev *types.ProviderEvent,
	now time.Time,
) func(*types.Subscription) (Transition, error) {
	return func(cur *types.Subscription) (Transition, error) {
		return fn(cur, ev, now), nil
	}
}

// fillPeriod completes a checkout event that carries no billing period,
// asking the provider first and falling back to one plan interval from the
// event time.
func (r *Reconciler) fillPeriod(ctx context.Context, ev *types.ProviderEvent, plan *types.Plan) {
	if ev.PeriodEnd != nil {
		return
	}
	if r.periods != nil && ev.SubscriptionID != "" {
		start, end, err := r.periods.SubscriptionPeriod(ctx, ev.SubscriptionID)
		if err == nil {
			ev.PeriodStart, ev.PeriodEnd = &start, &end
			return
		}
		r.logger.WarnContext(ctx, "provider period lookup failed, deriving from plan interval",
			"subscription_id", ev.SubscriptionID,
			"error", err,
		)
	}
	start := eventTime(ev, r.clock.Now())
	end := billingPeriodEnd(start, plan.Interval)
	ev.PeriodStart, ev.PeriodEnd = &start, &end
}

func (r *Reconciler) alert(ctx context.Context, ev *types.ProviderEvent, err error) {
	r.logger.ErrorContext(ctx, "BILLING_ALERT: subscription write failed for provider event",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"user_id", ev.UserID,
		"error", err,
	)
	if r.alerts != nil {
		r.alerts.BillingAlert(ctx, "webhook_apply_failed", ev.UserID, err)
	}
}

func (r *Reconciler) recordEvent(ctx context.Context, ev *types.ProviderEvent, outcome ReconcileOutcome, err error, receivedAt time.Time) {
	if r.events == nil {
		return
	}
	rec := &types.WebhookEventRecord{
		ID:         ev.ID,
		Type:       ev.Type,
		UserID:     ev.UserID,
		Outcome:    string(outcome),
		ReceivedAt: receivedAt,
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.ProcessedAt = types.TimePtr(r.clock.Now())
	}
	if recErr := r.events.Record(ctx, rec); recErr != nil {
		r.logger.WarnContext(ctx, "failed to record provider event", "event_id", ev.ID, "error", recErr)
	}
}

// isDomainError reports errors that retrying cannot fix.
func isDomainError(err error) bool {
	return types.IsNotFound(err) ||
		types.HasCode(err, types.ErrCodeValidationInvalidPlan) ||
		types.HasCode(err, types.ErrCodeValidationWebhookMetadata)
}
