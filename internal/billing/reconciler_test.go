package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toeicprep/internal/types"
)

type stubPeriods struct {
	start, end time.Time
	err        error
}

func (p stubPeriods) SubscriptionPeriod(context.Context, string) (time.Time, time.Time, error) {
	return p.start, p.end, p.err
}

func checkoutEvent(id, userID string, created time.Time, periodEnd *time.Time) *types.ProviderEvent {
	ev := &types.ProviderEvent{
		ID:             id,
		Type:           types.EventCheckoutCompleted,
		Created:        created,
		UserID:         userID,
		PlanID:         PlanBasicMonthly,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_stripe_1",
		SessionID:      "cs_test_1",
	}
	if periodEnd != nil {
		ev.PeriodStart = types.TimePtr(created)
		ev.PeriodEnd = periodEnd
	}
	return ev
}

func (f *fixture) beginCheckout(t *testing.T, userID string) {
	t.Helper()
	_, err := f.service.BeginCheckout(context.Background(), userID, PlanBasicMonthly, testURLs)
	require.NoError(t, err)
}

func TestReconciler_MissingUserIDIsMalformed(t *testing.T) {
	f := newFixture(t)

	out, err := f.recon.HandleEvent(context.Background(), checkoutEvent("evt_1", "", t0, nil))
	require.NoError(t, err)
	assert.Equal(t, ReconcileMalformed, out)

	rec, _, ok := f.events.Get("evt_1")
	require.True(t, ok)
	assert.Equal(t, string(ReconcileMalformed), rec.Outcome)
}

func TestReconciler_UnknownUserIsNoop(t *testing.T) {
	f := newFixture(t)

	out, err := f.recon.HandleEvent(context.Background(), checkoutEvent("evt_1", "ghost", t0, nil))
	require.NoError(t, err)
	assert.Equal(t, ReconcileNoSubscription, out)

	_, err = f.subs.GetByUserID(context.Background(), "ghost")
	assert.True(t, types.IsNotFound(err), "webhooks never create rows")
}

func TestReconciler_UnhandledTypeIgnored(t *testing.T) {
	f := newFixture(t)

	out, err := f.recon.HandleEvent(context.Background(), &types.ProviderEvent{ID: "evt_x", Type: "customer.created", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, ReconcileIgnored, out)
}

func TestReconciler_CheckoutCompletedActivates(t *testing.T) {
	f := newFixture(t)
	f.beginCheckout(t, "u1")

	end := t0.AddDate(0, 1, 0)
	out, err := f.recon.HandleEvent(context.Background(), checkoutEvent("evt_1", "u1", t0, &end))
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, out)

	sub := f.get(t, "u1")
	assert.Equal(t, types.SubStatusActive, sub.Status)
	assert.Equal(t, PlanBasicMonthly, sub.PlanID)
	assert.Empty(t, sub.PendingPlanID)
	assert.Equal(t, "sub_stripe_1", sub.ProviderSubscriptionID)
	assert.Equal(t, end, *sub.CurrentPeriodEnd)
	assert.Equal(t, []types.LifecycleEvent{types.LifecycleActivated}, f.notifier.kinds())

	// Redelivery converges on the same state without a second notification.
	out, err = f.recon.HandleEvent(context.Background(), checkoutEvent("evt_1", "u1", t0, &end))
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, out)

	again := f.get(t, "u1")
	assert.Equal(t, sub.Status, again.Status)
	assert.Equal(t, sub.PlanID, again.PlanID)
	assert.Equal(t, *sub.CurrentPeriodEnd, *again.CurrentPeriodEnd)
	assert.Len(t, f.notifier.kinds(), 1)

	_, attempts, ok := f.events.Get("evt_1")
	require.True(t, ok)
	assert.Equal(t, 2, attempts)
}

func TestReconciler_CheckoutUnknownPlanIsMalformed(t *testing.T) {
	f := newFixture(t)
	f.beginCheckout(t, "u1")

	ev := checkoutEvent("evt_1", "u1", t0, nil)
	ev.PlanID = "gold"
	out, err := f.recon.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ReconcileMalformed, out)
	assert.Equal(t, types.SubStatusPending, f.get(t, "u1").Status)
}

func TestReconciler_CheckoutPeriodFallback(t *testing.T) {
	t.Run("provider lookup", func(t *testing.T) {
		f := newFixture(t)
		f.beginCheckout(t, "u1")
		start, end := t0.Add(-time.Minute), t0.AddDate(0, 1, 0).Add(-time.Minute)
		recon := NewReconciler(f.subs, f.catalog, f.enforcer, ReconcilerDeps{
			Periods: stubPeriods{start: start, end: end},
		}, f.clock, nil)

		_, err := recon.HandleEvent(context.Background(), checkoutEvent("evt_1", "u1", t0, nil))
		require.NoError(t, err)
		assert.Equal(t, end, *f.get(t, "u1").CurrentPeriodEnd)
	})

	t.Run("plan interval", func(t *testing.T) {
		f := newFixture(t)
		f.beginCheckout(t, "u1")
		recon := NewReconciler(f.subs, f.catalog, f.enforcer, ReconcilerDeps{
			Periods: stubPeriods{err: errors.New("stripe down")},
		}, f.clock, nil)

		_, err := recon.HandleEvent(context.Background(), checkoutEvent("evt_1", "u1", t0, nil))
		require.NoError(t, err)
		sub := f.get(t, "u1")
		assert.Equal(t, t0, *sub.CurrentPeriodStart)
		assert.Equal(t, t0.AddDate(0, 1, 0), *sub.CurrentPeriodEnd)
	})
}

func TestReconciler_EventOrderConverges(t *testing.T) {
	end := t0.AddDate(0, 1, 0)
	events := func() []*types.ProviderEvent {
		checkout := checkoutEvent("evt_checkout", "u1", t0, &end)
		paid := &types.ProviderEvent{
			ID: "evt_paid", Type: types.EventPaymentSucceeded, Created: t0.Add(time.Second),
			UserID: "u1", CustomerID: "cus_1", SubscriptionID: "sub_stripe_1",
			PeriodStart: types.TimePtr(t0), PeriodEnd: types.TimePtr(end),
		}
		updated := &types.ProviderEvent{
			ID: "evt_updated", Type: types.EventSubscriptionUpdated, Created: t0.Add(2 * time.Second),
			UserID: "u1", CustomerID: "cus_1", SubscriptionID: "sub_stripe_1", ProviderStatus: "active",
			PeriodStart: types.TimePtr(t0), PeriodEnd: types.TimePtr(end),
		}
		return []*types.ProviderEvent{checkout, paid, updated}
	}

	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		f := newFixture(t)
		f.beginCheckout(t, "u1")
		evs := events()
		for _, i := range order {
			_, err := f.recon.HandleEvent(context.Background(), evs[i])
			require.NoError(t, err)
		}

		sub := f.get(t, "u1")
		assert.Equal(t, types.SubStatusActive, sub.Status, "order %v", order)
		assert.Equal(t, PlanBasicMonthly, sub.PlanID, "order %v", order)
		assert.Empty(t, sub.PendingPlanID, "order %v", order)
		assert.Equal(t, end, *sub.CurrentPeriodEnd, "order %v", order)
		assert.Equal(t, "sub_stripe_1", sub.ProviderSubscriptionID, "order %v", order)
		assert.Equal(t, t0.Add(2*time.Second), *sub.LastEventAt, "order %v", order)
	}
}

func TestReconciler_StaleEventSkipped(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0)))
	ctx := context.Background()

	failed := &types.ProviderEvent{
		ID: "evt_failed", Type: types.EventPaymentFailed, Created: t0,
		UserID: "u1", SubscriptionID: "sub_provider_u1",
	}
	out, err := f.recon.HandleEvent(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, out)
	assert.Equal(t, types.SubStatusPastDue, f.get(t, "u1").Status)

	older := &types.ProviderEvent{
		ID: "evt_old_update", Type: types.EventSubscriptionUpdated, Created: t0.Add(-time.Hour),
		UserID: "u1", SubscriptionID: "sub_provider_u1", ProviderStatus: "active",
	}
	out, err = f.recon.HandleEvent(ctx, older)
	require.NoError(t, err)
	assert.Equal(t, ReconcileStale, out)
	assert.Equal(t, types.SubStatusPastDue, f.get(t, "u1").Status)
}

func TestReconciler_ForeignSubscriptionSkipped(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0)))

	out, err := f.recon.HandleEvent(context.Background(), &types.ProviderEvent{
		ID: "evt_del", Type: types.EventSubscriptionDeleted, Created: t0,
		UserID: "u1", SubscriptionID: "sub_some_other",
	})
	require.NoError(t, err)
	assert.Equal(t, ReconcileStale, out)
	assert.Equal(t, types.SubStatusActive, f.get(t, "u1").Status)
}

func TestReconciler_DeletedCancelsAndStaysCanceled(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0)))
	ctx := context.Background()

	out, err := f.recon.HandleEvent(ctx, &types.ProviderEvent{
		ID: "evt_del", Type: types.EventSubscriptionDeleted, Created: t0,
		UserID: "u1", SubscriptionID: "sub_provider_u1",
	})
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, out)
	assert.Equal(t, types.SubStatusCanceled, f.get(t, "u1").Status)

	_, err = f.recon.HandleEvent(ctx, &types.ProviderEvent{
		ID: "evt_upd", Type: types.EventSubscriptionUpdated, Created: t0.Add(time.Minute),
		UserID: "u1", SubscriptionID: "sub_provider_u1", ProviderStatus: "active",
	})
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusCanceled, f.get(t, "u1").Status)
	assert.Equal(t, []types.LifecycleEvent{types.LifecycleCanceled}, f.notifier.kinds())
}

func TestReconciler_StoreFailureAlertsAndReturnsError(t *testing.T) {
	f := newFixture(t)
	f.beginCheckout(t, "u1")
	flaky := &flakySubs{SubscriptionStore: f.subs, failWrites: 2, writeErr: errors.New("connection reset")}
	recon := NewReconciler(flaky, f.catalog, f.enforcer, ReconcilerDeps{
		Events: f.events,
		Alerts: f.alerts,
	}, f.clock, nil)

	end := t0.AddDate(0, 1, 0)
	out, err := recon.HandleEvent(context.Background(), checkoutEvent("evt_1", "u1", t0, &end))
	require.Error(t, err)
	assert.Equal(t, ReconcileFailed, out)
	assert.Equal(t, []string{"webhook_apply_failed"}, f.alerts.kinds)
	assert.Equal(t, types.SubStatusPending, f.get(t, "u1").Status)

	rec, _, ok := f.events.Get("evt_1")
	require.True(t, ok)
	assert.NotEmpty(t, rec.Error)
	assert.Nil(t, rec.ProcessedAt)

	// The provider redelivers; the store has recovered.
	out, err = recon.HandleEvent(context.Background(), checkoutEvent("evt_1", "u1", t0, &end))
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, out)
	assert.Equal(t, types.SubStatusActive, f.get(t, "u1").Status)
}

func TestReconciler_SingleWriteFailureRetried(t *testing.T) {
	f := newFixture(t)
	f.beginCheckout(t, "u1")
	flaky := &flakySubs{SubscriptionStore: f.subs, failWrites: 1, writeErr: errors.New("connection reset")}
	recon := NewReconciler(flaky, f.catalog, f.enforcer, ReconcilerDeps{Alerts: f.alerts}, f.clock, nil)

	end := t0.AddDate(0, 1, 0)
	out, err := recon.HandleEvent(context.Background(), checkoutEvent("evt_1", "u1", t0, &end))
	require.NoError(t, err)
	assert.Equal(t, ReconcileApplied, out)
	assert.Empty(t, f.alerts.kinds)
}

func TestReconciler_ActivationSyncsQuotaLimits(t *testing.T) {
	f := newFixture(t)
	f.beginCheckout(t, "u1")
	ctx := context.Background()

	snap, err := f.enforcer.CheckQuota(ctx, "u1", types.ResourceDailyPractice)
	require.NoError(t, err)
	assert.False(t, snap.CanUse)

	end := t0.AddDate(0, 1, 0)
	_, err = f.recon.HandleEvent(ctx, checkoutEvent("evt_1", "u1", t0, &end))
	require.NoError(t, err)

	snap, err = f.enforcer.CheckQuota(ctx, "u1", types.ResourceDailyPractice)
	require.NoError(t, err)
	assert.True(t, snap.CanUse)
	assert.Equal(t, 20, *snap.Limit)
}
