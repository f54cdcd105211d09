package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"toeicprep/internal/memstore"
	"toeicprep/internal/types"
)

func TestDailyPeriod_ServiceTimezone(t *testing.T) {
	// 2026-03-10 18:30 UTC is 2026-03-11 01:30 in UTC+7.
	now := time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC)
	p := DailyPeriod(now, hcm)

	assert.Equal(t, time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2026, 3, 11, 17, 0, 0, 0, time.UTC), p.End)
	assert.Equal(t, 24*time.Hour, p.End.Sub(p.Start))
}

func TestCheckQuota_VirtualRecordNotPersisted(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0)))

	snap, err := f.enforcer.CheckQuota(context.Background(), "u1", types.ResourceDailyPractice)
	require.NoError(t, err)

	assert.True(t, snap.CanUse)
	assert.Equal(t, 0, snap.Used)
	require.NotNil(t, snap.Limit)
	assert.Equal(t, 20, *snap.Limit)
	assert.Equal(t, 20, *snap.Remaining)
	assert.Equal(t, DailyPeriod(t0, hcm).End, snap.ResetAt)

	_, err = f.quotas.Find(context.Background(), "u1", types.ResourceDailyPractice, DailyPeriod(t0, hcm).Start)
	assert.True(t, types.IsNotFound(err), "a check never creates the row")
}

func TestCheckQuota_AdmissionBoundary(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0)))
	ctx := context.Background()

	f.enforcer.IncrementUsage(ctx, "u1", types.ResourceDailyPractice, 19)
	snap, err := f.enforcer.CheckQuota(ctx, "u1", types.ResourceDailyPractice)
	require.NoError(t, err)
	assert.True(t, snap.CanUse)
	assert.Equal(t, 1, *snap.Remaining)

	f.enforcer.IncrementUsage(ctx, "u1", types.ResourceDailyPractice, 1)
	snap, err = f.enforcer.CheckQuota(ctx, "u1", types.ResourceDailyPractice)
	require.NoError(t, err)
	assert.False(t, snap.CanUse)
	assert.Equal(t, 20, snap.Used)
	assert.Equal(t, 0, *snap.Remaining)
}

func TestCheckQuota_RemainingClampedOnOverage(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0)))
	f.enforcer.IncrementUsage(context.Background(), "u1", types.ResourceDailyPractice, 23)

	snap, err := f.enforcer.CheckQuota(context.Background(), "u1", types.ResourceDailyPractice)
	require.NoError(t, err)
	assert.Equal(t, 23, snap.Used)
	assert.Equal(t, 0, *snap.Remaining)
}

func TestCheckQuota_UnlimitedResource(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanPremiumMonthly, t0.AddDate(0, 1, 0)))
	f.enforcer.IncrementUsage(context.Background(), "u1", types.ResourceDailyPractice, 500)

	snap, err := f.enforcer.CheckQuota(context.Background(), "u1", types.ResourceDailyPractice)
	require.NoError(t, err)
	assert.True(t, snap.CanUse)
	assert.Nil(t, snap.Limit)
	assert.Nil(t, snap.Remaining)
}

func TestCheckQuota_ResetsNextDay(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0)))
	f.enforcer.IncrementUsage(context.Background(), "u1", types.ResourceDailyPractice, 20)

	f.clock.Advance(24 * time.Hour)
	snap, err := f.enforcer.CheckQuota(context.Background(), "u1", types.ResourceDailyPractice)
	require.NoError(t, err)
	assert.True(t, snap.CanUse)
	assert.Equal(t, 0, snap.Used)
}

func TestCheckQuota_InvalidResource(t *testing.T) {
	f := newFixture(t)
	_, err := f.enforcer.CheckQuota(context.Background(), "u1", types.ResourceType("daily_nap"))
	assert.True(t, types.HasCode(err, types.ErrCodeValidationInvalidResource))
}

func TestIncrementUsage_ConcurrentNoLostUpdates(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanPremiumMonthly, t0.AddDate(0, 1, 0)))

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.enforcer.IncrementUsage(context.Background(), "u1", types.ResourceDailyAIChat, 1)
		}()
	}
	wg.Wait()

	rec, err := f.quotas.Find(context.Background(), "u1", types.ResourceDailyAIChat, DailyPeriod(t0, hcm).Start)
	require.NoError(t, err)
	assert.Equal(t, n, rec.UsedCount)
	require.NotNil(t, rec.LimitCount)
	assert.Equal(t, 50, *rec.LimitCount)
}

func TestIncrementUsage_IgnoresNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)
	f.enforcer.IncrementUsage(context.Background(), "u1", types.ResourceDailyAIChat, 0)
	f.enforcer.IncrementUsage(context.Background(), "u1", types.ResourceDailyAIChat, -3)

	_, err := f.quotas.Find(context.Background(), "u1", types.ResourceDailyAIChat, DailyPeriod(t0, hcm).Start)
	assert.True(t, types.IsNotFound(err))
}

func TestIncrementUsage_StoreFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	quotas := new(mockQuotaStore)
	quotas.On("AtomicIncrement", mock.Anything, mock.Anything, 1).Return(0, errors.New("connection reset"))
	enf := NewEnforcer(f.subs, quotas, f.catalog, f.clock, EnforcerConfig{Location: hcm}, nil, nil)

	assert.NotPanics(t, func() {
		enf.IncrementUsage(context.Background(), "u1", types.ResourceDailyAIChat, 1)
	})
	quotas.AssertExpectations(t)
}

func TestRequireFeatureAccess_NoSubscription(t *testing.T) {
	f := newFixture(t)

	grant, err := f.enforcer.RequireFeatureAccess(context.Background(), "u1", types.ResourceDailyAIChat, types.FeatureAIChat)
	require.Nil(t, grant)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePermissionSubscriptionNeeded, appErr.Code)
	assert.Equal(t, 403, appErr.HTTPStatus())
	assert.Equal(t, types.DenialSubscriptionRequired, appErr.Details["errorCode"])
	assert.Equal(t, 0, appErr.Details["used"])
	assert.Equal(t, types.IntPtr(0), appErr.Details["limit"])
	assert.Equal(t, DailyPeriod(t0, hcm).End, appErr.Details["resetAt"])
	assert.Equal(t, types.ReasonNoSubscription, appErr.Details["reason"])
	upgrade, ok := appErr.Details["upgrade"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, PlanPremiumMonthly, upgrade["suggestedPlan"])
	assert.Equal(t, "https://app.test/pricing", upgrade["url"])
}

func TestRequireFeatureAccess_FeatureNotInPlan(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0)))

	_, err := f.enforcer.RequireFeatureAccess(context.Background(), "u1", types.ResourceDailyAIChat, types.FeatureAIChat)
	assert.True(t, types.HasCode(err, types.ErrCodePermissionSubscriptionNeeded))
}

func TestRequireFeatureAccess_LimitExceeded(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0)))
	f.enforcer.IncrementUsage(context.Background(), "u1", types.ResourceDailyPractice, 20)

	_, err := f.enforcer.RequireFeatureAccess(context.Background(), "u1", types.ResourceDailyPractice, types.FeatureAIPractice)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeLimitUsageExceeded, appErr.Code)
	assert.Equal(t, types.DenialUsageLimitExceeded, appErr.Details["errorCode"])
	assert.Equal(t, 20, appErr.Details["used"])
	upgrade := appErr.Details["upgrade"].(map[string]any)
	assert.Equal(t, PlanPremiumMonthly, upgrade["suggestedPlan"])
}

func TestRequireFeatureAccess_GrantCommitsOnlyOnCommit(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.StartTrial(context.Background(), "u1", PlanPremiumMonthly)
	require.NoError(t, err)

	grant, err := f.enforcer.RequireFeatureAccess(context.Background(), "u1", types.ResourceDailyAIChat, types.FeatureAIChat)
	require.NoError(t, err)
	assert.Equal(t, 50, *grant.Snapshot.Limit, "trial limits come from the trial plan")

	period := DailyPeriod(t0, hcm)
	_, err = f.quotas.Find(context.Background(), "u1", types.ResourceDailyAIChat, period.Start)
	assert.True(t, types.IsNotFound(err), "admission alone does not consume quota")

	grant.Commit(context.Background())
	rec, err := f.quotas.Find(context.Background(), "u1", types.ResourceDailyAIChat, period.Start)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.UsedCount)
}

func TestRequireFeatureAccess_FailsClosedWhenQuotaStoreDown(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanPremiumMonthly, t0.AddDate(0, 1, 0)))

	quotas := new(mockQuotaStore)
	quotas.On("Find", mock.Anything, "u1", types.ResourceDailyAIChat, mock.Anything).
		Return(nil, context.DeadlineExceeded)
	enf := NewEnforcer(f.subs, quotas, f.catalog, f.clock, EnforcerConfig{Location: hcm}, nil, nil)

	_, err := enf.RequireFeatureAccess(context.Background(), "u1", types.ResourceDailyAIChat, types.FeatureAIChat)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeLimitQuotaUnavailable, appErr.Code)
	assert.Equal(t, 503, appErr.HTTPStatus())
	assert.Equal(t, types.DenialQuotaUnavailable, appErr.Details["errorCode"])
	quotas.AssertNumberOfCalls(t, "Find", 2) // one retry on a transient error
}

func TestRequireFeatureAccess_PlanLookupBoundedByQuotaTimeout(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanPremiumMonthly, t0.AddDate(0, 1, 0)))

	plans := new(mockPlanStore)
	plans.On("GetPlan", mock.Anything, PlanPremiumMonthly).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(nil, context.DeadlineExceeded)
	catalog := NewCachedCatalog(plans, time.Minute, nil)
	enf := NewEnforcer(f.subs, f.quotas, catalog, f.clock, EnforcerConfig{
		Location: hcm,
		Timeout:  50 * time.Millisecond,
	}, nil, nil)

	start := time.Now()
	_, err := enf.RequireFeatureAccess(context.Background(), "u1", types.ResourceDailyAIChat, types.FeatureAIChat)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, types.HasCode(err, types.ErrCodeLimitQuotaUnavailable))
	plans.AssertNumberOfCalls(t, "GetPlan", 2)

	_, err = enf.CheckQuota(context.Background(), "u1", types.ResourceDailyAIChat)
	assert.True(t, types.HasCode(err, types.ErrCodeLimitQuotaUnavailable))
}

func TestRequireFeatureAccess_NonTransientReadNotRetried(t *testing.T) {
	f := newFixture(t)
	f.put(t, activeSub("u1", PlanPremiumMonthly, t0.AddDate(0, 1, 0)))

	quotas := new(mockQuotaStore)
	quotas.On("Find", mock.Anything, "u1", types.ResourceDailyAIChat, mock.Anything).
		Return(nil, errors.New("relation does not exist"))
	enf := NewEnforcer(f.subs, quotas, f.catalog, f.clock, EnforcerConfig{Location: hcm}, nil, nil)

	_, err := enf.RequireFeatureAccess(context.Background(), "u1", types.ResourceDailyAIChat, types.FeatureAIChat)
	assert.True(t, types.HasCode(err, types.ErrCodeLimitQuotaUnavailable))
	quotas.AssertNumberOfCalls(t, "Find", 1)
}

func TestSyncLimits_RewritesCurrentPeriod(t *testing.T) {
	f := newFixture(t)
	sub := activeSub("u1", PlanBasicMonthly, t0.AddDate(0, 1, 0))
	f.put(t, sub)
	f.enforcer.IncrementUsage(context.Background(), "u1", types.ResourceDailyPractice, 3)

	sub.PlanID = PlanPremiumMonthly
	f.enforcer.SyncLimits(context.Background(), sub)

	rec, err := f.quotas.Find(context.Background(), "u1", types.ResourceDailyPractice, DailyPeriod(t0, hcm).Start)
	require.NoError(t, err)
	assert.Nil(t, rec.LimitCount, "premium practice is unlimited")
	assert.Equal(t, 3, rec.UsedCount)
}

func TestSuggestUpgrade(t *testing.T) {
	assert.Equal(t, PlanBasicMonthly, SuggestUpgrade("", types.ResourceDailyPractice))
	assert.Equal(t, PlanPremiumMonthly, SuggestUpgrade(PlanBasicMonthly, types.ResourceDailyPractice))
	assert.Equal(t, PlanPremiumMonthly, SuggestUpgrade("", types.ResourceDailyAIChat))
	assert.Equal(t, PlanPremiumYearly, SuggestUpgrade(PlanPremiumMonthly, types.ResourceDailyAIChat))
}

var _ QuotaStore = (*memstore.QuotaStore)(nil)
var _ SubscriptionStore = (*memstore.SubscriptionStore)(nil)
var _ PlanStore = (*memstore.PlanStore)(nil)
var _ WebhookEventLog = (*memstore.EventLog)(nil)
