package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"toeicprep/internal/memstore"
	"toeicprep/internal/types"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

var hcm = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		return time.FixedZone("ICT", 7*3600)
	}
	return loc
}()

// fixture wires the billing components over the in-memory stores.
type fixture struct {
	clock    *types.FixedClock
	plans    *memstore.PlanStore
	subs     *memstore.SubscriptionStore
	quotas   *memstore.QuotaStore
	events   *memstore.EventLog
	catalog  *CachedCatalog
	enforcer *Enforcer
	notifier *recordingNotifier
	alerts   *recordingAlerts
	checkout *fakeCheckout
	service  *Service
	recon    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: &types.FixedClock{T: t0}}
	f.plans = memstore.NewPlanStore()
	require.NoError(t, SeedCatalog(context.Background(), f.plans, map[string]string{
		PlanBasicMonthly:   "price_basic",
		PlanPremiumMonthly: "price_premium",
		PlanPremiumYearly:  "price_premium_y",
	}, nil))

	f.subs = memstore.NewSubscriptionStore(f.clock)
	f.quotas = memstore.NewQuotaStore(24*time.Hour, f.clock)
	f.events = memstore.NewEventLog()
	f.catalog = NewCachedCatalog(f.plans, time.Minute, nil)
	f.enforcer = NewEnforcer(f.subs, f.quotas, f.catalog, f.clock, EnforcerConfig{
		Location:   hcm,
		Timeout:    200 * time.Millisecond,
		UpgradeURL: "https://app.test/pricing",
	}, nil, nil)
	f.notifier = &recordingNotifier{}
	f.alerts = &recordingAlerts{}
	f.checkout = &fakeCheckout{subs: f.subs}
	f.service = NewService(f.subs, f.catalog, f.enforcer, f.checkout, f.notifier, f.clock,
		ServiceConfig{TrialDuration: 72 * time.Hour}, nil)
	f.recon = NewReconciler(f.subs, f.catalog, f.enforcer, ReconcilerDeps{
		Events:   f.events,
		Alerts:   f.alerts,
		Notifier: f.notifier,
	}, f.clock, nil)
	return f
}

// put stores a row directly, bypassing the service.
func (f *fixture) put(t *testing.T, sub *types.Subscription) {
	t.Helper()
	require.NoError(t, f.subs.Create(context.Background(), sub))
}

func (f *fixture) get(t *testing.T, userID string) *types.Subscription {
	t.Helper()
	sub, err := f.subs.GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	return sub
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.LifecycleNotification
}

func (n *recordingNotifier) Publish(_ context.Context, msg types.LifecycleNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, msg)
	return nil
}

func (n *recordingNotifier) kinds() []types.LifecycleEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.LifecycleEvent, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Event)
	}
	return out
}

type recordingAlerts struct {
	mu    sync.Mutex
	kinds []string
}

func (a *recordingAlerts) BillingAlert(_ context.Context, kind, _ string, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

// fakeCheckout asserts the pending row exists before a session is created.
type fakeCheckout struct {
	subs        *memstore.SubscriptionStore
	calls       int
	sawPending  bool
	err         error
	sessions    map[string]*types.CheckoutSession
	lastRequest types.CheckoutRequest
}

func (c *fakeCheckout) CreateCheckoutSession(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error) {
	c.calls++
	c.lastRequest = req
	if sub, err := c.subs.GetByUserID(ctx, req.UserID); err == nil && sub.PendingPlanID == req.PlanID {
		c.sawPending = true
	}
	if c.err != nil {
		return nil, c.err
	}
	return &types.CheckoutSession{
		ID:         "cs_test_1",
		URL:        "https://checkout.stripe.test/cs_test_1",
		Status:     "open",
		CustomerID: "cus_1",
	}, nil
}

func (c *fakeCheckout) GetCheckoutSession(_ context.Context, id string) (*types.CheckoutSession, error) {
	if s, ok := c.sessions[id]; ok {
		return s, nil
	}
	return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "no such session", nil)
}

// mockQuotaStore lets tests inject store failures.
type mockQuotaStore struct {
	mock.Mock
}

func (m *mockQuotaStore) Find(ctx context.Context, userID string, resource types.ResourceType, periodStart time.Time) (*types.QuotaRecord, error) {
	args := m.Called(ctx, userID, resource, periodStart)
	if r := args.Get(0); r != nil {
		return r.(*types.QuotaRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockQuotaStore) Create(ctx context.Context, rec *types.QuotaRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockQuotaStore) AtomicIncrement(ctx context.Context, seed types.QuotaRecord, amount int) (int, error) {
	args := m.Called(ctx, seed, amount)
	return args.Int(0), args.Error(1)
}

func (m *mockQuotaStore) SyncLimit(ctx context.Context, userID string, resource types.ResourceType, periodStart time.Time, limit *int) error {
	return m.Called(ctx, userID, resource, periodStart, limit).Error(0)
}

func (m *mockQuotaStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// flakySubs wraps a SubscriptionStore and fails writes a fixed number of times.
type flakySubs struct {
	SubscriptionStore
	mu         sync.Mutex
	failWrites int
	writeErr   error
}

func (s *flakySubs) Update(ctx context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	if s.failWrites > 0 {
		s.failWrites--
		s.mu.Unlock()
		return s.writeErr
	}
	s.mu.Unlock()
	return s.SubscriptionStore.Update(ctx, sub)
}

func activeSub(userID, planID string, periodEnd time.Time) *types.Subscription {
	return &types.Subscription{
		ID:                     "sub-" + userID,
		UserID:                 userID,
		PlanID:                 planID,
		Status:                 types.SubStatusActive,
		ProviderSubscriptionID: "sub_provider_" + userID,
		CurrentPeriodStart:     types.TimePtr(periodEnd.AddDate(0, -1, 0)),
		CurrentPeriodEnd:       types.TimePtr(periodEnd),
	}
}
