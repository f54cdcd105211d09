// Package memstore provides in-memory implementations of the billing stores
// for tests and APP_ENV=local. Quota counters carry an explicit expiry so the
// TTL semantics match the Redis backend.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"toeicprep/internal/types"
)

// PlanStore keeps plans in a map.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]*types.Plan
}

// NewPlanStore returns an empty PlanStore.
func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]*types.Plan)}
}

func (s *PlanStore) GetPlan(_ context.Context, planID string) (*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found: "+planID, nil)
	}
	return p.Clone(), nil
}

func (s *PlanStore) ListPlans(_ context.Context) ([]*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out, nil
}

func (s *PlanStore) InsertPlanIfAbsent(_ context.Context, plan *types.Plan) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; ok {
		return false, nil
	}
	cp := plan.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.plans[plan.ID] = cp
	return true, nil
}

// SubscriptionStore keeps one row per user with version-checked updates.
type SubscriptionStore struct {
	mu      sync.Mutex
	rows    map[string]*types.Subscription
	checked map[string]time.Time
	clock   types.Clock
}

// NewSubscriptionStore returns an empty store. A nil clock uses wall time.
func NewSubscriptionStore(clock types.Clock) *SubscriptionStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &SubscriptionStore{
		rows:    make(map[string]*types.Subscription),
		checked: make(map[string]time.Time),
		clock:   clock,
	}
}

func (s *SubscriptionStore) GetByUserID(_ context.Context, userID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return row.Clone(), nil
}

func (s *SubscriptionStore) Create(_ context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[sub.UserID]; ok {
		return types.NewAppError(types.ErrCodeConflictAlreadyExists, "subscription already exists", nil)
	}
	now := s.clock.Now()
	sub.Version = 1
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.rows[sub.UserID] = sub.Clone()
	return nil
}

func (s *SubscriptionStore) Update(_ context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[sub.UserID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	if row.Version != sub.Version {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "subscription was modified concurrently", nil)
	}
	// Trial history is append-only.
	if row.TrialUsedAt != nil && sub.TrialUsedAt == nil {
		sub.TrialUsedAt = row.TrialUsedAt
	}
	if row.ProviderSessionID != sub.ProviderSessionID {
		delete(s.checked, sub.UserID)
	}
	sub.Version++
	sub.UpdatedAt = s.clock.Now()
	s.rows[sub.UserID] = sub.Clone()
	return nil
}

func (s *SubscriptionStore) ListStalePending(_ context.Context, olderThan, notBefore time.Time, limit int) ([]*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Subscription
	for _, row := range s.rows {
		if row.Status != types.SubStatusPending || row.ProviderSessionID == "" {
			continue
		}
		if row.UpdatedAt.Before(olderThan) && !row.UpdatedAt.Before(notBefore) {
			out = append(out, row.Clone())
		}
	}
	// Never-inspected rows first, then least recently inspected.
	sort.Slice(out, func(i, j int) bool {
		ci, iok := s.checked[out[i].UserID]
		cj, jok := s.checked[out[j].UserID]
		if iok != jok {
			return !iok
		}
		if iok && !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SubscriptionStore) MarkCheckoutChecked(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[userID]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	s.checked[userID] = at
	return nil
}

type quotaKey struct {
	userID   string
	resource types.ResourceType
	period   int64
}

type quotaEntry struct {
	rec       types.QuotaRecord
	expiresAt time.Time
}

// QuotaStore keeps counters that expire retention after their period ends.
type QuotaStore struct {
	mu        sync.Mutex
	entries   map[quotaKey]*quotaEntry
	retention time.Duration
	clock     types.Clock
}

// NewQuotaStore returns an empty store.
func NewQuotaStore(retention time.Duration, clock types.Clock) *QuotaStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &QuotaStore{entries: make(map[quotaKey]*quotaEntry), retention: retention, clock: clock}
}

func keyOf(userID string, resource types.ResourceType, periodStart time.Time) quotaKey {
	return quotaKey{userID: userID, resource: resource, period: periodStart.Unix()}
}

// live returns the entry if it exists and has not expired. Caller holds mu.
func (s *QuotaStore) live(k quotaKey) (*quotaEntry, bool) {
	e, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	if !s.clock.Now().Before(e.expiresAt) {
		delete(s.entries, k)
		return nil, false
	}
	return e, true
}

func (s *QuotaStore) Find(_ context.Context, userID string, resource types.ResourceType, periodStart time.Time) (*types.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(keyOf(userID, resource, periodStart))
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundQuota, "quota record not found", nil)
	}
	rec := e.rec
	return &rec, nil
}

func (s *QuotaStore) Create(_ context.Context, rec *types.QuotaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(rec.UserID, rec.ResourceType, rec.PeriodStart)
	if _, ok := s.live(k); ok {
		return nil
	}
	cp := *rec
	cp.UpdatedAt = s.clock.Now()
	s.entries[k] = &quotaEntry{rec: cp, expiresAt: rec.PeriodEnd.Add(s.retention)}
	return nil
}

func (s *QuotaStore) AtomicIncrement(_ context.Context, seed types.QuotaRecord, amount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(seed.UserID, seed.ResourceType, seed.PeriodStart)
	e, ok := s.live(k)
	if !ok {
		seed.UsedCount = 0
		e = &quotaEntry{rec: seed, expiresAt: seed.PeriodEnd.Add(s.retention)}
		s.entries[k] = e
	}
	e.rec.UsedCount += amount
	e.rec.UpdatedAt = s.clock.Now()
	return e.rec.UsedCount, nil
}

func (s *QuotaStore) SyncLimit(_ context.Context, userID string, resource types.ResourceType, periodStart time.Time, limit *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.live(keyOf(userID, resource, periodStart)); ok {
		e.rec.LimitCount = limit
		e.rec.UpdatedAt = s.clock.Now()
	}
	return nil
}

func (s *QuotaStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.rec.PeriodEnd.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// EventLog keeps provider event provenance.
type EventLog struct {
	mu       sync.Mutex
	records  map[string]*types.WebhookEventRecord
	attempts map[string]int
}

// NewEventLog returns an empty EventLog.
func NewEventLog() *EventLog {
	return &EventLog{
		records:  make(map[string]*types.WebhookEventRecord),
		attempts: make(map[string]int),
	}
}

func (l *EventLog) Record(_ context.Context, rec *types.WebhookEventRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *rec
	if prev, ok := l.records[rec.ID]; ok {
		cp.ReceivedAt = prev.ReceivedAt
	}
	l.records[rec.ID] = &cp
	l.attempts[rec.ID]++
	return nil
}

// Get returns the record and delivery count for an event id.
func (l *EventLog) Get(id string) (*types.WebhookEventRecord, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return nil, 0, false
	}
	cp := *rec
	return &cp, l.attempts[id], true
}
