package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"toeicprep/internal/types"
)

// Plan identifiers of the seeded catalog.
const (
	PlanFree           = "free"
	PlanBasicMonthly   = "basic_monthly"
	PlanPremiumMonthly = "premium_monthly"
	PlanPremiumYearly  = "premium_yearly"
)

const (
	defaultCatalogTTL  = 5 * time.Minute
	defaultCatalogSize = 64
)

// Catalog is the only source of plan data.
type Catalog interface {
	GetPlan(ctx context.Context, planID string) (*types.Plan, error)
	ListPlans(ctx context.Context) ([]*types.Plan, error)
	// FreePlan is always available, even when the store is not.
	FreePlan() *types.Plan
}

// SeedPlans returns fresh copies of the bootstrap plan set.
//
//	| Plan            | Price  | Practice/day | Chat/day  | Words     |
//	|-----------------|--------|--------------|-----------|-----------|
//	| free            | 0      | 0            | 0         | 200       |
//	| basic_monthly   | 4.99   | 20           | 0         | 2000      |
//	| premium_monthly | 9.99   | unlimited    | 50        | unlimited |
//	| premium_yearly  | 99.99  | unlimited    | 50        | unlimited |
func SeedPlans() []*types.Plan {
	premium := types.PlanLimits{DailyAIChatLimit: types.IntPtr(50)}
	return []*types.Plan{
		{
			ID:          PlanFree,
			DisplayName: "Free",
			Currency:    "usd",
			Interval:    types.IntervalNone,
			Features:    types.ConservativeFeatures(),
			Limits: types.PlanLimits{
				DailyPracticeLimit: types.IntPtr(0),
				DailyAIChatLimit:   types.IntPtr(0),
				MaxVocabularyWords: types.IntPtr(200),
			},
		},
		{
			ID:          PlanBasicMonthly,
			DisplayName: "Basic",
			PriceCents:  499,
			Currency:    "usd",
			Interval:    types.IntervalMonth,
			Features: types.FeatureFlags{
				AIPractice:   true,
				Vocabulary:   true,
				ViewMistakes: true,
			},
			Limits: types.PlanLimits{
				DailyPracticeLimit: types.IntPtr(20),
				DailyAIChatLimit:   types.IntPtr(0),
				MaxVocabularyWords: types.IntPtr(2000),
			},
		},
		{
			ID:          PlanPremiumMonthly,
			DisplayName: "Premium",
			PriceCents:  999,
			Currency:    "usd",
			Interval:    types.IntervalMonth,
			Features:    types.FullFeatures(),
			Limits:      premium,
		},
		{
			ID:          PlanPremiumYearly,
			DisplayName: "Premium (yearly)",
			PriceCents:  9999,
			Currency:    "usd",
			Interval:    types.IntervalYear,
			Features:    types.FullFeatures(),
			Limits:      premium,
		},
	}
}

func seedFreePlan() *types.Plan {
	return SeedPlans()[0]
}

// SeedCatalog inserts the bootstrap plans that are not yet stored. Existing
// rows are never overwritten. priceIDs maps plan id to provider price id.
func SeedCatalog(ctx context.Context, store PlanStore, priceIDs map[string]string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range SeedPlans() {
		p.ProviderPriceID = priceIDs[p.ID]
		inserted, err := store.InsertPlanIfAbsent(ctx, p)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to seed plan "+p.ID, err)
		}
		if inserted {
			logger.InfoContext(ctx, "seeded plan", "plan_id", p.ID)
		}
	}
	return nil
}

// CachedCatalog fronts a PlanStore with an expiring LRU. Concurrent misses
// for the same id share one store read.
type CachedCatalog struct {
	store  PlanStore
	cache  *expirable.LRU[string, *types.Plan]
	group  singleflight.Group
	free   *types.Plan
	logger *slog.Logger
}

// NewCachedCatalog creates a catalog. A non-positive ttl uses five minutes.
func NewCachedCatalog(store PlanStore, ttl time.Duration, logger *slog.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedCatalog{
		store:  store,
		cache:  expirable.NewLRU[string, *types.Plan](defaultCatalogSize, nil, ttl),
		free:   seedFreePlan(),
		logger: logger,
	}
}

var _ Catalog = (*CachedCatalog)(nil)

// GetPlan returns a copy of the plan. Unknown ids yield ErrCodeNotFoundPlan.
func (c *CachedCatalog) GetPlan(ctx context.Context, planID string) (*types.Plan, error) {
	if planID == "" {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan id is empty", nil)
	}
	if p, ok := c.cache.Get(planID); ok {
		return p.Clone(), nil
	}

	v, err, _ := c.group.Do(planID, func() (any, error) {
		p, err := c.store.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		c.cache.Add(planID, p.Clone())
		return p, nil
	})
	if err != nil {
		if planID == PlanFree && !types.IsNotFound(err) {
			c.logger.WarnContext(ctx, "plan store unavailable, serving compiled free plan", "error", err)
			return c.FreePlan(), nil
		}
		return nil, err
	}
	return v.(*types.Plan).Clone(), nil
}

// ListPlans reads through to the store and refreshes the cache. Callers own
// the returned plans.
func (c *CachedCatalog) ListPlans(ctx context.Context) ([]*types.Plan, error) {
	plans, err := c.store.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		c.cache.Add(p.ID, p.Clone())
	}
	return plans, nil
}

// FreePlan returns the compiled-in zero-cost plan.
func (c *CachedCatalog) FreePlan() *types.Plan {
	return c.free.Clone()
}

// Invalidate drops a cached entry.
func (c *CachedCatalog) Invalidate(planID string) {
	c.cache.Remove(planID)
}
