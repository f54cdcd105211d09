package billing

import (
	"context"
	"log/slog"
	"time"

	"toeicprep/internal/types"
)

// Decision outcomes reported to the DecisionRecorder.
const (
	OutcomeAllowed            = "allowed"
	OutcomeDeniedSubscription = "denied_subscription"
	OutcomeDeniedLimit        = "denied_limit"
	OutcomeUnavailable        = "unavailable"
)

const defaultQuotaTimeout = 800 * time.Millisecond

// EnforcerConfig tunes the quota enforcer.
type EnforcerConfig struct {
	// Location is the reference timezone for daily periods.
	Location *time.Location
	// Timeout bounds every individual store call.
	Timeout time.Duration
	// TrialPlanID supplies quota limits while a trial is live.
	TrialPlanID string
	// UpgradeURL is returned in denial hints.
	UpgradeURL string
}

// Entitlement is a user's resolved billing position at one instant.
type Entitlement struct {
	Subscription *types.Subscription
	// Plan is the plan whose limits apply now: the trial plan during a
	// trial, the paid plan while active, the free plan otherwise.
	Plan        *types.Plan
	Permissions types.Permissions
}

// Enforcer composes the state machine with the quota store to admit or deny
// metered feature use.
type Enforcer struct {
	subs     SubscriptionStore
	quotas   QuotaStore
	catalog  Catalog
	clock    types.Clock
	cfg      EnforcerConfig
	recorder DecisionRecorder
	logger   *slog.Logger
}

// NewEnforcer creates an Enforcer. A nil recorder disables metrics.
func NewEnforcer(
	subs SubscriptionStore,
	quotas QuotaStore,
	catalog Catalog,
	clock types.Clock,
	cfg EnforcerConfig,
	recorder DecisionRecorder,
	logger *slog.Logger,
) *Enforcer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultQuotaTimeout
	}
	if cfg.TrialPlanID == "" {
		cfg.TrialPlanID = PlanPremiumMonthly
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		subs:     subs,
		quotas:   quotas,
		catalog:  catalog,
		clock:    clock,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
	}
}

// Period returns the current quota window for a resource.
func (e *Enforcer) Period(now time.Time) types.QuotaPeriod {
	return DailyPeriod(now, e.cfg.Location)
}

// Resolve loads the subscription and the plan that governs it.
func (e *Enforcer) Resolve(ctx context.Context, userID string) (*Entitlement, error) {
	now := e.clock.Now()

	var sub *types.Subscription
	err := e.read(ctx, func(ctx context.Context) error {
		s, err := e.subs.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil && !types.IsNotFound(err) {
		return nil, err
	}
	return e.entitlementFor(ctx, sub, now)
}

func (e *Enforcer) entitlementFor(ctx context.Context, sub *types.Subscription, now time.Time) (*Entitlement, error) {
	ent := &Entitlement{Subscription: sub}

	switch {
	case trialLive(sub, now):
		plan, err := e.plan(ctx, e.cfg.TrialPlanID)
		if err != nil {
			if !types.IsNotFound(err) {
				return nil, err
			}
			e.logger.ErrorContext(ctx, "trial plan missing from catalog", "plan_id", e.cfg.TrialPlanID)
			plan = e.catalog.FreePlan()
		}
		ent.Plan = plan
		ent.Permissions = DerivePermissions(sub, plan, now)

	case paidLive(sub, now):
		plan, err := e.plan(ctx, sub.PlanID)
		if err != nil && !types.IsNotFound(err) {
			return nil, err
		}
		ent.Permissions = DerivePermissions(sub, plan, now)
		if plan == nil {
			e.logger.WarnContext(ctx, "active subscription references unknown plan",
				"user_id", sub.UserID,
				"plan_id", sub.PlanID,
			)
			plan = e.catalog.FreePlan()
		}
		ent.Plan = plan

	default:
		ent.Plan = e.catalog.FreePlan()
		ent.Permissions = DerivePermissions(sub, nil, now)
	}
	return ent, nil
}

// plan reads from the catalog under the same bound as the store reads.
func (e *Enforcer) plan(ctx context.Context, planID string) (*types.Plan, error) {
	var plan *types.Plan
	err := e.read(ctx, func(ctx context.Context) error {
		p, err := e.catalog.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		plan = p
		return nil
	})
	return plan, err
}

// CheckQuota reports whether one more unit of resource may be consumed. An
// absent period row is treated as a virtual record with used=0 and is not persisted.
func (e *Enforcer) CheckQuota(ctx context.Context, userID string, resource types.ResourceType) (*types.QuotaSnapshot, error) {
	if !resource.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidResource, "unknown resource type: "+string(resource), nil)
	}
	ent, err := e.Resolve(ctx, userID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeLimitQuotaUnavailable, "quota check unavailable", err)
	}
	return e.snapshot(ctx, userID, resource, ent.Plan.Limits.For(resource))
}

func (e *Enforcer) snapshot(ctx context.Context, userID string, resource types.ResourceType, limit *int) (*types.QuotaSnapshot, error) {
	period := e.Period(e.clock.Now())

	used := 0
	err := e.read(ctx, func(ctx context.Context) error {
		rec, err := e.quotas.Find(ctx, userID, resource, period.Start)
		if err != nil {
			return err
		}
		used = rec.UsedCount
		return nil
	})
	if err != nil && !types.IsNotFound(err) {
		return nil, types.NewAppError(types.ErrCodeLimitQuotaUnavailable, "quota check unavailable", err)
	}

	snap := &types.QuotaSnapshot{
		ResourceType: resource,
		CanUse:       limit == nil || used < *limit,
		Used:         used,
		Limit:        limit,
		ResetAt:      period.End,
	}
	if limit != nil {
		remaining := *limit - used
		if remaining < 0 {
			e.logger.WarnContext(ctx, "quota overage detected",
				"user_id", userID,
				"resource", resource,
				"used", used,
				"limit", *limit,
			)
			remaining = 0
		}
		snap.Remaining = &remaining
	}
	return snap, nil
}

// IncrementUsage records consumption after the metered operation succeeded.
// Failures are logged and swallowed.
func (e *Enforcer) IncrementUsage(ctx context.Context, userID string, resource types.ResourceType, amount int) {
	var limit *int
	if ent, err := e.Resolve(ctx, userID); err == nil {
		limit = ent.Plan.Limits.For(resource)
	} else {
		e.logger.WarnContext(ctx, "could not resolve limit for usage increment", "user_id", userID, "error", err)
	}
	e.increment(ctx, userID, resource, amount, limit)
}

func (e *Enforcer) increment(ctx context.Context, userID string, resource types.ResourceType, amount int, limit *int) {
	if amount <= 0 || !resource.Valid() {
		e.logger.WarnContext(ctx, "ignoring invalid usage increment",
			"user_id", userID,
			"resource", resource,
			"amount", amount,
		)
		return
	}

	// The gated operation already happened; a client disconnect must not lose the count.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	period := e.Period(e.clock.Now())
	used, err := e.quotas.AtomicIncrement(ctx, types.QuotaRecord{
		UserID:       userID,
		ResourceType: resource,
		PeriodStart:  period.Start,
		PeriodEnd:    period.End,
		LimitCount:   limit,
	}, amount)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to record usage",
			"user_id", userID,
			"resource", resource,
			"amount", amount,
			"error", err,
		)
		return
	}
	if limit != nil && used > *limit {
		e.logger.WarnContext(ctx, "usage exceeded limit under concurrent requests",
			"user_id", userID,
			"resource", resource,
			"used", used,
			"limit", *limit,
		)
	}
}

// Grant is an admitted feature use. Commit records the consumption and must
// be called only after the gated operation succeeded.
type Grant struct {
	UserID   string
	Resource types.ResourceType
	Snapshot *types.QuotaSnapshot

	enforcer *Enforcer
	limit    *int
}

// Commit increments usage by one.
func (g *Grant) Commit(ctx context.Context) {
	g.enforcer.increment(ctx, g.UserID, g.Resource, 1, g.limit)
}

// RequireFeatureAccess admits or denies one use of a metered feature.
// Denials are AppErrors carrying errorCode, used, limit, resetAt and an upgrade hint:
//   - permission_subscription_required when the feature flag is off
//   - limit_usage_exceeded when the period quota is spent
//   - limit_quota_unavailable when the stores cannot be read in time
func (e *Enforcer) RequireFeatureAccess(ctx context.Context, userID string, resource types.ResourceType, feature types.Feature) (*Grant, error) {
	if !resource.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidResource, "unknown resource type: "+string(resource), nil)
	}

	ent, err := e.Resolve(ctx, userID)
	if err != nil {
		return nil, e.unavailable(ctx, userID, resource, err)
	}
	limit := ent.Plan.Limits.For(resource)

	if !ent.Permissions.Features.Has(feature) {
		snap, err := e.snapshot(ctx, userID, resource, limit)
		if err != nil {
			period := e.Period(e.clock.Now())
			snap = &types.QuotaSnapshot{ResourceType: resource, Limit: limit, ResetAt: period.End}
		}
		e.recorder.QuotaDecision(resource, OutcomeDeniedSubscription)
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodePermissionSubscriptionNeeded,
			"an active subscription or trial is required for this feature",
			nil,
			e.denialDetails(types.DenialSubscriptionRequired, snap, ent, resource),
		).WithDetails(map[string]any{"reason": ent.Permissions.Reason})
	}

	snap, err := e.snapshot(ctx, userID, resource, limit)
	if err != nil {
		return nil, e.unavailable(ctx, userID, resource, err)
	}
	if !snap.CanUse {
		e.recorder.QuotaDecision(resource, OutcomeDeniedLimit)
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeLimitUsageExceeded,
			"daily usage limit reached",
			nil,
			e.denialDetails(types.DenialUsageLimitExceeded, snap, ent, resource),
		)
	}

	e.recorder.QuotaDecision(resource, OutcomeAllowed)
	return &Grant{
		UserID:   userID,
		Resource: resource,
		Snapshot: snap,
		enforcer: e,
		limit:    limit,
	}, nil
}

func (e *Enforcer) unavailable(ctx context.Context, userID string, resource types.ResourceType, err error) error {
	e.logger.ErrorContext(ctx, "quota check failed, denying metered feature",
		"user_id", userID,
		"resource", resource,
		"error", err,
	)
	e.recorder.QuotaDecision(resource, OutcomeUnavailable)
	period := e.Period(e.clock.Now())
	return types.NewAppErrorWithDetails(
		types.ErrCodeLimitQuotaUnavailable,
		"usage could not be verified, please retry shortly",
		err,
		map[string]any{
			"errorCode": types.DenialQuotaUnavailable,
			"used":      nil,
			"limit":     nil,
			"resetAt":   period.End,
		},
	)
}

func (e *Enforcer) denialDetails(code types.DenialCode, snap *types.QuotaSnapshot, ent *Entitlement, resource types.ResourceType) map[string]any {
	current := ""
	if ent.Permissions.HasAccess && ent.Subscription != nil && ent.Subscription.Status == types.SubStatusActive {
		current = ent.Subscription.PlanID
	}
	return map[string]any{
		"errorCode": code,
		"used":      snap.Used,
		"limit":     snap.Limit,
		"resetAt":   snap.ResetAt,
		"upgrade": map[string]any{
			"url":           e.cfg.UpgradeURL,
			"suggestedPlan": SuggestUpgrade(current, resource),
		},
	}
}

// SuggestUpgrade names the cheapest plan that lifts the limit on resource
// for a user currently on planID.
func SuggestUpgrade(planID string, resource types.ResourceType) string {
	if resource == types.ResourceDailyPractice && planID != PlanBasicMonthly && planID != PlanPremiumMonthly && planID != PlanPremiumYearly {
		return PlanBasicMonthly
	}
	if planID == PlanPremiumMonthly {
		return PlanPremiumYearly
	}
	return PlanPremiumMonthly
}

// read runs fn under the quota timeout and retries once on a transient error.
func (e *Enforcer) read(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		err = fn(callCtx)
		cancel()
		if err == nil || !types.IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// SyncLimits rewrites the current period's limitCount for every metered
// resource after sub changed plan or status. Failures are logged.
func (e *Enforcer) SyncLimits(ctx context.Context, sub *types.Subscription) {
	now := e.clock.Now()
	ent, err := e.entitlementFor(ctx, sub, now)
	if err != nil {
		e.logger.WarnContext(ctx, "skipping quota limit sync", "user_id", sub.UserID, "error", err)
		return
	}
	period := e.Period(now)
	for _, r := range types.MeteredResources {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		err := e.quotas.SyncLimit(callCtx, sub.UserID, r, period.Start, ent.Plan.Limits.For(r))
		cancel()
		if err != nil {
			e.logger.WarnContext(ctx, "failed to sync quota limit",
				"user_id", sub.UserID,
				"resource", r,
				"error", err,
			)
		}
	}
}
