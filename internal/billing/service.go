package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"toeicprep/internal/types"
)

// CheckoutProvider creates and inspects hosted checkout sessions.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*types.CheckoutSession, error)
}

// ServiceConfig tunes the subscription service.
type ServiceConfig struct {
	TrialDuration time.Duration
}

// SubscriptionInfo is the response body of the subscription-info endpoint.
type SubscriptionInfo struct {
	Subscription *types.Subscription `json:"subscription"`
	types.Permissions
	Plan  *types.Plan                                  `json:"plan"`
	Usage map[types.ResourceType]*types.QuotaSnapshot `json:"usage"`
}

// CheckoutResult is returned to the client, which redirects to URL.
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Service implements the user-facing subscription operations.
type Service struct {
	subs     SubscriptionStore
	catalog  Catalog
	enforcer *Enforcer
	checkout CheckoutProvider
	notifier LifecycleNotifier
	clock    types.Clock
	cfg      ServiceConfig
	logger   *slog.Logger
}

// NewService creates a Service. notifier may be nil.
func NewService(
	subs SubscriptionStore,
	catalog Catalog,
	enforcer *Enforcer,
	checkout CheckoutProvider,
	notifier LifecycleNotifier,
	clock types.Clock,
	cfg ServiceConfig,
	logger *slog.Logger,
) *Service {
	if cfg.TrialDuration <= 0 {
		cfg.TrialDuration = 72 * time.Hour
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		subs:     subs,
		catalog:  catalog,
		enforcer: enforcer,
		checkout: checkout,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// GetSubscriptionInfo returns the subscription, derived permissions and a
// quota snapshot for every metered resource.
func (s *Service) GetSubscriptionInfo(ctx context.Context, userID string) (*SubscriptionInfo, error) {
	ent, err := s.enforcer.Resolve(ctx, userID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}

	snaps := make([]*types.QuotaSnapshot, len(types.MeteredResources))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range types.MeteredResources {
		g.Go(func() error {
			snap, err := s.enforcer.snapshot(gctx, userID, r, ent.Plan.Limits.For(r))
			if err != nil {
				return err
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	usage := make(map[types.ResourceType]*types.QuotaSnapshot, len(snaps))
	for _, snap := range snaps {
		usage[snap.ResourceType] = snap
	}
	return &SubscriptionInfo{
		Subscription: ent.Subscription,
		Permissions:  ent.Permissions,
		Plan:         ent.Plan,
		Usage:        usage,
	}, nil
}

// StartTrial grants the user's single trial. planID must name a paid plan.
func (s *Service) StartTrial(ctx context.Context, userID, planID string) (*types.Subscription, error) {
	if _, err := s.paidPlan(ctx, planID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sub, err := mutateSubscription(ctx, s.subs, userID, func(current *types.Subscription) (*types.Subscription, error) {
		next, rejection := StartTrial(current, userID, planID, now, s.cfg.TrialDuration)
		if rejection != "" {
			return nil, trialRejectionError(rejection)
		}
		return next, nil
	})
	if err != nil {
		return nil, storeError(err, "failed to start trial")
	}

	s.logger.InfoContext(ctx, "trial started",
		"user_id", userID,
		"plan_id", planID,
		"trial_end", sub.TrialEnd,
	)
	s.enforcer.SyncLimits(ctx, sub)
	s.publish(ctx, types.LifecycleTrialStarted, sub)
	return sub, nil
}

// BeginCheckout persists the pending intent, then creates the provider
// session. The row exists before the client is redirected so even an
// immediate webhook finds it.
func (s *Service) BeginCheckout(ctx context.Context, userID, planID string, urls types.RedirectURLs) (*CheckoutResult, error) {
	plan, err := s.paidPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.ProviderPriceID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "plan is not purchasable: "+planID, nil)
	}

	now := s.clock.Now()
	pending, err := mutateSubscription(ctx, s.subs, userID, func(current *types.Subscription) (*types.Subscription, error) {
		if paidLive(current, now) && current.PlanID == planID {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictAlreadyPaid,
				"already subscribed to this plan", nil,
				map[string]any{"reason": types.TrialAlreadyPaid})
		}
		return BeginCheckout(current, userID, planID, now), nil
	})
	if err != nil {
		return nil, storeError(err, "failed to record checkout intent")
	}

	session, err := s.checkout.CreateCheckoutSession(ctx, types.CheckoutRequest{
		UserID:     userID,
		PlanID:     planID,
		PriceID:    plan.ProviderPriceID,
		CustomerID: pending.ProviderCustomerID,
		SuccessURL: urls.Success,
		CancelURL:  urls.Cancel,
	})
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to create checkout session", err)
	}

	_, err = mutateSubscription(ctx, s.subs, userID, func(current *types.Subscription) (*types.Subscription, error) {
		if current == nil {
			return nil, nil
		}
		return AttachCheckoutSession(current, session.ID, session.CustomerID), nil
	})
	if err != nil {
		// The webhook still carries userId metadata; only the sweep loses this session.
		s.logger.ErrorContext(ctx, "failed to record checkout session id",
			"user_id", userID,
			"session_id", session.ID,
			"error", err,
		)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"user_id", userID,
		"plan_id", planID,
		"session_id", session.ID,
	)
	return &CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

// AdminOverride applies an operator correction.
func (s *Service) AdminOverride(ctx context.Context, userID string, o AdminOverride) (*types.Subscription, error) {
	if o.Status != "" && !o.Status.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidStatus, "unknown status: "+string(o.Status), nil)
	}
	if o.PlanID != "" {
		if _, err := s.catalog.GetPlan(ctx, o.PlanID); err != nil {
			if types.IsNotFound(err) {
				return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "unknown plan: "+o.PlanID, err)
			}
			return nil, err
		}
	}

	now := s.clock.Now()
	sub, err := mutateSubscription(ctx, s.subs, userID, func(current *types.Subscription) (*types.Subscription, error) {
		return ApplyAdminOverride(current, userID, o, now), nil
	})
	if err != nil {
		return nil, storeError(err, "failed to apply override")
	}

	s.logger.WarnContext(ctx, "subscription overridden by admin",
		"user_id", userID,
		"status", sub.Status,
		"plan_id", sub.PlanID,
	)
	s.enforcer.SyncLimits(ctx, sub)
	return sub, nil
}

func (s *Service) paidPlan(ctx context.Context, planID string) (*types.Plan, error) {
	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "unknown plan: "+planID, err)
		}
		return nil, err
	}
	if plan.IsFree() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "plan is free: "+planID, nil)
	}
	return plan, nil
}

func (s *Service) publish(ctx context.Context, event types.LifecycleEvent, sub *types.Subscription) {
	publishLifecycle(ctx, s.notifier, s.logger, event, sub, s.clock.Now())
}

func publishLifecycle(ctx context.Context, n LifecycleNotifier, logger *slog.Logger, event types.LifecycleEvent, sub *types.Subscription, now time.Time) {
	if event == "" || sub == nil {
		return
	}
	err := n.Publish(ctx, types.LifecycleNotification{
		Event:      event,
		UserID:     sub.UserID,
		PlanID:     sub.PlanID,
		Status:     sub.Status,
		OccurredAt: now,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to publish lifecycle notification",
			"event", event,
			"user_id", sub.UserID,
			"error", err,
		)
	}
}

func trialRejectionError(r types.TrialRejection) error {
	code := types.ErrCodeConflictTrialUsed
	msg := "the free trial has already been used"
	switch r {
	case types.TrialAlreadyPaid:
		code, msg = types.ErrCodeConflictAlreadyPaid, "an active paid subscription already exists"
	case types.TrialAlreadyTrialing:
		code, msg = types.ErrCodeConflictTrialing, "a trial is already running"
	}
	return types.NewAppErrorWithDetails(code, msg, nil, map[string]any{"reason": r})
}

// storeError passes AppErrors through and wraps anything else as a database error.
func storeError(err error, msg string) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}
