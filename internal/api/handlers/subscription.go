// Package handlers contains the HTTP handlers of the billing API.
//
// Handlers depend on small locally defined service interfaces and expose
// route registrars that cmd/api hands to core.Server, so core never imports
// this package.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"toeicprep/internal/billing"
	"toeicprep/internal/core"
	"toeicprep/internal/types"
)

// SubscriptionService is the user-facing subset of billing.Service.
type SubscriptionService interface {
	GetSubscriptionInfo(ctx context.Context, userID string) (*billing.SubscriptionInfo, error)
	StartTrial(ctx context.Context, userID, planID string) (*types.Subscription, error)
	BeginCheckout(ctx context.Context, userID, planID string, urls types.RedirectURLs) (*billing.CheckoutResult, error)
}

// UsageChecker reports quota without consuming it.
type UsageChecker interface {
	CheckQuota(ctx context.Context, userID string, resource types.ResourceType) (*types.QuotaSnapshot, error)
}

// PlanLister lists the public catalog.
type PlanLister interface {
	ListPlans(ctx context.Context) ([]*types.Plan, error)
}

// StartTrialRequest is the body of POST /v1/subscription/trial.
type StartTrialRequest struct {
	PlanID string `json:"planId" validate:"required,max=64"`
}

// CheckUsageRequest is the body of POST /v1/usage/check.
type CheckUsageRequest struct {
	ResourceType types.ResourceType `json:"resourceType" validate:"required,resource_type"`
}

// CheckoutRequest is the body of POST /v1/checkout.
//
// Redirect URLs are not accepted from the client. They are built from
// DASHBOARD_URL so the endpoint cannot be used as an open redirect.
type CheckoutRequest struct {
	PlanID string `json:"planId" validate:"required,max=64"`
}

// SubscriptionHandler serves subscription info, trials, usage checks,
// checkout and the public plan list.
type SubscriptionHandler struct {
	service      SubscriptionService
	usage        UsageChecker
	plans        PlanLister
	validator    *core.Validator
	dashboardURL string
	logger       *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(
	service SubscriptionService,
	usage UsageChecker,
	plans PlanLister,
	validator *core.Validator,
	dashboardURL string,
	logger *slog.Logger,
) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{
		service:      service,
		usage:        usage,
		plans:        plans,
		validator:    validator,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
		logger:       logger,
	}
}

// RegisterPublicRoutes mounts routes that need no authentication.
func (h *SubscriptionHandler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/plans", h.ListPlans)
}

// RegisterRoutes mounts the authenticated routes.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/subscription", h.GetSubscription)
	r.Post("/subscription/trial", h.StartTrial)
	r.Post("/usage/check", h.CheckUsage)
	r.Post("/checkout", h.CreateCheckout)
}

// ListPlans handles GET /v1/plans.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.ListPlans(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, plans)
}

// GetSubscription handles GET /v1/subscription.
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	info, err := h.service.GetSubscriptionInfo(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, info)
}

// StartTrial handles POST /v1/subscription/trial. Rejections are 400 with
// details.reason naming why.
func (h *SubscriptionHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req StartTrialRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.service.StartTrial(r.Context(), userID, req.PlanID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusCreated, sub)
}

// CheckUsage handles POST /v1/usage/check.
func (h *SubscriptionHandler) CheckUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req CheckUsageRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := h.usage.CheckQuota(r.Context(), userID, req.ResourceType)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, snap)
}

// CreateCheckout handles POST /v1/checkout.
func (h *SubscriptionHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.BeginCheckout(r.Context(), userID, req.PlanID, h.redirectURLs())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, result)
}

func (h *SubscriptionHandler) redirectURLs() types.RedirectURLs {
	return types.RedirectURLs{
		Success: h.dashboardURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		Cancel:  h.dashboardURL + "/pricing",
	}
}

func (h *SubscriptionHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := types.GetUserID(r.Context())
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return "", false
	}
	return userID, true
}
