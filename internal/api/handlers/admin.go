package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"toeicprep/internal/billing"
	"toeicprep/internal/core"
	"toeicprep/internal/types"
)

// SubscriptionOverrider applies operator corrections.
type SubscriptionOverrider interface {
	AdminOverride(ctx context.Context, userID string, o billing.AdminOverride) (*types.Subscription, error)
}

// AdminOverrideRequest is the body of PUT /v1/admin/subscriptions/{userID}.
// At least one field must be set.
type AdminOverrideRequest struct {
	Status           types.SubscriptionStatus `json:"status" validate:"omitempty,sub_status"`
	PlanID           string                   `json:"planId" validate:"omitempty,max=64"`
	CurrentPeriodEnd *time.Time               `json:"currentPeriodEnd"`
}

// AdminHandler serves operator endpoints. It is mounted behind
// core.AdminMiddleware.
type AdminHandler struct {
	service   SubscriptionOverrider
	validator *core.Validator
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(service SubscriptionOverrider, validator *core.Validator, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{service: service, validator: validator, logger: logger}
}

// RegisterRoutes mounts the admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Put("/subscriptions/{userID}", h.OverrideSubscription)
}

// OverrideSubscription handles PUT /v1/admin/subscriptions/{userID}.
func (h *AdminHandler) OverrideSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "userID is required", nil))
		return
	}

	var req AdminOverrideRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Status == "" && req.PlanID == "" && req.CurrentPeriodEnd == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"one of status, planId or currentPeriodEnd is required", nil))
		return
	}

	sub, err := h.service.AdminOverride(r.Context(), userID, billing.AdminOverride{
		Status:           req.Status,
		PlanID:           req.PlanID,
		CurrentPeriodEnd: req.CurrentPeriodEnd,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "admin override applied",
		"user_id", userID,
		"status", sub.Status,
		"plan_id", sub.PlanID,
	)
	core.Data(w, r, http.StatusOK, sub)
}
