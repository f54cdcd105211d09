package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"toeicprep/internal/billing"
	"toeicprep/internal/core"
	"toeicprep/internal/external"
	"toeicprep/internal/types"
)

// maxWebhookBodySize is the maximum accepted Stripe webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// EventReconciler applies a verified provider event.
type EventReconciler interface {
	HandleEvent(ctx context.Context, ev *types.ProviderEvent) (billing.ReconcileOutcome, error)
}

// WebhookAck is the body returned to the provider.
type WebhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// StripeWebhookHandler receives Stripe events. It is not behind the auth
// middleware; the Stripe-Signature header authenticates the call.
type StripeWebhookHandler struct {
	verifier   external.EventVerifier
	reconciler EventReconciler
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(verifier external.EventVerifier, reconciler EventReconciler, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{verifier: verifier, reconciler: reconciler, logger: logger}
}

// RegisterRoutes mounts the endpoint under the /webhooks group.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe", h.Handle)
}

// Handle verifies and applies one event.
//
// Bad or missing signatures are 401. Events that verify but cannot be used
// (undecodable object, missing metadata, unknown user, stale) are
// acknowledged with 200 so the provider stops redelivering. Only a failed
// subscription write answers 500, which makes the provider retry.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationWebhookPayload, "failed to read request body", err))
		return
	}

	ev, err := h.verifier.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if types.HasCode(err, types.ErrCodeValidationWebhookPayload) {
			h.logger.WarnContext(r.Context(), "dropping undecodable webhook event", "error", err)
			core.Data(w, r, http.StatusOK, WebhookAck{Received: true, Outcome: string(billing.ReconcileMalformed)})
			return
		}
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", ev.ID,
		"event_type", ev.Type,
	)

	// Finish the write even if the provider disconnects.
	outcome, err := h.reconciler.HandleEvent(context.WithoutCancel(r.Context()), ev)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalDB, "webhook processing failed", err))
		return
	}
	core.Data(w, r, http.StatusOK, WebhookAck{Received: true, Outcome: string(outcome)})
}
