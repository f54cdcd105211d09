package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"toeicprep/internal/core"
	"toeicprep/internal/external"
	"toeicprep/internal/types"
)

const maxAIRequestSize = 64 * 1024

// AIForwarder sends a generation request to the AI service.
type AIForwarder interface {
	Forward(ctx context.Context, path, userID string, body []byte) (*external.AIResponse, error)
}

// GateFunc builds the feature-gate middleware for a metered resource,
// normally core.Server.RequireFeature bound to the enforcer.
type GateFunc func(resource types.ResourceType, feature types.Feature) func(http.Handler) http.Handler

// AIProxyHandler relays gated AI requests to the AI service. Usage is
// counted by the gate only when the relayed status is below 400.
type AIProxyHandler struct {
	ai     AIForwarder
	gate   GateFunc
	logger *slog.Logger
}

// NewAIProxyHandler creates an AIProxyHandler.
func NewAIProxyHandler(ai AIForwarder, gate GateFunc, logger *slog.Logger) *AIProxyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AIProxyHandler{ai: ai, gate: gate, logger: logger}
}

// RegisterRoutes mounts the gated routes. Must be called inside the
// authenticated group.
func (h *AIProxyHandler) RegisterRoutes(r chi.Router) {
	r.With(h.gate(types.ResourceDailyPractice, types.FeatureAIPractice)).
		Post("/practice/generate", h.relay("/v1/practice/generate"))
	r.With(h.gate(types.ResourceDailyAIChat, types.FeatureAIChat)).
		Post("/chat", h.relay("/v1/chat"))
}

func (h *AIProxyHandler) relay(upstreamPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAIRequestSize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "failed to read request body", err))
			return
		}

		userID := types.GetUserID(r.Context())
		resp, err := h.ai.Forward(r.Context(), upstreamPath, userID, body)
		if err != nil {
			h.logger.WarnContext(r.Context(), "ai service call failed",
				"user_id", userID,
				"path", upstreamPath,
				"error", err,
			)
			core.Error(w, r, err)
			return
		}

		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
	}
}
