package external

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"toeicprep/internal/types"
)

const maxAIResponseSize = 4 << 20

// AIResponse is the AI service's answer, relayed to the client unchanged.
type AIResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// AIClient forwards gated practice and chat requests to the AI generation
// service.
type AIClient struct {
	base    *BaseClient
	baseURL string
	logger  *slog.Logger
}

// NewAIClient creates an AIClient with its own "ai-service" breaker.
// Generation is not idempotent, so 5xx answers are not retried.
func NewAIClient(httpClient *http.Client, baseURL string, logger *slog.Logger, opts ...BaseClientOption) *AIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]BaseClientOption{WithUpstreamCode(types.ErrCodeUpstreamAIService)}, opts...)
	return &AIClient{
		base:    NewBaseClient(httpClient, "ai-service", RetryPolicy{}, "toeicprep-billing/1.0", logger, opts...),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Forward posts body to path on the AI service on behalf of userID. Client
// errors (4xx) are relayed; an unreachable or failing service yields
// upstream_ai_service_unavailable.
func (c *AIClient) Forward(ctx context.Context, path, userID string, body []byte) (*AIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build AI request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", userID)

	resp, err := c.base.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "AI service call failed", "path", path, "user_id", userID, "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxAIResponseSize))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamAIService, "failed to read AI response", err)
	}
	return &AIResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        out,
	}, nil
}
