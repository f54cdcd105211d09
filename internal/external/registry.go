package external

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"toeicprep/internal/config"
	"toeicprep/internal/types"
)

// PaymentProvider is everything the service needs from Stripe outside the
// webhook: hosted checkout, session lookup for the sweep and period lookup
// for the reconciler.
type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*types.CheckoutSession, error)
	SubscriptionPeriod(ctx context.Context, subscriptionID string) (time.Time, time.Time, error)
}

// ClientRegistry holds the vendor clients of one process.
type ClientRegistry struct {
	Payments PaymentProvider
	Webhooks EventVerifier
	// AI is nil when AI_SERVICE_URL is unset; the gated AI routes are then not mounted.
	AI *AIClient
}

// NewClientRegistry builds the vendor clients. APP_ENV=local gets the
// Stripe stubs so the service boots without credentials; the AI client is
// real whenever a URL is configured.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &ClientRegistry{}

	if cfg.Environment == "local" {
		stubLogger := logger.With("mode", "stub")
		stub := NewStubCheckout(stubLogger)
		reg.Payments = stub
		reg.Webhooks = NewStubVerifier(stubLogger)
		logger.Info("external clients in STUB mode", "environment", cfg.Environment)
	} else {
		reg.Payments = NewStripeClient(&http.Client{Timeout: 20 * time.Second}, StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			BaseURL:   cfg.Billing.StripeAPIBase,
			Logger:    logger.With("client", "stripe"),
		})
		reg.Webhooks = NewStripeVerifier(cfg.Billing.StripeWebhookSecret.Unmask(), 0)
	}

	if cfg.AI.ServiceURL != "" {
		reg.AI = NewAIClient(&http.Client{Timeout: cfg.AI.Timeout}, cfg.AI.ServiceURL, logger.With("client", "ai-service"))
	}
	return reg
}
