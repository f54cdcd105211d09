package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"toeicprep/internal/types"
)

// StubCheckout stands in for Stripe when APP_ENV=local. Sessions it creates
// are remembered so the pending-checkout sweep can find them, and Complete
// marks one as paid.
type StubCheckout struct {
	logger *slog.Logger

	mu       sync.Mutex
	seq      int
	sessions map[string]*types.CheckoutSession
}

// NewStubCheckout creates a StubCheckout.
func NewStubCheckout(logger *slog.Logger) *StubCheckout {
	return &StubCheckout{logger: logger, sessions: make(map[string]*types.CheckoutSession)}
}

func (s *StubCheckout) CreateCheckoutSession(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("cs_stub_%d", s.seq)
	session := &types.CheckoutSession{
		ID:         id,
		URL:        "https://checkout.stub.local/" + id,
		Status:     "open",
		CustomerID: "cus_stub_" + req.UserID,
		Metadata:   map[string]string{MetadataUserID: req.UserID, MetadataPlanID: req.PlanID},
		Created:    time.Now().UTC(),
	}
	s.sessions[id] = session
	s.logger.InfoContext(ctx, "stub: checkout session created", "user_id", req.UserID, "plan_id", req.PlanID, "session_id", id)
	return session, nil
}

func (s *StubCheckout) GetCheckoutSession(_ context.Context, sessionID string) (*types.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "stub: no such checkout session", nil)
	}
	cp := *session
	return &cp, nil
}

// Complete marks a session as paid, as if the user finished checkout.
func (s *StubCheckout) Complete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if ok {
		session.Status = "complete"
		session.PaymentStatus = "paid"
		session.SubscriptionID = "sub_stub_" + sessionID
	}
	return ok
}

// SubscriptionPeriod reports a one-month period starting now.
func (s *StubCheckout) SubscriptionPeriod(context.Context, string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	return now, now.AddDate(0, 1, 0), nil
}

// StubVerifier accepts unsigned deliveries. Local development only.
type StubVerifier struct {
	logger *slog.Logger
}

// NewStubVerifier creates a StubVerifier.
func NewStubVerifier(logger *slog.Logger) *StubVerifier {
	return &StubVerifier{logger: logger}
}

func (v *StubVerifier) ParseEvent(payload []byte, _ string) (*types.ProviderEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationWebhookPayload, "stub: invalid event JSON", err)
	}
	v.logger.Warn("stub: accepting unsigned webhook", "event_id", ev.ID, "event_type", ev.Type)
	return TranslateEvent(ev)
}
