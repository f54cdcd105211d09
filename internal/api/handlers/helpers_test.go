package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"toeicprep/internal/billing"
	"toeicprep/internal/config"
	"toeicprep/internal/core"
	"toeicprep/internal/external"
	"toeicprep/internal/memstore"
	"toeicprep/internal/types"
)

const (
	testWebhookSecret = "whsec_handlers"
	testAdminKey      = "admin-key"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// apiEnv is the full API over real billing components and in-memory stores.
type apiEnv struct {
	clock    *types.FixedClock
	subs     *memstore.SubscriptionStore
	events   *memstore.EventLog
	enforcer *billing.Enforcer
	service  *billing.Service
	checkout *external.StubCheckout
	ai       *fakeForwarder
	handler  http.Handler
}

type envOption func(*envDeps)

type envDeps struct {
	reconciler EventReconciler
}

func withReconciler(r EventReconciler) envOption {
	return func(d *envDeps) { d.reconciler = r }
}

func newAPIEnv(t *testing.T, opts ...envOption) *apiEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := &apiEnv{clock: &types.FixedClock{T: t0}, ai: &fakeForwarder{status: http.StatusOK}}
	plans := memstore.NewPlanStore()
	require.NoError(t, billing.SeedCatalog(ctx, plans, map[string]string{
		billing.PlanBasicMonthly:   "price_basic",
		billing.PlanPremiumMonthly: "price_premium",
		billing.PlanPremiumYearly:  "price_premium_y",
	}, logger))

	e.subs = memstore.NewSubscriptionStore(e.clock)
	e.events = memstore.NewEventLog()
	quotas := memstore.NewQuotaStore(24*time.Hour, e.clock)
	catalog := billing.NewCachedCatalog(plans, time.Minute, logger)
	e.enforcer = billing.NewEnforcer(e.subs, quotas, catalog, e.clock, billing.EnforcerConfig{
		Location:    time.UTC,
		Timeout:     200 * time.Millisecond,
		TrialPlanID: billing.PlanPremiumMonthly,
		UpgradeURL:  "https://app.test/pricing",
	}, nil, logger)
	e.checkout = external.NewStubCheckout(logger)
	e.service = billing.NewService(e.subs, catalog, e.enforcer, e.checkout, nil, e.clock,
		billing.ServiceConfig{TrialDuration: 72 * time.Hour}, logger)

	deps := &envDeps{
		reconciler: billing.NewReconciler(e.subs, catalog, e.enforcer, billing.ReconcilerDeps{Events: e.events}, e.clock, logger),
	}
	for _, opt := range opts {
		opt(deps)
	}

	srv, err := core.NewServer(&config.Config{Environment: "local"}, logger)
	require.NoError(t, err)
	srv.Authenticator = &core.MockAuthenticator{
		ResolveTokenFunc: func(_ context.Context, token string) (*types.Principal, error) {
			return &types.Principal{UserID: token}, nil
		},
	}
	srv.Admin = &core.MockAdminVerifier{Key: testAdminKey}

	subHandler := NewSubscriptionHandler(e.service, e.enforcer, catalog, srv.Validator, "https://app.test/", logger)
	adminHandler := NewAdminHandler(e.service, srv.Validator, logger)
	webhookHandler := NewStripeWebhookHandler(external.NewStripeVerifier(testWebhookSecret, 0), deps.reconciler, logger)
	aiHandler := NewAIProxyHandler(e.ai, func(res types.ResourceType, f types.Feature) func(http.Handler) http.Handler {
		return srv.RequireFeature(e.enforcer, res, f)
	}, logger)

	srv.PublicRoutes = append(srv.PublicRoutes, subHandler.RegisterPublicRoutes)
	srv.UserRoutes = append(srv.UserRoutes, subHandler.RegisterRoutes, aiHandler.RegisterRoutes)
	srv.AdminRoutes = append(srv.AdminRoutes, adminHandler.RegisterRoutes)
	srv.WebhookRoutes = append(srv.WebhookRoutes, webhookHandler.RegisterRoutes)
	srv.MountRoutes()

	e.handler = srv.Handler()
	return e
}

// do sends a request as userID ("" sends no Authorization header).
func (e *apiEnv) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		raw, _ := json.Marshal(b)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+userID)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) subscription(t *testing.T, userID string) *types.Subscription {
	t.Helper()
	sub, err := e.subs.GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	return sub
}

func (e *apiEnv) activeBasic(t *testing.T, userID string) {
	t.Helper()
	end := t0.AddDate(0, 0, 20)
	require.NoError(t, e.subs.Create(context.Background(), &types.Subscription{
		ID:                 "sub-" + userID,
		UserID:             userID,
		PlanID:             billing.PlanBasicMonthly,
		Status:             types.SubStatusActive,
		CurrentPeriodStart: types.TimePtr(end.AddDate(0, -1, 0)),
		CurrentPeriodEnd:   types.TimePtr(end),
	}))
}

func (e *apiEnv) used(t *testing.T, userID string, resource types.ResourceType) int {
	t.Helper()
	snap, err := e.enforcer.CheckQuota(context.Background(), userID, resource)
	require.NoError(t, err)
	return snap.Used
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env dataEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) core.ErrorDetail {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

// fakeForwarder stands in for the AI service.
type fakeForwarder struct {
	status int
	err    error
	calls  []string
}

func (f *fakeForwarder) Forward(_ context.Context, path, userID string, body []byte) (*external.AIResponse, error) {
	f.calls = append(f.calls, path+"|"+userID+"|"+string(body))
	if f.err != nil {
		return nil, f.err
	}
	return &external.AIResponse{
		Status:      f.status,
		ContentType: "application/json",
		Body:        []byte(`{"questions":[]}`),
	}, nil
}
