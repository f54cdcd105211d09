package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"toeicprep/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// Metadata keys written on checkout sessions and their subscriptions. The
// webhook reconciler trusts only these for user and plan identity.
const (
	MetadataUserID = "userId"
	MetadataPlanID = "planId"
)

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // defaults to the public Stripe API
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API through BaseClient. It
// implements billing.CheckoutProvider and billing.PeriodLookup.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with its own "stripe" breaker.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	opts = append([]BaseClientOption{WithUpstreamCode(types.ErrCodeUpstreamStripe)}, opts...)
	return &StripeClient{
		base:      NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "toeicprep-billing/1.0", logger, opts...),
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCheckoutSession creates a subscription-mode hosted checkout. The
// user and plan ids are written to the session metadata and copied onto the
// subscription so that later invoice and subscription events carry them too.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			"plan "+req.PlanID+" has no provider price configured", nil)
	}

	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", req.UserID)
	params.Set("success_url", req.SuccessURL)
	params.Set("cancel_url", req.CancelURL)
	params.Set("line_items[0][price]", req.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("metadata["+MetadataUserID+"]", req.UserID)
	params.Set("metadata["+MetadataPlanID+"]", req.PlanID)
	params.Set("subscription_data[metadata]["+MetadataUserID+"]", req.UserID)
	params.Set("subscription_data[metadata]["+MetadataPlanID+"]", req.PlanID)
	if req.CustomerID != "" {
		params.Set("customer", req.CustomerID)
	}

	var session stripeCheckoutSession
	if err := s.call(ctx, http.MethodPost, "/v1/checkout/sessions", params, "CreateCheckoutSession", &session); err != nil {
		return nil, err
	}
	return session.toDomain(), nil
}

// GetCheckoutSession fetches a checkout session by id.
func (s *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*types.CheckoutSession, error) {
	var session stripeCheckoutSession
	if err := s.call(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, "GetCheckoutSession", &session); err != nil {
		return nil, err
	}
	return session.toDomain(), nil
}

// SubscriptionPeriod returns the current billing period of a subscription.
// Newer API versions moved the period onto subscription items; both shapes
// are read.
func (s *StripeClient) SubscriptionPeriod(ctx context.Context, subscriptionID string) (time.Time, time.Time, error) {
	var sub stripeSubscription
	if err := s.call(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, "SubscriptionPeriod", &sub); err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, end := sub.period()
	if start == nil || end == nil {
		return time.Time{}, time.Time{}, types.NewAppError(types.ErrCodeUpstreamStripe,
			"subscription "+subscriptionID+" has no current period", nil)
	}
	return *start, *end, nil
}

func (s *StripeClient) call(ctx context.Context, method, path string, params url.Values, operation string, out any) error {
	reqURL := s.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := s.base.Do(req)
	if err != nil {
		s.logger.ErrorContext(ctx, "stripe request failed", "operation", operation, "error", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.errorResponse(ctx, resp, operation)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, operation+": undecodable response", err)
	}
	return nil
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

// errorResponse maps a non-200 Stripe answer. Invalid request errors keep
// the provider message for operators but surface as a generic upstream failure.
func (s *StripeClient) errorResponse(ctx context.Context, resp *http.Response, operation string) error {
	var body stripeErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	s.logger.WarnContext(ctx, "stripe returned an error",
		"operation", operation,
		"status", resp.StatusCode,
		"stripe_type", body.Error.Type,
		"stripe_code", body.Error.Code,
		"param", body.Error.Param,
	)

	details := map[string]any{"stripe_code": body.Error.Code}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: resource not found", operation), nil, details)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: stripe rejected the credentials", operation), nil, details)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: stripe returned %d: %s", operation, resp.StatusCode, body.Error.Message), nil, details)
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	Customer      stripeRef         `json:"customer"`
	Subscription  stripeRef         `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
	Created       int64             `json:"created"`
}

func (s *stripeCheckoutSession) toDomain() *types.CheckoutSession {
	return &types.CheckoutSession{
		ID:             s.ID,
		URL:            s.URL,
		Status:         s.Status,
		PaymentStatus:  s.PaymentStatus,
		CustomerID:     string(s.Customer),
		SubscriptionID: string(s.Subscription),
		Metadata:       s.Metadata,
		Created:        unixTime(s.Created),
	}
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           stripeRef         `json:"customer"`
	Metadata           map[string]string `json:"metadata"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s *stripeSubscription) period() (*time.Time, *time.Time) {
	if s.CurrentPeriodEnd > 0 {
		return timePtr(s.CurrentPeriodStart), timePtr(s.CurrentPeriodEnd)
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return timePtr(item.CurrentPeriodStart), timePtr(item.CurrentPeriodEnd)
		}
	}
	return nil, nil
}

// stripeRef decodes a field that is either an id string or an expanded object.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*r = stripeRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = stripeRef(obj.ID)
	return nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func timePtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := unixTime(sec)
	return &t
}
