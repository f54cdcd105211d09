package external

import (
	"encoding/json"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"toeicprep/internal/types"
)

// EventVerifier authenticates a webhook delivery and reduces it to a
// ProviderEvent.
type EventVerifier interface {
	ParseEvent(payload []byte, signatureHeader string) (*types.ProviderEvent, error)
}

// StripeVerifier checks the Stripe-Signature HMAC and timestamp tolerance
// with stripe-go and then translates the event object.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for one endpoint signing secret.
// A zero tolerance uses the library default of five minutes.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// ParseEvent verifies the signature and translates the event. A missing
// header is auth_token_missing, any other signature failure is
// auth_token_invalid and undecodable objects are validation_webhook_payload.
// Events from any API version are accepted.
func (v *StripeVerifier) ParseEvent(payload []byte, signatureHeader string) (*types.ProviderEvent, error) {
	if signatureHeader == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Stripe-Signature header", nil)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err)
	}
	return TranslateEvent(ev)
}

// TranslateEvent reduces a Stripe event to the fields the reconciler uses.
// Both the legacy payload shapes and the current ones (invoice parent,
// period on subscription items) are understood. Unhandled types come back
// with only the envelope populated.
func TranslateEvent(ev stripe.Event) (*types.ProviderEvent, error) {
	out := &types.ProviderEvent{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: unixTime(ev.Created),
	}
	if ev.Data == nil {
		return out, nil
	}
	raw := ev.Data.Raw

	var err error
	switch out.Type {
	case types.EventCheckoutCompleted:
		err = translateSession(raw, out)
	case types.EventPaymentSucceeded, types.EventInvoicePaid, types.EventPaymentFailed:
		err = translateInvoice(raw, out)
	case types.EventSubscriptionUpdated, types.EventSubscriptionDeleted:
		err = translateSubscription(raw, out)
	}
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationWebhookPayload,
			"undecodable webhook object", err, map[string]any{"event_id": ev.ID, "event_type": out.Type})
	}
	return out, nil
}

func translateSession(raw json.RawMessage, out *types.ProviderEvent) error {
	var s stripeCheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	out.SessionID = s.ID
	out.CustomerID = string(s.Customer)
	out.SubscriptionID = string(s.Subscription)
	out.UserID = s.Metadata[MetadataUserID]
	out.PlanID = s.Metadata[MetadataPlanID]
	return nil
}

type stripeInvoice struct {
	ID       string    `json:"id"`
	Customer stripeRef `json:"customer"`

	// Legacy shape.
	Subscription        stripeRef `json:"subscription"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`

	// Current shape.
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription stripeRef         `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`

	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func translateInvoice(raw json.RawMessage, out *types.ProviderEvent) error {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	out.CustomerID = string(inv.Customer)

	var metadata map[string]string
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		out.SubscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
		metadata = inv.Parent.SubscriptionDetails.Metadata
	}
	if out.SubscriptionID == "" {
		out.SubscriptionID = string(inv.Subscription)
	}
	if metadata == nil && inv.SubscriptionDetails != nil {
		metadata = inv.SubscriptionDetails.Metadata
	}
	out.UserID = metadata[MetadataUserID]

	for _, line := range inv.Lines.Data {
		if line.Period.End > 0 {
			out.PeriodStart = timePtr(line.Period.Start)
			out.PeriodEnd = timePtr(line.Period.End)
			break
		}
	}
	return nil
}

func translateSubscription(raw json.RawMessage, out *types.ProviderEvent) error {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	out.SubscriptionID = sub.ID
	out.CustomerID = string(sub.Customer)
	out.UserID = sub.Metadata[MetadataUserID]
	out.ProviderStatus = sub.Status
	out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	out.CanceledAt = timePtr(sub.CanceledAt)
	out.PeriodStart, out.PeriodEnd = sub.period()
	return nil
}
