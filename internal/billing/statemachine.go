package billing

import (
	"time"

	"github.com/google/uuid"

	"toeicprep/internal/types"
)

// The functions in this file are the subscription state machine. They never
// perform I/O and never mutate their inputs; every transition returns a copy.

// DerivePermissions computes what a user may do right now. A nil plan on an
// active row yields the conservative set with ReasonPlanNotFound.
func DerivePermissions(sub *types.Subscription, plan *types.Plan, now time.Time) types.Permissions {
	deny := func(reason types.AccessReason) types.Permissions {
		return types.Permissions{Features: types.ConservativeFeatures(), Reason: reason}
	}

	if sub == nil || sub.Status == types.SubStatusNone || sub.Status == "" {
		return deny(types.ReasonNoSubscription)
	}

	switch sub.Status {
	case types.SubStatusTrialing:
		if sub.TrialEnd != nil && !sub.TrialEnd.Before(now) {
			return types.Permissions{Features: types.FullFeatures(), HasAccess: true}
		}
		return deny(types.ReasonExpired)

	case types.SubStatusActive:
		if periodElapsed(sub, now) {
			return deny(types.ReasonExpired)
		}
		if plan == nil {
			return deny(types.ReasonPlanNotFound)
		}
		return types.Permissions{Features: plan.Features, HasAccess: true}
	}

	if periodElapsed(sub, now) {
		return deny(types.ReasonExpired)
	}
	return deny(types.ReasonSubscriptionInactive)
}

func periodElapsed(sub *types.Subscription, now time.Time) bool {
	return sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(now)
}

// trialLive reports whether a trial window covers now.
func trialLive(sub *types.Subscription, now time.Time) bool {
	return sub != nil && sub.Status == types.SubStatusTrialing &&
		sub.TrialEnd != nil && !sub.TrialEnd.Before(now)
}

// paidLive reports whether a paid period covers now.
func paidLive(sub *types.Subscription, now time.Time) bool {
	return sub != nil && sub.Status == types.SubStatusActive && !periodElapsed(sub, now)
}

// StartTrial grants the one-per-lifetime trial. On rejection the returned
// subscription is nil.
func StartTrial(current *types.Subscription, userID, planID string, now time.Time, duration time.Duration) (*types.Subscription, types.TrialRejection) {
	switch {
	case paidLive(current, now):
		return nil, types.TrialAlreadyPaid
	case trialLive(current, now):
		return nil, types.TrialAlreadyTrialing
	case current.TrialEverGranted():
		return nil, types.TrialAlreadyUsed
	}

	next := newOrClone(current, userID, now)
	end := now.Add(duration)
	next.Status = types.SubStatusTrialing
	next.PlanID = planID
	next.PendingPlanID = ""
	next.TrialStart = types.TimePtr(now)
	next.TrialEnd = types.TimePtr(end)
	next.TrialUsedAt = types.TimePtr(now)
	next.CurrentPeriodStart = types.TimePtr(now)
	next.CurrentPeriodEnd = types.TimePtr(end)
	next.CancelAtPeriodEnd = false
	next.CanceledAt = nil
	return next, ""
}

// BeginCheckout records the plan a checkout attempt proposes. Rows without a
// live grant move to pending; a live trial or paid plan keeps its status until
// the provider confirms payment.
func BeginCheckout(current *types.Subscription, userID, planID string, now time.Time) *types.Subscription {
	next := newOrClone(current, userID, now)
	next.PendingPlanID = planID
	if next.PlanID == "" {
		next.PlanID = planID
	}
	if !trialLive(next, now) && !paidLive(next, now) && next.Status != types.SubStatusPastDue {
		next.Status = types.SubStatusPending
	}
	return next
}

// AttachCheckoutSession records the provider session created for the pending intent.
func AttachCheckoutSession(current *types.Subscription, sessionID, customerID string) *types.Subscription {
	next := current.Clone()
	next.ProviderSessionID = sessionID
	if customerID != "" {
		next.ProviderCustomerID = customerID
	}
	return next
}

func newOrClone(current *types.Subscription, userID string, now time.Time) *types.Subscription {
	if current != nil {
		return current.Clone()
	}
	return &types.Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    types.SubStatusNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition is the result of applying a provider event.
type Transition struct {
	Next *types.Subscription
	// Applied is false when the event was stale or foreign and only
	// identifiers (if any) were merged.
	Applied bool
	// Changed reports whether Next differs from the input and must be persisted.
	Changed bool
	// Notify names the lifecycle notification to publish, if any.
	Notify types.LifecycleEvent
}

// ApplyCheckoutCompleted activates the proposed plan. The provider's own
// status is ignored so provider-side trials are never honored. Trial history
// is preserved.
func ApplyCheckoutCompleted(sub *types.Subscription, targetPlanID string, ev *types.ProviderEvent, now time.Time) Transition {
	next := sub.Clone()
	changed := mergeIdentifiers(next, ev, true)
	if isStale(sub, ev, false) {
		return Transition{Next: next, Changed: changed}
	}

	prev := sub.Status
	next.Status = types.SubStatusActive
	next.PlanID = targetPlanID
	next.PendingPlanID = ""
	applyPeriod(next, ev)
	next.CancelAtPeriodEnd = false
	next.CanceledAt = nil
	stamp(next, ev, now)

	t := Transition{Next: next, Applied: true, Changed: true}
	if prev != types.SubStatusActive {
		t.Notify = types.LifecycleActivated
	}
	return t
}

// ApplyPaymentSucceeded confirms a paid period. Pending and past-due rows
// become active; canceled rows stay canceled.
func ApplyPaymentSucceeded(sub *types.Subscription, ev *types.ProviderEvent, now time.Time) Transition {
	next := sub.Clone()
	changed := mergeIdentifiers(next, ev, false)
	if isStale(sub, ev, true) {
		return Transition{Next: next, Changed: changed}
	}

	prev := sub.Status
	switch prev {
	case types.SubStatusPending, types.SubStatusPastDue, types.SubStatusActive, types.SubStatusNone:
		activate(next)
	case types.SubStatusTrialing:
		if next.PendingPlanID != "" {
			activate(next)
		}
	}
	applyPeriod(next, ev)
	next.LastPaymentAt = types.TimePtr(eventTime(ev, now))
	stamp(next, ev, now)

	t := Transition{Next: next, Applied: true, Changed: true}
	if prev != types.SubStatusActive && next.Status == types.SubStatusActive {
		t.Notify = types.LifecycleActivated
	}
	return t
}

// ApplyPaymentFailed moves an active row into dunning.
func ApplyPaymentFailed(sub *types.Subscription, ev *types.ProviderEvent, now time.Time) Transition {
	next := sub.Clone()
	changed := mergeIdentifiers(next, ev, false)
	if isStale(sub, ev, true) {
		return Transition{Next: next, Changed: changed}
	}

	t := Transition{Next: next, Applied: true, Changed: true}
	if sub.Status == types.SubStatusActive {
		next.Status = types.SubStatusPastDue
		t.Notify = types.LifecyclePaymentFailed
	}
	stamp(next, ev, now)
	return t
}

// ApplySubscriptionUpdated mirrors the provider status onto the row. Plan
// identity is never taken from the provider.
func ApplySubscriptionUpdated(sub *types.Subscription, ev *types.ProviderEvent, now time.Time) Transition {
	next := sub.Clone()
	changed := mergeIdentifiers(next, ev, false)
	if isStale(sub, ev, true) {
		return Transition{Next: next, Changed: changed}
	}

	prev := sub.Status
	mapped, known := MapProviderStatus(ev.ProviderStatus)
	if known && prev != types.SubStatusCanceled {
		switch mapped {
		case types.SubStatusActive:
			activate(next)
		case types.SubStatusPending:
			// incomplete never downgrades a live grant
			if prev == types.SubStatusPending || prev == types.SubStatusNone {
				next.Status = types.SubStatusPending
			}
		case types.SubStatusCanceled:
			next.Status = types.SubStatusCanceled
			next.CanceledAt = types.TimePtr(canceledAt(ev, now))
		default:
			next.Status = mapped
		}
	}
	applyPeriod(next, ev)
	if next.Status != types.SubStatusCanceled {
		next.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	}
	stamp(next, ev, now)

	return Transition{Next: next, Applied: true, Changed: true, Notify: statusNotification(prev, next.Status)}
}

// ApplySubscriptionDeleted cancels the row. Deletion ignores event ordering;
// only a delete for a different provider subscription is skipped.
func ApplySubscriptionDeleted(sub *types.Subscription, ev *types.ProviderEvent, now time.Time) Transition {
	next := sub.Clone()
	changed := mergeIdentifiers(next, ev, false)
	if foreign(sub, ev) {
		return Transition{Next: next, Changed: changed}
	}

	prev := sub.Status
	next.Status = types.SubStatusCanceled
	next.CancelAtPeriodEnd = false
	if next.CanceledAt == nil || prev != types.SubStatusCanceled {
		next.CanceledAt = types.TimePtr(canceledAt(ev, now))
	}
	stamp(next, ev, now)

	t := Transition{Next: next, Applied: true, Changed: true}
	if prev != types.SubStatusCanceled {
		t.Notify = types.LifecycleCanceled
	}
	return t
}

// AdminOverride is an operator-initiated correction.
type AdminOverride struct {
	Status           types.SubscriptionStatus
	PlanID           string
	CurrentPeriodEnd *time.Time
}

// ApplyAdminOverride sets status, plan and period end. Trial history is never cleared.
func ApplyAdminOverride(current *types.Subscription, userID string, o AdminOverride, now time.Time) *types.Subscription {
	next := newOrClone(current, userID, now)
	if o.Status != "" {
		next.Status = o.Status
		if o.Status == types.SubStatusCanceled && next.CanceledAt == nil {
			next.CanceledAt = types.TimePtr(now)
		}
	}
	if o.PlanID != "" {
		next.PlanID = o.PlanID
		next.PendingPlanID = ""
	}
	if o.CurrentPeriodEnd != nil {
		if next.CurrentPeriodStart == nil {
			next.CurrentPeriodStart = types.TimePtr(now)
		}
		next.CurrentPeriodEnd = types.TimePtr(*o.CurrentPeriodEnd)
	}
	return next
}

// MapProviderStatus translates a provider subscription status. Provider
// trials map to active because trials are only ever granted locally.
func MapProviderStatus(status string) (types.SubscriptionStatus, bool) {
	switch status {
	case "active", "trialing":
		return types.SubStatusActive, true
	case "past_due", "unpaid", "paused":
		return types.SubStatusPastDue, true
	case "canceled", "incomplete_expired":
		return types.SubStatusCanceled, true
	case "incomplete":
		return types.SubStatusPending, true
	}
	return "", false
}

func activate(next *types.Subscription) {
	if next.PendingPlanID != "" {
		next.PlanID = next.PendingPlanID
		next.PendingPlanID = ""
	}
	if next.PlanID == "" {
		return
	}
	next.Status = types.SubStatusActive
	next.CanceledAt = nil
}

// isStale reports whether ev must not drive a status transition. Events older
// than the last applied one are stale, as are events for another provider
// subscription. When checkPeriod is set, a provider period ending before the
// row's paid period is stale too.
func isStale(sub *types.Subscription, ev *types.ProviderEvent, checkPeriod bool) bool {
	if sub.LastEventAt != nil && !ev.Created.IsZero() && ev.Created.Before(*sub.LastEventAt) {
		return true
	}
	if checkPeriod && foreign(sub, ev) {
		return true
	}
	if checkPeriod && ev.PeriodEnd != nil && sub.CurrentPeriodEnd != nil {
		switch sub.Status {
		case types.SubStatusActive, types.SubStatusPastDue, types.SubStatusCanceled:
			return ev.PeriodEnd.Before(*sub.CurrentPeriodEnd)
		}
	}
	return false
}

func foreign(sub *types.Subscription, ev *types.ProviderEvent) bool {
	return sub.ProviderSubscriptionID != "" && ev.SubscriptionID != "" &&
		sub.ProviderSubscriptionID != ev.SubscriptionID
}

// mergeIdentifiers copies provider ids onto next. Checkout completion
// establishes a new provider subscription and may replace ids; other events
// only fill empty ones.
func mergeIdentifiers(next *types.Subscription, ev *types.ProviderEvent, replace bool) bool {
	changed := false
	set := func(dst *string, v string) {
		if v == "" || *dst == v {
			return
		}
		if *dst == "" || replace {
			*dst = v
			changed = true
		}
	}
	set(&next.ProviderCustomerID, ev.CustomerID)
	set(&next.ProviderSubscriptionID, ev.SubscriptionID)
	set(&next.ProviderSessionID, ev.SessionID)
	return changed
}

func applyPeriod(next *types.Subscription, ev *types.ProviderEvent) {
	if ev.PeriodStart != nil {
		next.CurrentPeriodStart = types.TimePtr(*ev.PeriodStart)
	}
	if ev.PeriodEnd != nil {
		next.CurrentPeriodEnd = types.TimePtr(*ev.PeriodEnd)
	}
}

func stamp(next *types.Subscription, ev *types.ProviderEvent, now time.Time) {
	at := eventTime(ev, now)
	next.LastEventID = ev.ID
	next.LastEventType = ev.Type
	if next.LastEventAt == nil || at.After(*next.LastEventAt) {
		next.LastEventAt = types.TimePtr(at)
	}
}

func eventTime(ev *types.ProviderEvent, now time.Time) time.Time {
	if ev.Created.IsZero() {
		return now
	}
	return ev.Created
}

func canceledAt(ev *types.ProviderEvent, now time.Time) time.Time {
	if ev.CanceledAt != nil {
		return *ev.CanceledAt
	}
	return eventTime(ev, now)
}

func statusNotification(prev, next types.SubscriptionStatus) types.LifecycleEvent {
	if prev == next {
		return ""
	}
	switch next {
	case types.SubStatusActive:
		return types.LifecycleActivated
	case types.SubStatusPastDue:
		return types.LifecyclePaymentFailed
	case types.SubStatusCanceled:
		return types.LifecycleCanceled
	}
	return ""
}
