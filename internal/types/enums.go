package types

// SubscriptionStatus is the local lifecycle state of a user's subscription.
// "Expired" is not stored; it is derived from the period and trial windows.
type SubscriptionStatus string

const (
	SubStatusNone     SubscriptionStatus = "none"
	SubStatusPending  SubscriptionStatus = "pending"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
)

// Valid reports whether s is one of the stored statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubStatusNone, SubStatusPending, SubStatusTrialing,
		SubStatusActive, SubStatusPastDue, SubStatusCanceled:
		return true
	}
	return false
}

// BillingInterval is how often a plan is charged.
type BillingInterval string

const (
	IntervalNone  BillingInterval = "none"
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// ResourceType identifies a metered resource with its own quota counter.
type ResourceType string

const (
	ResourceDailyPractice ResourceType = "daily_practice"
	ResourceDailyAIChat   ResourceType = "daily_ai_chat"
)

// MeteredResources lists every resource the quota enforcer tracks, in display order.
var MeteredResources = []ResourceType{ResourceDailyPractice, ResourceDailyAIChat}

// Valid reports whether r is a metered resource.
func (r ResourceType) Valid() bool {
	for _, m := range MeteredResources {
		if m == r {
			return true
		}
	}
	return false
}

// Feature names a single flag of FeatureFlags.
type Feature string

const (
	FeatureAIPractice   Feature = "aiPractice"
	FeatureAIChat       Feature = "aiChat"
	FeatureVocabulary   Feature = "vocabulary"
	FeatureExportData   Feature = "exportData"
	FeatureViewMistakes Feature = "viewMistakes"
)

// AccessReason explains why DerivePermissions withheld paid access.
type AccessReason string

const (
	ReasonNone                 AccessReason = ""
	ReasonNoSubscription       AccessReason = "NO_SUBSCRIPTION"
	ReasonSubscriptionInactive AccessReason = "SUBSCRIPTION_INACTIVE"
	ReasonExpired              AccessReason = "EXPIRED"
	ReasonPlanNotFound         AccessReason = "PLAN_NOT_FOUND"
)

// TrialRejection is the reason a trial could not be granted.
type TrialRejection string

const (
	TrialAlreadyPaid     TrialRejection = "ALREADY_PAID"
	TrialAlreadyTrialing TrialRejection = "ALREADY_TRIALING"
	TrialAlreadyUsed     TrialRejection = "TRIAL_ALREADY_USED"
)

// DenialCode is the machine-readable errorCode returned by the feature gate.
type DenialCode string

const (
	DenialSubscriptionRequired DenialCode = "SUBSCRIPTION_REQUIRED"
	DenialUsageLimitExceeded   DenialCode = "USAGE_LIMIT_EXCEEDED"
	DenialQuotaUnavailable     DenialCode = "QUOTA_CHECK_UNAVAILABLE"
)

// LifecycleEvent names a notification published when a subscription changes.
type LifecycleEvent string

const (
	LifecycleTrialStarted  LifecycleEvent = "trial_started"
	LifecycleActivated     LifecycleEvent = "subscription_activated"
	LifecyclePaymentFailed LifecycleEvent = "payment_failed"
	LifecycleCanceled      LifecycleEvent = "subscription_canceled"
)

// Provider webhook event types handled by the reconciler.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventInvoicePaid         = "invoice.paid"
	EventPaymentFailed       = "invoice.payment_failed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)
