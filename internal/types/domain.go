package types

import "time"

// FeatureFlags is the explicit permission record. Every field is always
// present; the zero value denies everything.
type FeatureFlags struct {
	AIPractice   bool `json:"aiPractice"`
	AIChat       bool `json:"aiChat"`
	Vocabulary   bool `json:"vocabulary"`
	ExportData   bool `json:"exportData"`
	ViewMistakes bool `json:"viewMistakes"`
}

// Has reports whether the named feature is enabled. Unknown names are false.
func (f FeatureFlags) Has(feature Feature) bool {
	switch feature {
	case FeatureAIPractice:
		return f.AIPractice
	case FeatureAIChat:
		return f.AIChat
	case FeatureVocabulary:
		return f.Vocabulary
	case FeatureExportData:
		return f.ExportData
	case FeatureViewMistakes:
		return f.ViewMistakes
	}
	return false
}

// ConservativeFeatures is what every user keeps regardless of billing state.
func ConservativeFeatures() FeatureFlags {
	return FeatureFlags{Vocabulary: true, ViewMistakes: true}
}

// FullFeatures unlocks everything. Trials grant this regardless of plan.
func FullFeatures() FeatureFlags {
	return FeatureFlags{
		AIPractice:   true,
		AIChat:       true,
		Vocabulary:   true,
		ExportData:   true,
		ViewMistakes: true,
	}
}

// PlanLimits holds per-resource daily limits. A nil pointer means unlimited.
type PlanLimits struct {
	DailyPracticeLimit *int `json:"dailyPracticeLimit"`
	DailyAIChatLimit   *int `json:"dailyAiChatLimit"`
	MaxVocabularyWords *int `json:"maxVocabularyWords"`
}

// For returns the limit that applies to a metered resource.
func (l PlanLimits) For(resource ResourceType) *int {
	switch resource {
	case ResourceDailyPractice:
		return l.DailyPracticeLimit
	case ResourceDailyAIChat:
		return l.DailyAIChatLimit
	}
	zero := 0
	return &zero
}

// Plan is a named billing tier. Immutable once referenced by a live subscription.
type Plan struct {
	ID              string          `json:"id"`
	DisplayName     string          `json:"displayName"`
	PriceCents      int64           `json:"priceCents"`
	Currency        string          `json:"currency"`
	Interval        BillingInterval `json:"interval"`
	Features        FeatureFlags    `json:"features"`
	Limits          PlanLimits      `json:"limits"`
	ProviderPriceID string          `json:"-"`
	CreatedAt       time.Time       `json:"-"`
}

// Clone returns a deep copy, limit pointers included.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Limits = PlanLimits{
		DailyPracticeLimit: cloneInt(p.Limits.DailyPracticeLimit),
		DailyAIChatLimit:   cloneInt(p.Limits.DailyAIChatLimit),
		MaxVocabularyWords: cloneInt(p.Limits.MaxVocabularyWords),
	}
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// IsFree reports whether the plan costs nothing.
func (p *Plan) IsFree() bool {
	return p.PriceCents == 0
}

// Subscription is the single per-user billing/trial record. Rows are never
// hard-deleted and TrialUsedAt is never cleared once set.
type Subscription struct {
	ID     string             `json:"id"`
	UserID string             `json:"userId"`
	PlanID string             `json:"planId"`
	Status SubscriptionStatus `json:"status"`

	// PendingPlanID is the plan proposed by the latest checkout attempt.
	PendingPlanID string `json:"pendingPlanId,omitempty"`

	ProviderCustomerID     string `json:"providerCustomerId,omitempty"`
	ProviderSubscriptionID string `json:"providerSubscriptionId,omitempty"`
	ProviderSessionID      string `json:"providerSessionId,omitempty"`

	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	TrialStart         *time.Time `json:"trialStart,omitempty"`
	TrialEnd           *time.Time `json:"trialEnd,omitempty"`
	TrialUsedAt        *time.Time `json:"-"`
	CancelAtPeriodEnd  bool       `json:"cancelAtPeriodEnd"`
	CanceledAt         *time.Time `json:"canceledAt,omitempty"`
	LastPaymentAt      *time.Time `json:"lastPaymentAt,omitempty"`

	// Provenance of the last applied provider event.
	LastEventID   string     `json:"-"`
	LastEventType string     `json:"-"`
	LastEventAt   *time.Time `json:"-"`

	// Version is the optimistic concurrency token; stores bump it on every write.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TrialEverGranted reports whether this user has consumed their one trial.
func (s *Subscription) TrialEverGranted() bool {
	return s != nil && (s.TrialUsedAt != nil || s.TrialEnd != nil || s.TrialStart != nil)
}

// Clone returns a deep copy so pure transitions never alias the caller's row.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.TrialStart = cloneTime(s.TrialStart)
	c.TrialEnd = cloneTime(s.TrialEnd)
	c.TrialUsedAt = cloneTime(s.TrialUsedAt)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.LastPaymentAt = cloneTime(s.LastPaymentAt)
	c.LastEventAt = cloneTime(s.LastEventAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// Permissions is the output of DerivePermissions.
type Permissions struct {
	Features  FeatureFlags `json:"permissions"`
	HasAccess bool         `json:"hasAccess"`
	Reason    AccessReason `json:"reason,omitempty"`
}

// QuotaPeriod is the half-open window [Start, End) a counter is valid for.
type QuotaPeriod struct {
	Start time.Time
	End   time.Time
}

// QuotaRecord counts usage of one resource by one user in one period.
type QuotaRecord struct {
	UserID       string       `json:"userId"`
	ResourceType ResourceType `json:"resourceType"`
	PeriodStart  time.Time    `json:"periodStart"`
	PeriodEnd    time.Time    `json:"periodEnd"`
	UsedCount    int          `json:"usedCount"`
	LimitCount   *int         `json:"limitCount"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// QuotaSnapshot is the result of a quota check.
type QuotaSnapshot struct {
	ResourceType ResourceType `json:"resourceType"`
	CanUse       bool         `json:"canUse"`
	Used         int          `json:"used"`
	Limit        *int         `json:"limit"`
	Remaining    *int         `json:"remaining"`
	ResetAt      time.Time    `json:"resetAt"`
}

// WebhookEventRecord is the provenance row written for every received provider event.
type WebhookEventRecord struct {
	ID          string
	Type        string
	UserID      string
	Outcome     string
	Error       string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// LifecycleNotification is published to the email service when a
// subscription changes state.
type LifecycleNotification struct {
	Event      LifecycleEvent     `json:"event"`
	UserID     string             `json:"userId"`
	PlanID     string             `json:"planId"`
	Status     SubscriptionStatus `json:"status"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// RedirectURLs are the provider checkout return targets.
type RedirectURLs struct {
	Success string `json:"successUrl" validate:"required,url"`
	Cancel  string `json:"cancelUrl" validate:"required,url"`
}

// ProviderEvent is a payment-provider webhook event reduced to the fields the
// reconciler acts on. Parsing from the provider wire format happens at the
// transport edge.
type ProviderEvent struct {
	ID      string
	Type    string
	Created time.Time

	// UserID and PlanID come from application-assigned metadata only.
	UserID string
	PlanID string

	CustomerID     string
	SubscriptionID string
	SessionID      string

	// ProviderStatus is the provider's own subscription status, mirrored
	// (never trusted for trials) on subscription.updated.
	ProviderStatus string

	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
}

// CheckoutRequest asks the payment provider for a hosted checkout session.
type CheckoutRequest struct {
	UserID     string
	PlanID     string
	PriceID    string
	CustomerID string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's view of a checkout attempt.
type CheckoutSession struct {
	ID             string
	URL            string
	Status         string
	PaymentStatus  string
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
	Created        time.Time
}

// Complete reports whether the provider finished the checkout.
func (s *CheckoutSession) Complete() bool {
	return s.Status == "complete"
}
