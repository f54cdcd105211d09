package types

import (
	"context"
	"testing"
	"time"
)

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if GetUserID(ctx) != "" {
		t.Error("GetUserID should be empty without a principal")
	}

	ctx = WithPrincipal(ctx, Principal{UserID: "user_1", IsAdmin: true})
	p, ok := GetPrincipal(ctx)
	if !ok {
		t.Fatal("GetPrincipal should find the stored principal")
	}
	if p.UserID != "user_1" || !p.IsAdmin {
		t.Errorf("principal = %+v", p)
	}
	if GetUserID(ctx) != "user_1" {
		t.Errorf("GetUserID = %q", GetUserID(ctx))
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID = %q, want req-123", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty ctx = %q", got)
	}
}

func TestFeatureFlagsHas(t *testing.T) {
	f := ConservativeFeatures()
	if !f.Has(FeatureVocabulary) || !f.Has(FeatureViewMistakes) {
		t.Error("conservative features must keep vocabulary and viewMistakes")
	}
	if f.Has(FeatureAIPractice) || f.Has(FeatureAIChat) || f.Has(FeatureExportData) {
		t.Error("conservative features must not unlock paid features")
	}
	if f.Has(Feature("unknown")) {
		t.Error("unknown features are always false")
	}

	full := FullFeatures()
	for _, feat := range []Feature{FeatureAIPractice, FeatureAIChat, FeatureVocabulary, FeatureExportData, FeatureViewMistakes} {
		if !full.Has(feat) {
			t.Errorf("FullFeatures missing %s", feat)
		}
	}
}

func TestSubscriptionClone(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := &Subscription{UserID: "u", TrialEnd: &end}

	c := orig.Clone()
	*c.TrialEnd = end.Add(time.Hour)

	if !orig.TrialEnd.Equal(end) {
		t.Error("Clone must not alias time pointers")
	}
	if !orig.TrialEverGranted() {
		t.Error("TrialEverGranted should see TrialEnd")
	}
	if (&Subscription{}).TrialEverGranted() {
		t.Error("fresh subscription has no trial history")
	}
}

func TestPlanLimitsFor(t *testing.T) {
	l := PlanLimits{DailyPracticeLimit: IntPtr(5)}
	if got := l.For(ResourceDailyPractice); got == nil || *got != 5 {
		t.Errorf("practice limit = %v", got)
	}
	if got := l.For(ResourceDailyAIChat); got != nil {
		t.Errorf("nil chat limit means unlimited, got %v", *got)
	}
	if got := l.For(ResourceType("bogus")); got == nil || *got != 0 {
		t.Error("unknown resources get a zero limit")
	}
}
