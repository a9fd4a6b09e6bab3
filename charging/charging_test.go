package charging

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/searchforge/pcf/internal/contract"
)

func premiumProfile() contract.SubscriberProfile {
	return contract.SubscriberProfile{
		SubscriberID: "1234567890",
		IMSI:         "123456789012345",
		PlanName:     "Premium Unlimited",
		PlanType:     contract.PlanPostpaid,
	}
}

func TestWhatsappZeroRatedForAllPlans(t *testing.T) {
	e := NewEngine(NewRegistry(DefaultRules()...), nil)
	sel := e.Select(premiumProfile(), contract.PolicyRequest{
		ServiceType:   "messaging",
		ApplicationID: "whatsapp.com",
	})

	if !sel.ZeroRated {
		t.Fatal("expected whatsapp to be zero-rated")
	}
	if len(sel.Rules) != 2 {
		t.Fatalf("expected application and service rules, got %d", len(sel.Rules))
	}
	if !sel.Rules[0].ZeroRating || sel.Rules[0].AppliesTo != "whatsapp.com" {
		t.Fatalf("expected zero-rated application rule first, got %+v", sel.Rules[0])
	}
	if sel.Rules[1].ZeroRating {
		t.Fatalf("service-wide rule must not inherit an application match: %+v", sel.Rules[1])
	}
}

func TestPlanScopedRuleOnlyForItsPlan(t *testing.T) {
	reg := NewRegistry(DefaultRules()...)
	p := premiumProfile()
	if _, ok := reg.Match(p, "facebook.com", "social"); ok {
		t.Fatal("facebook rule is scoped to the social media plan")
	}
	p.PlanName = "social media plan"
	m, ok := reg.Match(p, "facebook.com", "social")
	if !ok || m.Scope != ScopePlan {
		t.Fatalf("expected plan-scoped match, got %+v ok=%v", m, ok)
	}
}

func TestMatchTieBreaks(t *testing.T) {
	reg := NewRegistry(
		contract.ZeroRatingRule{RuleID: "svc-any", ServiceIdentifier: "video_streaming", Active: true},
		contract.ZeroRatingRule{RuleID: "app-any", ServiceIdentifier: "youtube.com", Active: true},
		contract.ZeroRatingRule{RuleID: "app-plan", ServiceIdentifier: "youtube.com", PlanName: "Premium Unlimited", Active: true},
		contract.ZeroRatingRule{RuleID: "app-plan-late", ServiceIdentifier: "youtube.com", PlanName: "Premium Unlimited", Active: true},
	)
	p := premiumProfile()

	m, ok := reg.Match(p, "YouTube.com", "video_streaming")
	if !ok || m.Rule.RuleID != "app-plan" {
		t.Fatalf("expected earliest plan-scoped application rule, got %+v", m)
	}

	p.ZeroRatedServices = []string{"youtube.com"}
	m, _ = reg.Match(p, "youtube.com", "video_streaming")
	if m.Scope != ScopeSubscriber {
		t.Fatalf("expected subscriber list to win, got %+v", m)
	}

	m, _ = reg.Match(premiumProfile(), "", "video_streaming")
	if m.Rule.RuleID != "svc-any" || m.ByApplication {
		t.Fatalf("expected service-wide rule, got %+v", m)
	}

	reg.SetActive("app-plan", false)
	m, _ = reg.Match(premiumProfile(), "youtube.com", "video_streaming")
	if m.Rule.RuleID != "app-plan-late" {
		t.Fatalf("expected deactivated rule to be skipped, got %+v", m)
	}
}

func TestModesForPlanTypes(t *testing.T) {
	cases := []struct {
		plan            contract.PlanType
		online, offline bool
	}{
		{contract.PlanPrepaid, true, false},
		{contract.PlanPostpaid, false, true},
		{contract.PlanHybrid, true, true},
	}
	for _, tc := range cases {
		on, off := ModesFor(tc.plan)
		if on != tc.online || off != tc.offline {
			t.Fatalf("%s: expected online=%v offline=%v, got %v %v", tc.plan, tc.online, tc.offline, on, off)
		}
	}

	p := premiumProfile()
	p.PlanType = contract.PlanHybrid
	sel := NewEngine(nil, nil).Select(p, contract.PolicyRequest{ServiceType: "browsing"})
	if len(sel.Rules) != 2 || sel.Rules[0].ChargingMode != contract.ChargingOnline || sel.Rules[1].ChargingMode != contract.ChargingOffline {
		t.Fatalf("expected online then offline rule for hybrid plan, got %+v", sel.Rules)
	}
}

func TestRateCost(t *testing.T) {
	r := Rate{RatingGroup: 1, UnitCostMB: decimal.RequireFromString("0.005")}
	if got := r.Cost(2_000_000); !got.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("expected 0.01, got %s", got)
	}
	if !r.Cost(-5).IsZero() {
		t.Fatal("expected zero cost for negative bytes")
	}
	tbl := DefaultRateTable()
	if tbl.Lookup("Video_Streaming").RatingGroup != 20 {
		t.Fatalf("expected video rating group, got %+v", tbl.Lookup("video_streaming"))
	}
	if tbl.Lookup("unknown").Ref != "rate_default" {
		t.Fatal("expected fallback rate")
	}
}

func TestLedgerAuthorize(t *testing.T) {
	l := NewLedger(decimal.NewFromInt(1))
	ctx := context.Background()

	auth, err := l.Authorize(ctx, AuthorizationRequest{SubscriberID: "s", RequestedBytes: 10, Amount: decimal.RequireFromString("0.4")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !auth.Balance.Equal(decimal.RequireFromString("0.6")) {
		t.Fatalf("expected balance 0.6, got %s", auth.Balance)
	}

	_, err = l.Authorize(ctx, AuthorizationRequest{SubscriberID: "s", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, contract.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	empty := NewLedger(decimal.Zero)
	if _, err := empty.Authorize(ctx, AuthorizationRequest{SubscriberID: "s"}); !errors.Is(err, contract.ErrInsufficientBalance) {
		t.Fatalf("expected zero balance to decline, got %v", err)
	}
	empty.TopUp("s", decimal.NewFromInt(5))
	if _, err := empty.Authorize(ctx, AuthorizationRequest{SubscriberID: "s"}); err != nil {
		t.Fatalf("expected authorization after top up, got %v", err)
	}
}

func TestLedgerRefund(t *testing.T) {
	l := NewLedger(decimal.NewFromInt(1))
	ctx := context.Background()
	req := AuthorizationRequest{SubscriberID: "s", Amount: decimal.RequireFromString("0.75")}

	if _, err := l.Authorize(ctx, req); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := l.Refund(ctx, req); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := l.Balance("s"); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected balance 1 after refund, got %s", got)
	}

	req.Amount = decimal.NewFromInt(-1)
	if err := l.Refund(ctx, req); !errors.Is(err, contract.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestNewRecordZeroRatedHasNoAmount(t *testing.T) {
	sel := Selection{ZeroRated: true, Rate: Rate{RatingGroup: 7, UnitCostMB: decimal.NewFromInt(1)}}
	rec := NewRecord(sel, "s", "sess", RecordEvent, 5_000_000)
	if !rec.Amount.IsZero() || !rec.ZeroRated || rec.RecordID == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	sel.ZeroRated = false
	rec = NewRecord(sel, "s", "sess", RecordEvent, 5_000_000)
	if !rec.Amount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected amount 5, got %s", rec.Amount)
	}
}
