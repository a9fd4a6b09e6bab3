package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/searchforge/pcf/internal/contract"
)

func testProfile(id string) contract.SubscriberProfile {
	return contract.SubscriberProfile{
		SubscriberID:      id,
		IMSI:              "001010000000001",
		PlanName:          "Premium Unlimited",
		PlanType:          contract.PlanPostpaid,
		Quota:             contract.NewQuota(1000, 80),
		ActivePolicies:    []string{"fair_use"},
		SupportedNetworks: []contract.NetworkGeneration{contract.Network4G, contract.Network5G},
	}
}

func TestRegisterAndGetReturnsCopy(t *testing.T) {
	s := New(4)
	ctx := context.Background()

	if _, err := s.Register(ctx, testProfile("sub-1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := s.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.ActivePolicies[0] = "mutated"
	got.Quota.UsedBytes = 999

	again, _ := s.Get(ctx, "sub-1")
	if again.ActivePolicies[0] != "fair_use" || again.Quota.UsedBytes != 0 {
		t.Fatalf("store state leaked through returned copy: %+v", again)
	}
}

func TestGetUnknownSubscriber(t *testing.T) {
	s := New(4)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, contract.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterKeepsQuotaOnUpsert(t *testing.T) {
	s := New(4)
	ctx := context.Background()
	_, _ = s.Register(ctx, testProfile("sub-1"))

	_, err := s.UpdateQuota(ctx, "sub-1", func(_ contract.SubscriberProfile, q *contract.Quota) error {
		q.UsedBytes = 400
		q.RemainingBytes = 600
		return nil
	})
	if err != nil {
		t.Fatalf("update quota: %v", err)
	}

	updated := testProfile("sub-1")
	updated.PlanName = "Economy"
	updated.Quota = contract.NewQuota(5, 50)
	got, err := s.Register(ctx, updated)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if got.PlanName != "Economy" {
		t.Fatalf("expected last write to win on plan name, got %q", got.PlanName)
	}
	if got.Quota.UsedBytes != 400 || got.Quota.TotalBytes != 1000 {
		t.Fatalf("expected quota to survive re-registration, got %+v", got.Quota)
	}
}

func TestRegisterDropsSuppliedThrottle(t *testing.T) {
	s := New(4)
	ctx := context.Background()
	kbps := int64(128)
	p := testProfile("sub-1")
	p.Quota = contract.Quota{TotalBytes: 0, ThrottledBandwidthKbps: &kbps}
	got, err := s.Register(ctx, p)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !got.Quota.Exceeded || got.Quota.ThrottledBandwidthKbps != nil {
		t.Fatalf("throttle is derived, not accepted from the caller: %+v", got.Quota)
	}

	calls := 0
	s.SetQuotaRule(func(profile contract.SubscriberProfile, q *contract.Quota) {
		calls++
		if profile.SubscriberID == "sub-2" && q.Exceeded {
			v := int64(64)
			q.ThrottledBandwidthKbps = &v
		}
	})
	p.SubscriberID = "sub-2"
	got, _ = s.Register(ctx, p)
	if got.Quota.ThrottledBandwidthKbps == nil || *got.Quota.ThrottledBandwidthKbps != 64 {
		t.Fatalf("expected rule to set the throttle, got %+v", got.Quota)
	}
	if _, err := s.UpdateProfile(ctx, "sub-2", func(p *contract.SubscriberProfile) error {
		p.PlanName = "Economy"
		return nil
	}); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected rule on register and update, got %d calls", calls)
	}
}

func TestRegisterRejectsInvalidProfile(t *testing.T) {
	s := New(4)
	p := testProfile("sub-1")
	p.PlanType = "barter"
	if _, err := s.Register(context.Background(), p); !errors.Is(err, contract.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestUpdateQuotaDiscardsOnError(t *testing.T) {
	s := New(4)
	ctx := context.Background()
	_, _ = s.Register(ctx, testProfile("sub-1"))

	boom := errors.New("boom")
	_, err := s.UpdateQuota(ctx, "sub-1", func(_ contract.SubscriberProfile, q *contract.Quota) error {
		q.UsedBytes = 1000
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	got, _ := s.Get(ctx, "sub-1")
	if got.Quota.UsedBytes != 0 {
		t.Fatalf("expected no partial mutation, got used=%d", got.Quota.UsedBytes)
	}
}

func TestUpdateProfileCannotTouchQuota(t *testing.T) {
	s := New(4)
	ctx := context.Background()
	_, _ = s.Register(ctx, testProfile("sub-1"))

	got, err := s.UpdateProfile(ctx, "sub-1", func(p *contract.SubscriberProfile) error {
		p.ZeroRatedServices = append(p.ZeroRatedServices, "whatsapp.com")
		p.Quota.UsedBytes = 1000
		return nil
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if len(got.ZeroRatedServices) != 1 || got.Quota.UsedBytes != 0 {
		t.Fatalf("unexpected profile after update: %+v", got)
	}
}

func TestShardLockHonoursContext(t *testing.T) {
	s := New(1)
	ctx := context.Background()
	_, _ = s.Register(ctx, testProfile("sub-1"))

	hold := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = s.UpdateQuota(ctx, "sub-1", func(contract.SubscriberProfile, *contract.Quota) error {
			close(hold)
			<-release
			return nil
		})
	}()
	<-hold
	defer close(release)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := s.Get(waitCtx, "sub-1"); !errors.Is(err, contract.ErrTimeout) {
		t.Fatalf("expected ErrTimeout while shard held, got %v", err)
	}
}

func TestConcurrentQuotaUpdatesAreSerialized(t *testing.T) {
	s := New(8)
	ctx := context.Background()
	_, _ = s.Register(ctx, testProfile("sub-1"))

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateQuota(ctx, "sub-1", func(_ contract.SubscriberProfile, q *contract.Quota) error {
				q.UsedBytes += 10
				q.RemainingBytes -= 10
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "sub-1")
	if got.Quota.UsedBytes != workers*10 {
		t.Fatalf("expected used=%d, got %d", workers*10, got.Quota.UsedBytes)
	}
}

func TestCountAcrossShards(t *testing.T) {
	s := New(3)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := s.Register(ctx, testProfile(fmt.Sprintf("sub-%d", i))); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if s.Count() != 10 {
		t.Fatalf("expected 10 profiles, got %d", s.Count())
	}
	if idx := s.ShardIndex("sub-1"); idx < 0 || idx >= 3 {
		t.Fatalf("shard index out of range: %d", idx)
	}
}
