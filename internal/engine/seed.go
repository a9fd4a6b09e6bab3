package engine

import (
	"context"
	"fmt"

	"github.com/searchforge/pcf/internal/contract"
)

// DemoProfiles returns the two demo subscribers loaded in dev mode.
func DemoProfiles() []contract.SubscriberProfile {
	return []contract.SubscriberProfile{
		{
			SubscriberID:      "1234567890",
			IMSI:              "123456789012345",
			PlanName:          "Premium Unlimited",
			PlanType:          contract.PlanPostpaid,
			Quota:             contract.NewQuota(100_000_000_000, 80),
			ActivePolicies:    []string{"premium_qos"},
			ZeroRatedServices: []string{"whatsapp.com"},
			SupportedNetworks: []contract.NetworkGeneration{contract.Network4G, contract.Network5G},
		},
		{
			SubscriberID:      "0987654321",
			IMSI:              "098765432109876",
			PlanName:          "Economy Plan",
			PlanType:          contract.PlanPrepaid,
			Quota:             contract.NewQuota(10_000_000_000, 80),
			ActivePolicies:    []string{"economy_qos"},
			ZeroRatedServices: []string{"whatsapp.com"},
			SupportedNetworks: []contract.NetworkGeneration{contract.Network4G},
		},
	}
}

// Seed registers the demo subscribers.
func (e *Engine) Seed(ctx context.Context) error {
	for _, p := range DemoProfiles() {
		if _, err := e.RegisterSubscriber(ctx, p); err != nil {
			return fmt.Errorf("seed %s: %w", p.SubscriberID, err)
		}
	}
	return nil
}
