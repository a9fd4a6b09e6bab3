package quota

import (
	"strings"
	"sync"
)

// Action is what happens to traffic once the allowance is used up.
type Action string

const (
	ActionThrottle Action = "throttle"
	ActionBlock    Action = "block"
)

// DefaultThrottleKbps is the fair-use bandwidth after exhaustion.
const DefaultThrottleKbps int64 = 64

// ProductPolicy is the exhaustion behaviour named by a subscriber's active policies.
type ProductPolicy struct {
	Name         string `mapstructure:"name"`
	OnExhaustion Action `mapstructure:"on_exhaustion"`
	ThrottleKbps int64  `mapstructure:"throttle_kbps"`
}

// Catalog resolves active policy names to product policies.
type Catalog struct {
	mu       sync.RWMutex
	policies map[string]ProductPolicy
	fallback ProductPolicy
}

// NewCatalog builds a catalog. fallback applies when no active policy is known.
func NewCatalog(fallback ProductPolicy, policies ...ProductPolicy) *Catalog {
	c := &Catalog{
		policies: make(map[string]ProductPolicy),
		fallback: normalizePolicy(fallback),
	}
	for _, p := range policies {
		c.Put(p)
	}
	return c
}

// DefaultCatalog throttles to 64 kbps unless a blocking policy is active.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		ProductPolicy{Name: "fair_use", OnExhaustion: ActionThrottle, ThrottleKbps: DefaultThrottleKbps},
		ProductPolicy{Name: "premium_qos", OnExhaustion: ActionThrottle, ThrottleKbps: 1024},
		ProductPolicy{Name: "economy_qos", OnExhaustion: ActionThrottle, ThrottleKbps: DefaultThrottleKbps},
		ProductPolicy{Name: "hard_cap", OnExhaustion: ActionBlock},
	)
}

// Put registers or replaces a policy.
func (c *Catalog) Put(p ProductPolicy) {
	p = normalizePolicy(p)
	c.mu.Lock()
	c.policies[strings.ToLower(p.Name)] = p
	c.mu.Unlock()
}

// Resolve returns the first known policy in active, or the fallback.
func (c *Catalog) Resolve(active []string) ProductPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range active {
		if p, ok := c.policies[strings.ToLower(strings.TrimSpace(name))]; ok {
			return p
		}
	}
	return c.fallback
}

func normalizePolicy(p ProductPolicy) ProductPolicy {
	if p.OnExhaustion != ActionBlock {
		p.OnExhaustion = ActionThrottle
		if p.ThrottleKbps <= 0 {
			p.ThrottleKbps = DefaultThrottleKbps
		}
	} else {
		p.ThrottleKbps = 0
	}
	return p
}
