package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// UpstreamConfig configures the guard of one collaborator.
type UpstreamConfig struct {
	Name    string               `mapstructure:"name"`
	Timeout time.Duration        `mapstructure:"timeout"`
	Rate    RateLimitConfig      `mapstructure:"rate"`
	Circuit CircuitBreakerConfig `mapstructure:"circuit"`
}

// UpstreamPolicy applies timeout, rate limiting, and circuit breaking to calls towards one collaborator.
type UpstreamPolicy struct {
	name    string
	timeout time.Duration
	rate    *TokenBucket
	circuit *CircuitBreaker
	metrics *Metrics
}

// NewUpstreamPolicy constructs an UpstreamPolicy.
func NewUpstreamPolicy(cfg UpstreamConfig, metrics *Metrics) (*UpstreamPolicy, error) {
	if cfg.Name == "" {
		return nil, errors.New("upstream name required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("upstream timeout must be positive")
	}

	return &UpstreamPolicy{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		rate:    NewTokenBucket(cfg.Rate.Capacity, cfg.Rate.RefillTokens, cfg.Rate.RefillEvery),
		circuit: NewCircuitBreaker(cfg.Name, normalizeCircuitConfig(cfg.Circuit), metrics),
		metrics: metrics,
	}, nil
}

// Name returns the upstream name.
func (p *UpstreamPolicy) Name() string {
	return p.name
}

// State returns the breaker state.
func (p *UpstreamPolicy) State() CircuitState {
	return p.circuit.State()
}

// Execute runs fn under the circuit, the rate limit and the timeout, and
// feeds the outcome back into the breaker. A cancelled parent context is
// not counted against the upstream, and a CallerFault counts as healthy.
func (p *UpstreamPolicy) Execute(parent context.Context, fn func(context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}

	now := time.Now()
	if !p.circuit.Allow(now) {
		p.metrics.ObserveUpstream(p.name, 0, ErrCircuitOpen)
		return fmt.Errorf("%s: %w", p.name, ErrCircuitOpen)
	}
	if !p.rate.Allow(now) {
		p.metrics.ObserveUpstream(p.name, 0, ErrRateLimited)
		return fmt.Errorf("%s: %w", p.name, ErrRateLimited)
	}

	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	ok := healthy(err)
	if ok {
		p.metrics.ObserveUpstream(p.name, time.Since(start), nil)
	} else {
		p.metrics.ObserveUpstream(p.name, time.Since(start), err)
	}

	if !ok && parent.Err() != nil {
		return err
	}
	p.circuit.Record(time.Now(), ok)
	return err
}

func normalizeCircuitConfig(cfg CircuitBreakerConfig) CircuitBreakerConfig {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return cfg
}

// Set holds the guards of all configured collaborators.
type Set struct {
	upstreams map[string]*UpstreamPolicy
	metrics   *Metrics
}

// NewSet builds one UpstreamPolicy per config entry.
func NewSet(configs []UpstreamConfig, metrics *Metrics) (*Set, error) {
	set := &Set{
		upstreams: make(map[string]*UpstreamPolicy, len(configs)),
		metrics:   metrics,
	}
	for _, cfg := range configs {
		if _, dup := set.upstreams[cfg.Name]; dup {
			return nil, fmt.Errorf("upstream %q configured twice", cfg.Name)
		}
		p, err := NewUpstreamPolicy(cfg, metrics)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", cfg.Name, err)
		}
		set.upstreams[cfg.Name] = p
	}
	return set, nil
}

// Upstream returns the policy for name.
func (s *Set) Upstream(name string) (*UpstreamPolicy, bool) {
	p, ok := s.upstreams[name]
	return p, ok
}

// Metrics returns the metrics collector.
func (s *Set) Metrics() *Metrics {
	return s.metrics
}

// States returns the breaker state of every upstream, sorted by name.
func (s *Set) States() []UpstreamState {
	out := make([]UpstreamState, 0, len(s.upstreams))
	for name, p := range s.upstreams {
		out = append(out, UpstreamState{Name: name, State: p.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpstreamState pairs an upstream with its breaker state.
type UpstreamState struct {
	Name  string
	State CircuitState
}
