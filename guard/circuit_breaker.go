package guard

import (
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows all traffic.
	CircuitClosed CircuitState = iota
	// CircuitHalfOpen allows limited traffic to probe recovery.
	CircuitHalfOpen
	// CircuitOpen blocks all traffic.
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitHalfOpen:
		return "half-open"
	case CircuitOpen:
		return "open"
	}
	return "closed"
}

type outcome struct {
	at      time.Time
	success bool
}

// CircuitBreakerConfig configures the circuit breaker behaviour.
type CircuitBreakerConfig struct {
	Window               time.Duration `mapstructure:"window"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold"`
	MinSamples           int           `mapstructure:"min_samples"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	HalfOpenMaxCalls     int           `mapstructure:"half_open_max_calls"`
}

// CircuitBreaker trips on the failure rate of a rolling window of outcomes
// and probes recovery through a bounded half-open phase.
type CircuitBreaker struct {
	cfg      CircuitBreakerConfig
	upstream string
	metrics  *Metrics

	mu                sync.Mutex
	state             CircuitState
	lastStateChange   time.Time
	outcomes          []outcome
	halfOpenAttempts  int
	halfOpenSuccesses int
}

// NewCircuitBreaker constructs a breaker for the named upstream.
func NewCircuitBreaker(upstream string, cfg CircuitBreakerConfig, metrics *Metrics) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:      cfg,
		upstream: upstream,
		metrics:  metrics,
		state:    CircuitClosed,
	}
	cb.publish(CircuitClosed)
	return cb
}

// Allow returns whether the circuit permits a call at now.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refresh(now)

	switch c.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if c.cfg.HalfOpenMaxCalls > 0 && c.halfOpenAttempts >= c.cfg.HalfOpenMaxCalls {
			return false
		}
		c.halfOpenAttempts++
	}
	return true
}

// Record records the outcome of a call.
func (c *CircuitBreaker) Record(now time.Time, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes = append(c.outcomes, outcome{at: now, success: success})
	c.prune(now)
	c.refresh(now)

	if c.state != CircuitHalfOpen {
		return
	}
	if !success {
		c.transition(CircuitOpen, now)
		c.resetProbe()
		return
	}
	c.halfOpenSuccesses++
	if c.cfg.HalfOpenMaxCalls > 0 && c.halfOpenSuccesses >= c.cfg.HalfOpenMaxCalls {
		c.transition(CircuitClosed, now)
		c.outcomes = c.outcomes[:0]
		c.resetProbe()
	}
}

func (c *CircuitBreaker) prune(now time.Time) {
	windowStart := now.Add(-c.cfg.Window)
	idx := 0
	for _, o := range c.outcomes {
		if !o.at.Before(windowStart) {
			break
		}
		idx++
	}
	if idx > 0 {
		c.outcomes = c.outcomes[idx:]
	}
}

func (c *CircuitBreaker) refresh(now time.Time) {
	switch c.state {
	case CircuitOpen:
		if now.Sub(c.lastStateChange) >= c.cfg.Cooldown {
			c.transition(CircuitHalfOpen, now)
			c.resetProbe()
		}
		return
	case CircuitHalfOpen:
		// transitions out of half-open happen in Record
		return
	}

	c.prune(now)
	total := len(c.outcomes)
	if total == 0 || total < c.cfg.MinSamples {
		return
	}
	failures := 0
	for _, o := range c.outcomes {
		if !o.success {
			failures++
		}
	}
	if float64(failures)/float64(total) >= c.cfg.FailureRateThreshold {
		c.transition(CircuitOpen, now)
	}
}

func (c *CircuitBreaker) transition(state CircuitState, now time.Time) {
	if c.state == state {
		return
	}
	c.state = state
	c.lastStateChange = now
	c.publish(state)
}

func (c *CircuitBreaker) resetProbe() {
	c.halfOpenAttempts = 0
	c.halfOpenSuccesses = 0
}

func (c *CircuitBreaker) publish(state CircuitState) {
	if c.metrics != nil {
		c.metrics.SetCircuitState(c.upstream, state)
	}
}

// State returns the current state of the circuit breaker.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
