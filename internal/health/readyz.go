package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/searchforge/pcf/guard"
)

const (
	defaultMaxLatency = 200 * time.Millisecond
	defaultTimeout    = time.Second
)

// Check is one dependency probed by /readyz.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Config describes what readiness depends on. Upstreams reports breaker
// states; an open breaker is shown but does not fail readiness because
// the engine already fails closed for that collaborator.
type Config struct {
	Checks     []Check
	Upstreams  func() []guard.UpstreamState
	MaxLatency time.Duration
	Timeout    time.Duration
}

type checkResult struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type readyPayload struct {
	Ready     bool                   `json:"ready"`
	Checks    map[string]checkResult `json:"checks"`
	Upstreams map[string]string      `json:"upstreams,omitempty"`
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz returns a handler that pings every check and reports whether all
// answered within MaxLatency.
func Readyz(cfg Config) http.HandlerFunc {
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = defaultMaxLatency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
		defer cancel()

		payload := readyPayload{Ready: true, Checks: make(map[string]checkResult, len(cfg.Checks))}
		for _, c := range cfg.Checks {
			start := time.Now()
			err := c.Ping(ctx)
			latency := time.Since(start)

			res := checkResult{OK: err == nil && latency <= cfg.MaxLatency, LatencyMS: latency.Milliseconds()}
			if err != nil {
				res.Error = err.Error()
			}
			if !res.OK {
				payload.Ready = false
			}
			payload.Checks[c.Name] = res
		}
		if cfg.Upstreams != nil {
			states := cfg.Upstreams()
			payload.Upstreams = make(map[string]string, len(states))
			for _, s := range states {
				payload.Upstreams[s.Name] = s.State.String()
			}
		}

		status := http.StatusOK
		if !payload.Ready {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}
}
