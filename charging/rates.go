package charging

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/searchforge/pcf/internal/contract"
)

var bytesPerMB = decimal.NewFromInt(1_000_000)

// Rate prices traffic of one rating group.
type Rate struct {
	Ref         string
	RatingGroup int
	UnitCostMB  decimal.Decimal
}

// Cost returns the charge for bytes at this rate.
func (r Rate) Cost(bytes int64) decimal.Decimal {
	if bytes <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(bytes).Div(bytesPerMB).Mul(r.UnitCostMB).Round(6)
}

// RateTable maps normalized service types to rates.
type RateTable struct {
	mu       sync.RWMutex
	rates    map[string]Rate
	fallback Rate
}

// NewRateTable builds a table with the given fallback rate.
func NewRateTable(fallback Rate) *RateTable {
	return &RateTable{
		rates:    make(map[string]Rate),
		fallback: fallback,
	}
}

// DefaultRateTable returns the built-in tariff.
func DefaultRateTable() *RateTable {
	t := NewRateTable(Rate{Ref: "rate_default", RatingGroup: 100, UnitCostMB: decimal.RequireFromString("0.010")})
	t.Set("voice", Rate{Ref: "rate_voice", RatingGroup: 10, UnitCostMB: decimal.RequireFromString("0.002")})
	t.Set("video_streaming", Rate{Ref: "rate_video", RatingGroup: 20, UnitCostMB: decimal.RequireFromString("0.005")})
	t.Set("gaming", Rate{Ref: "rate_gaming", RatingGroup: 30, UnitCostMB: decimal.RequireFromString("0.008")})
	t.Set("browsing", Rate{Ref: "rate_browsing", RatingGroup: 40, UnitCostMB: decimal.RequireFromString("0.010")})
	return t
}

// Set registers rate for service.
func (t *RateTable) Set(service string, rate Rate) {
	if rate.Ref == "" {
		rate.Ref = fmt.Sprintf("rate_rg%d", rate.RatingGroup)
	}
	t.mu.Lock()
	t.rates[contract.NormalizeIdentifier(service)] = rate
	t.mu.Unlock()
}

// Lookup returns the rate for service, or the fallback.
func (t *RateTable) Lookup(service string) Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rates[contract.NormalizeIdentifier(service)]; ok {
		return r
	}
	return t.fallback
}
