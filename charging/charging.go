// Package charging selects charging treatment for policy requests.
//
// It decides which traffic is zero-rated, whether the subscriber is charged
// online (authorised synchronously against an OCS), offline (charge detail
// records delivered later), or both, and which tariff applies.
package charging

import (
	"github.com/searchforge/pcf/internal/contract"
)

// ModesFor derives the charging modes of a plan type.
func ModesFor(plan contract.PlanType) (online, offline bool) {
	switch plan {
	case contract.PlanPrepaid:
		return true, false
	case contract.PlanPostpaid:
		return false, true
	case contract.PlanHybrid:
		return true, true
	}
	return false, true
}

// Selection is the charging outcome for one request.
type Selection struct {
	Rules     []contract.ChargingRule
	ZeroRated bool
	Online    bool
	Offline   bool
	Rate      Rate
	Match     *Match
}

// Engine combines the zero-rating registry with the rate table.
type Engine struct {
	zero  *Registry
	rates *RateTable
}

// NewEngine constructs an Engine. Nil arguments fall back to defaults.
func NewEngine(zero *Registry, rates *RateTable) *Engine {
	if zero == nil {
		zero = NewRegistry()
	}
	if rates == nil {
		rates = DefaultRateTable()
	}
	return &Engine{zero: zero, rates: rates}
}

// Registry returns the zero-rating registry.
func (e *Engine) Registry() *Registry {
	return e.zero
}

// Rates returns the rate table.
func (e *Engine) Rates() *RateTable {
	return e.rates
}

// Select returns the ordered charging rules for req. The rule for the most
// specific target comes first: the application when present, then the
// service-type default.
func (e *Engine) Select(profile contract.SubscriberProfile, req contract.PolicyRequest) Selection {
	online, offline := ModesFor(profile.PlanType)
	rate := e.rates.Lookup(req.ServiceType)
	sel := Selection{Online: online, Offline: offline, Rate: rate}

	match, zeroRated := e.zero.Match(profile, req.ApplicationID, req.ServiceType)
	if zeroRated {
		sel.ZeroRated = true
		sel.Match = &match
	}

	app := contract.NormalizeIdentifier(req.ApplicationID)
	service := contract.NormalizeIdentifier(req.ServiceType)

	var modes []contract.ChargingMode
	if online {
		modes = append(modes, contract.ChargingOnline)
	}
	if offline {
		modes = append(modes, contract.ChargingOffline)
	}

	build := func(target string, zr bool) {
		for _, mode := range modes {
			rule := contract.ChargingRule{
				RuleID:       string(mode) + ":" + target,
				ChargingMode: mode,
				RateRef:      rate.Ref,
				RatingGroup:  rate.RatingGroup,
				UnitCostMB:   rate.UnitCostMB.String(),
				ZeroRating:   zr,
				AppliesTo:    target,
			}
			if zr {
				rule.RateRef = "zero_rated"
				rule.UnitCostMB = "0"
				rule.RuleID = match.Rule.RuleID + ":" + string(mode)
			}
			sel.Rules = append(sel.Rules, rule)
		}
	}

	if app != "" {
		build(app, zeroRated)
		build(service, zeroRated && !match.ByApplication)
	} else {
		build(service, zeroRated)
	}
	return sel
}
