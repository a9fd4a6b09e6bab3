package charging

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/searchforge/pcf/internal/contract"
)

// Scope orders zero-rating matches from least to most specific.
type Scope int

const (
	ScopeUnscoped Scope = iota
	ScopePlan
	ScopeSubscriber
)

// Match is the zero-rating rule chosen for a request.
type Match struct {
	Rule          contract.ZeroRatingRule
	Scope         Scope
	ByApplication bool
}

// Registry holds zero-rating rules in registration order.
type Registry struct {
	mu    sync.RWMutex
	rules []contract.ZeroRatingRule
}

// NewRegistry returns a registry seeded with rules.
func NewRegistry(rules ...contract.ZeroRatingRule) *Registry {
	r := &Registry{}
	for _, rule := range rules {
		r.Add(rule)
	}
	return r
}

// DefaultRules returns the rules loaded when no catalog is configured.
func DefaultRules() []contract.ZeroRatingRule {
	return []contract.ZeroRatingRule{
		{RuleID: "zr-whatsapp", ServiceIdentifier: "whatsapp.com", Active: true},
		{RuleID: "zr-facebook-social", ServiceIdentifier: "facebook.com", PlanName: "Social Media Plan", Active: true},
	}
}

// Add appends rule, assigning an id when missing. It returns the stored rule.
func (r *Registry) Add(rule contract.ZeroRatingRule) contract.ZeroRatingRule {
	if rule.RuleID == "" {
		rule.RuleID = uuid.NewString()
	}
	rule.ServiceIdentifier = contract.NormalizeIdentifier(rule.ServiceIdentifier)
	rule.PlanName = strings.TrimSpace(rule.PlanName)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.rules {
		if existing.RuleID == rule.RuleID {
			r.rules[i] = rule
			return rule
		}
	}
	r.rules = append(r.rules, rule)
	return rule
}

// SetActive toggles a rule and reports whether it exists.
func (r *Registry) SetActive(ruleID string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rules {
		if r.rules[i].RuleID == ruleID {
			r.rules[i].Active = active
			return true
		}
	}
	return false
}

// Rules returns a snapshot in registration order.
func (r *Registry) Rules() []contract.ZeroRatingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]contract.ZeroRatingRule(nil), r.rules...)
}

type candidate struct {
	match Match
	order int
}

func (c candidate) outranks(o candidate) bool {
	if c.match.ByApplication != o.match.ByApplication {
		return c.match.ByApplication
	}
	if c.match.Scope != o.match.Scope {
		return c.match.Scope > o.match.Scope
	}
	return c.order < o.order
}

// Match picks the zero-rating rule for a request. An application match
// outranks a service-type match; a subscriber-listed service outranks a
// plan-scoped rule, which outranks an unscoped rule; registration order
// breaks remaining ties.
func (r *Registry) Match(profile contract.SubscriberProfile, app, service string) (Match, bool) {
	app = contract.NormalizeIdentifier(app)
	service = contract.NormalizeIdentifier(service)
	if app == "" && service == "" {
		return Match{}, false
	}

	var (
		best  candidate
		found bool
	)
	consider := func(c candidate) {
		if !found || c.outranks(best) {
			best = c
			found = true
		}
	}
	matchKind := func(identifier string) (byApp, ok bool) {
		if app != "" && identifier == app {
			return true, true
		}
		if service != "" && identifier == service {
			return false, true
		}
		return false, false
	}

	for i, id := range profile.ZeroRatedServices {
		id = contract.NormalizeIdentifier(id)
		byApp, ok := matchKind(id)
		if !ok {
			continue
		}
		consider(candidate{
			match: Match{
				Rule:          contract.ZeroRatingRule{RuleID: "subscriber:" + id, ServiceIdentifier: id, Active: true},
				Scope:         ScopeSubscriber,
				ByApplication: byApp,
			},
			order: i,
		})
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, rule := range r.rules {
		if !rule.Active {
			continue
		}
		scope := ScopeUnscoped
		if rule.PlanName != "" {
			if !strings.EqualFold(rule.PlanName, profile.PlanName) {
				continue
			}
			scope = ScopePlan
		}
		byApp, ok := matchKind(rule.ServiceIdentifier)
		if !ok {
			continue
		}
		consider(candidate{
			match: Match{Rule: rule, Scope: scope, ByApplication: byApp},
			order: len(profile.ZeroRatedServices) + i,
		})
	}
	return best.match, found
}
