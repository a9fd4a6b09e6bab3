// Package qos maps a service request onto bearer QoS parameters.
//
// Resolution is table driven and pure: a base class from the service type,
// nominal bandwidth from the network generation, a plan tier adjustment, and
// a final clamp to the generation's physical ceiling.
package qos

import (
	"strings"
	"sync"

	"github.com/searchforge/pcf/internal/contract"
)

// Bandwidth is a download/upload pair in kbps.
type Bandwidth struct {
	DownloadKbps int64
	UploadKbps   int64
}

var nominal = map[contract.NetworkGeneration]Bandwidth{
	contract.Network3G: {DownloadKbps: 21_000, UploadKbps: 5_800},
	contract.Network4G: {DownloadKbps: 100_000, UploadKbps: 50_000},
	contract.Network5G: {DownloadKbps: 1_000_000, UploadKbps: 500_000},
	contract.Network6G: {DownloadKbps: 10_000_000, UploadKbps: 5_000_000},
}

var ceilings = map[contract.NetworkGeneration]int64{
	contract.Network3G: 42_000,
	contract.Network4G: 1_000_000,
	contract.Network5G: 20_000_000,
	contract.Network6G: 1_000_000_000,
}

// Nominal returns the default bandwidth for gen.
func Nominal(gen contract.NetworkGeneration) Bandwidth {
	return nominal[gen]
}

// Ceiling returns the maximum throughput of gen in kbps.
func Ceiling(gen contract.NetworkGeneration) int64 {
	return ceilings[gen]
}

type serviceClass struct {
	priority contract.Priority
	gbr      bool
	qci      int
}

var serviceClasses = map[string]serviceClass{
	"voice":           {priority: contract.PriorityRealTime, gbr: true, qci: 1},
	"volte":           {priority: contract.PriorityRealTime, gbr: true, qci: 1},
	"voip":            {priority: contract.PriorityRealTime, gbr: true, qci: 1},
	"video_streaming": {priority: contract.PriorityHigh, gbr: true, qci: 6},
	"video":           {priority: contract.PriorityHigh, gbr: true, qci: 6},
	"gaming":          {priority: contract.PriorityHigh, gbr: true, qci: 3},
	"low_latency":     {priority: contract.PriorityHigh, gbr: true, qci: 3},
	"download":        {priority: contract.PriorityBestEffort, qci: 9},
	"file_download":   {priority: contract.PriorityBestEffort, qci: 9},
	"browsing":        {priority: contract.PriorityBestEffort, qci: 9},
	"web_browsing":    {priority: contract.PriorityBestEffort, qci: 9},
}

var defaultClass = serviceClass{priority: contract.PriorityStandard, qci: 8}

// Tier is the plan-level QoS adjustment.
type Tier int

const (
	TierEconomy Tier = iota - 1
	TierStandard
	TierPremium
)

// TierForPlan classifies a plan by name.
func TierForPlan(planName string) Tier {
	name := strings.ToLower(planName)
	switch {
	case strings.Contains(name, "premium"), strings.Contains(name, "unlimited"):
		return TierPremium
	case strings.Contains(name, "economy"), strings.Contains(name, "basic"):
		return TierEconomy
	}
	return TierStandard
}

// Override pins QoS for a plan/service/application combination. An empty
// ApplicationID matches any application of the service.
type Override struct {
	Name          string
	PlanName      string
	ServiceType   string
	ApplicationID string
	QoS           contract.QoSParameters
	Active        bool
}

// Input is what the resolver needs from a request and its profile.
type Input struct {
	ServiceType   string
	ApplicationID string
	PlanName      string
	Generation    contract.NetworkGeneration
}

// Resolver resolves QoS. The zero value has no overrides and is ready to use.
type Resolver struct {
	mu        sync.RWMutex
	overrides map[string]Override
}

// NewResolver builds a resolver with the given overrides.
func NewResolver(overrides ...Override) *Resolver {
	r := &Resolver{}
	for _, o := range overrides {
		r.AddOverride(o)
	}
	return r
}

func overrideKey(plan, service, app string) string {
	return strings.ToLower(strings.TrimSpace(plan)) + "|" +
		contract.NormalizeIdentifier(service) + "|" +
		contract.NormalizeIdentifier(app)
}

// AddOverride registers or replaces an override.
func (r *Resolver) AddOverride(o Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overrides == nil {
		r.overrides = make(map[string]Override)
	}
	r.overrides[overrideKey(o.PlanName, o.ServiceType, o.ApplicationID)] = o
}

func (r *Resolver) lookupOverride(in Input) (Override, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.overrides) == 0 {
		return Override{}, false
	}
	keys := []string{overrideKey(in.PlanName, in.ServiceType, in.ApplicationID)}
	if in.ApplicationID != "" {
		keys = append(keys, overrideKey(in.PlanName, in.ServiceType, ""))
	}
	for _, k := range keys {
		if o, ok := r.overrides[k]; ok && o.Active {
			return o, true
		}
	}
	return Override{}, false
}

// Resolve returns the QoS for in. The result never exceeds Ceiling(in.Generation).
func (r *Resolver) Resolve(in Input) contract.QoSParameters {
	if o, ok := r.lookupOverride(in); ok {
		q := o.QoS
		q.Gating = contract.GatingAllowed
		if q.ARP == 0 {
			q.ARP = arpFor(q.Priority)
		}
		return Clamp(q, in.Generation)
	}

	class, ok := serviceClasses[contract.NormalizeIdentifier(in.ServiceType)]
	if !ok {
		class = defaultClass
	}
	bw := nominal[in.Generation]

	q := contract.QoSParameters{
		Priority:                 class.priority,
		MaxDownloadBandwidthKbps: bw.DownloadKbps,
		MaxUploadBandwidthKbps:   bw.UploadKbps,
		GuaranteedBitRate:        class.gbr,
		Gating:                   contract.GatingAllowed,
		QCI:                      class.qci,
	}

	switch TierForPlan(in.PlanName) {
	case TierPremium:
		q.MaxDownloadBandwidthKbps = q.MaxDownloadBandwidthKbps * 3 / 2
		q.MaxUploadBandwidthKbps = q.MaxUploadBandwidthKbps * 3 / 2
		q.Priority = shift(q.Priority, 1)
	case TierEconomy:
		q.MaxDownloadBandwidthKbps /= 2
		q.MaxUploadBandwidthKbps /= 2
		q.Priority = shift(q.Priority, -1)
	}
	q.ARP = arpFor(q.Priority)
	return Clamp(q, in.Generation)
}

// shift moves p by delta classes. The real-time class is reserved for
// conversational services: it is neither entered nor left by a tier shift.
func shift(p contract.Priority, delta int) contract.Priority {
	if p == contract.PriorityRealTime {
		return p
	}
	next := contract.Priority(int(p) + delta)
	if next < contract.PriorityBestEffort {
		return contract.PriorityBestEffort
	}
	if next >= contract.PriorityRealTime {
		return contract.PriorityHigh
	}
	return next
}

func arpFor(p contract.Priority) int {
	switch p {
	case contract.PriorityRealTime:
		return 1
	case contract.PriorityHigh:
		return 2
	case contract.PriorityStandard:
		return 5
	}
	return 9
}

// Clamp caps both directions of q at the ceiling of gen.
func Clamp(q contract.QoSParameters, gen contract.NetworkGeneration) contract.QoSParameters {
	ceiling, ok := ceilings[gen]
	if !ok {
		return q
	}
	if q.MaxDownloadBandwidthKbps > ceiling {
		q.MaxDownloadBandwidthKbps = ceiling
	}
	if q.MaxUploadBandwidthKbps > ceiling {
		q.MaxUploadBandwidthKbps = ceiling
	}
	return q
}

// Throttle applies an exhausted-quota throttle: both directions pinned to
// kbps, best-effort priority, no guaranteed bit rate.
func Throttle(q contract.QoSParameters, kbps int64) contract.QoSParameters {
	q.MaxDownloadBandwidthKbps = kbps
	q.MaxUploadBandwidthKbps = kbps
	q.Priority = contract.PriorityBestEffort
	q.GuaranteedBitRate = false
	q.QCI = 9
	q.ARP = arpFor(contract.PriorityBestEffort)
	return q
}

// Block closes the gate.
func Block(q contract.QoSParameters) contract.QoSParameters {
	q.Gating = contract.GatingBlocked
	q.MaxDownloadBandwidthKbps = 0
	q.MaxUploadBandwidthKbps = 0
	q.GuaranteedBitRate = false
	return q
}
