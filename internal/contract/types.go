package contract

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const TraceIDHeader = "X-Trace-Id"

// NetworkGeneration identifies the radio access generation of a request.
type NetworkGeneration string

const (
	Network3G NetworkGeneration = "3G"
	Network4G NetworkGeneration = "4G"
	Network5G NetworkGeneration = "5G"
	Network6G NetworkGeneration = "6G"
)

// ParseNetworkGeneration accepts "5G", "5g" and " 5G ".
func ParseNetworkGeneration(raw string) (NetworkGeneration, error) {
	gen := NetworkGeneration(strings.ToUpper(strings.TrimSpace(raw)))
	if !gen.Valid() {
		return "", fmt.Errorf("%w: unknown network generation %q", ErrInvalidRequest, raw)
	}
	return gen, nil
}

// Valid reports whether g is one of the four known generations.
func (g NetworkGeneration) Valid() bool {
	switch g {
	case Network3G, Network4G, Network5G, Network6G:
		return true
	}
	return false
}

// PlanType selects the charging treatment of a subscriber.
type PlanType string

const (
	PlanPrepaid  PlanType = "prepaid"
	PlanPostpaid PlanType = "postpaid"
	PlanHybrid   PlanType = "hybrid"
)

// Valid reports whether p is a known plan type.
func (p PlanType) Valid() bool {
	switch p {
	case PlanPrepaid, PlanPostpaid, PlanHybrid:
		return true
	}
	return false
}

// Quota is the data allowance of one subscriber.
// UsedBytes+RemainingBytes always equals TotalBytes.
type Quota struct {
	TotalBytes             int64     `json:"total_quota_bytes"`
	UsedBytes              int64     `json:"used_quota_bytes"`
	RemainingBytes         int64     `json:"remaining_quota_bytes"`
	NotificationThreshold  int       `json:"notification_threshold_percent"`
	Exceeded               bool      `json:"exceeded"`
	ThrottledBandwidthKbps *int64    `json:"throttled_bandwidth_kbps,omitempty"`
	LastUpdate             time.Time `json:"last_update"`
}

// NewQuota returns an unused allowance of total bytes.
func NewQuota(total int64, thresholdPercent int) Quota {
	if total < 0 {
		total = 0
	}
	q := Quota{
		TotalBytes:            total,
		RemainingBytes:        total,
		NotificationThreshold: thresholdPercent,
		LastUpdate:            time.Now().UTC(),
	}
	q.Exceeded = q.RemainingBytes == 0
	return q
}

// Clone returns a deep copy.
func (q Quota) Clone() Quota {
	if q.ThrottledBandwidthKbps != nil {
		v := *q.ThrottledBandwidthKbps
		q.ThrottledBandwidthKbps = &v
	}
	return q
}

// UsagePercent returns used/total in whole percent, rounded down.
func (q Quota) UsagePercent() int {
	if q.TotalBytes <= 0 {
		return 100
	}
	return int(q.UsedBytes * 100 / q.TotalBytes)
}

// SubscriberProfile is the policy-relevant view of a subscriber.
type SubscriberProfile struct {
	SubscriberID      string              `json:"subscriber_id"`
	IMSI              string              `json:"imsi"`
	PlanName          string              `json:"plan_name"`
	PlanType          PlanType            `json:"plan_type"`
	Quota             Quota               `json:"quota"`
	ActivePolicies    []string            `json:"active_policies"`
	ZeroRatedServices []string            `json:"zero_rated_services"`
	SupportedNetworks []NetworkGeneration `json:"supported_networks"`
	LastUpdate        time.Time           `json:"last_update"`
}

// Validate checks the fields required to register a profile.
func (p SubscriberProfile) Validate() error {
	if strings.TrimSpace(p.SubscriberID) == "" {
		return fmt.Errorf("%w: subscriber_id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.IMSI) == "" {
		return fmt.Errorf("%w: imsi required", ErrInvalidRequest)
	}
	if !p.PlanType.Valid() {
		return fmt.Errorf("%w: unknown plan_type %q", ErrInvalidRequest, p.PlanType)
	}
	if p.Quota.TotalBytes < 0 {
		return fmt.Errorf("%w: negative total quota", ErrInvalidRequest)
	}
	if p.Quota.NotificationThreshold < 0 || p.Quota.NotificationThreshold > 100 {
		return fmt.Errorf("%w: notification threshold must be within 0..100", ErrInvalidRequest)
	}
	for _, gen := range p.SupportedNetworks {
		if !gen.Valid() {
			return fmt.Errorf("%w: unknown network generation %q", ErrInvalidRequest, gen)
		}
	}
	return nil
}

// Supports reports whether gen is in the supported set.
func (p SubscriberProfile) Supports(gen NetworkGeneration) bool {
	for _, g := range p.SupportedNetworks {
		if g == gen {
			return true
		}
	}
	return false
}

// Clone returns a deep copy that shares no slices with p.
func (p SubscriberProfile) Clone() SubscriberProfile {
	out := p
	out.Quota = p.Quota.Clone()
	out.ActivePolicies = append([]string(nil), p.ActivePolicies...)
	out.ZeroRatedServices = append([]string(nil), p.ZeroRatedServices...)
	out.SupportedNetworks = append([]NetworkGeneration(nil), p.SupportedNetworks...)
	return out
}

// PolicyRequest asks for a decision for one subscriber and service.
type PolicyRequest struct {
	SubscriberID      string            `json:"subscriber_id"`
	IMSI              string            `json:"imsi"`
	NetworkGeneration NetworkGeneration `json:"network_generation"`
	APN               string            `json:"apn"`
	ServiceType       string            `json:"service_type"`
	ApplicationID     string            `json:"application_id,omitempty"`
	Location          string            `json:"location,omitempty"`
	TimeOfDay         string            `json:"time_of_day,omitempty"`
	UsedBytes         int64             `json:"used_bytes,omitempty"`
	SessionID         string            `json:"session_id,omitempty"`
}

// Validate checks the identity, generation and usage fields.
func (r PolicyRequest) Validate() error {
	if strings.TrimSpace(r.SubscriberID) == "" {
		return fmt.Errorf("%w: subscriber_id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.IMSI) == "" {
		return fmt.Errorf("%w: imsi required", ErrInvalidRequest)
	}
	if !r.NetworkGeneration.Valid() {
		return fmt.Errorf("%w: unknown network generation %q", ErrInvalidRequest, r.NetworkGeneration)
	}
	if r.UsedBytes < 0 {
		return fmt.Errorf("%w: used_bytes %d", ErrInvalidUsage, r.UsedBytes)
	}
	return nil
}

// Priority is an ordinal scheduling class; higher values are served first.
type Priority int

const (
	PriorityBestEffort Priority = iota
	PriorityStandard
	PriorityHigh
	PriorityRealTime
)

func (p Priority) String() string {
	switch p {
	case PriorityBestEffort:
		return "best_effort"
	case PriorityStandard:
		return "standard"
	case PriorityHigh:
		return "high"
	case PriorityRealTime:
		return "real_time"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText renders the class name in JSON payloads.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a class name produced by MarshalText.
func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "best_effort":
		*p = PriorityBestEffort
	case "standard":
		*p = PriorityStandard
	case "high":
		*p = PriorityHigh
	case "real_time":
		*p = PriorityRealTime
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, string(b))
	}
	return nil
}

// Gating tells the gateway whether traffic may flow.
type Gating string

const (
	GatingAllowed Gating = "allowed"
	GatingBlocked Gating = "blocked"
)

// QoSParameters is the bearer treatment handed to the gateway.
type QoSParameters struct {
	Priority                 Priority `json:"priority"`
	MaxDownloadBandwidthKbps int64    `json:"max_download_bandwidth_kbps"`
	MaxUploadBandwidthKbps   int64    `json:"max_upload_bandwidth_kbps"`
	GuaranteedBitRate        bool     `json:"guaranteed_bit_rate"`
	Gating                   Gating   `json:"gating"`
	QCI                      int      `json:"qci"`
	ARP                      int      `json:"arp"`
}

// ChargingMode is online (OCS, synchronous) or offline (CDR, asynchronous).
type ChargingMode string

const (
	ChargingOnline  ChargingMode = "online"
	ChargingOffline ChargingMode = "offline"
)

// ChargingRule describes how the traffic of a request is charged.
type ChargingRule struct {
	RuleID       string       `json:"rule_id"`
	ChargingMode ChargingMode `json:"charging_mode"`
	RateRef      string       `json:"rate_ref"`
	RatingGroup  int          `json:"rating_group"`
	UnitCostMB   string       `json:"unit_cost_per_mb"`
	ZeroRating   bool         `json:"zero_rating"`
	AppliesTo    string       `json:"applies_to"`
}

// ZeroRatingRule exempts a service from quota and charge.
// An empty PlanName applies to every plan.
type ZeroRatingRule struct {
	RuleID            string `json:"rule_id"`
	ServiceIdentifier string `json:"service_identifier"`
	PlanName          string `json:"plan_name,omitempty"`
	Active            bool   `json:"active"`
}

// PolicyDecision is the assembled answer for one PolicyRequest.
type PolicyDecision struct {
	SubscriberID     string         `json:"subscriber_id"`
	IMSI             string         `json:"imsi"`
	AccessGranted    bool           `json:"access_granted"`
	DenialReason     string         `json:"denial_reason,omitempty"`
	PolicyRuleName   string         `json:"policy_rule_name"`
	QoS              QoSParameters  `json:"qos"`
	ChargingRules    []ChargingRule `json:"charging_rules"`
	QuotaStatus      Quota          `json:"quota_status"`
	ThresholdCrossed bool           `json:"threshold_crossed"`
	AIAdjusted       bool           `json:"ai_adjusted"`
	ValidityPeriod   int            `json:"validity_period_seconds"`
	Timestamp        time.Time      `json:"timestamp"`
}

// ZeroRated reports whether the first charging rule zero-rates the request.
func (d PolicyDecision) ZeroRated() bool {
	return len(d.ChargingRules) > 0 && d.ChargingRules[0].ZeroRating
}

// Usage is consumption reported for a subscriber.
type Usage struct {
	SubscriberID string
	Bytes        int64
	ZeroRated    bool
	Service      string
}

type contextKey string

const traceIDKey contextKey = "pcf_trace_id"

// WithTraceID stores the trace identifier in context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext extracts the trace identifier.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value := ctx.Value(traceIDKey)
	if value == nil {
		return "", false
	}
	traceID, ok := value.(string)
	return traceID, ok
}
