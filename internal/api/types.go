package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/searchforge/pcf/internal/contract"
	"github.com/searchforge/pcf/quota"
)

// RegisterRequest is the body of POST /v1/subscribers.
type RegisterRequest struct {
	SubscriberID          string   `json:"subscriber_id"`
	IMSI                  string   `json:"imsi"`
	PlanName              string   `json:"plan_name"`
	PlanType              string   `json:"plan_type"`
	TotalQuotaBytes       int64    `json:"total_quota_bytes"`
	NotificationThreshold *int     `json:"notification_threshold_percent,omitempty"`
	ActivePolicies        []string `json:"active_policies"`
	ZeroRatedServices     []string `json:"zero_rated_services"`
	SupportedNetworks     []string `json:"supported_networks"`
}

const defaultThresholdPercent = 80

// Profile converts the request into a subscriber profile.
func (r RegisterRequest) Profile() (contract.SubscriberProfile, error) {
	threshold := defaultThresholdPercent
	if r.NotificationThreshold != nil {
		threshold = *r.NotificationThreshold
	}
	p := contract.SubscriberProfile{
		SubscriberID:      strings.TrimSpace(r.SubscriberID),
		IMSI:              strings.TrimSpace(r.IMSI),
		PlanName:          strings.TrimSpace(r.PlanName),
		PlanType:          contract.PlanType(strings.ToLower(strings.TrimSpace(r.PlanType))),
		Quota:             contract.NewQuota(r.TotalQuotaBytes, threshold),
		ActivePolicies:    r.ActivePolicies,
		ZeroRatedServices: r.ZeroRatedServices,
	}
	if r.TotalQuotaBytes < 0 {
		return p, fmt.Errorf("%w: negative total_quota_bytes", contract.ErrInvalidRequest)
	}
	for _, raw := range r.SupportedNetworks {
		gen, err := contract.ParseNetworkGeneration(raw)
		if err != nil {
			return p, err
		}
		p.SupportedNetworks = append(p.SupportedNetworks, gen)
	}
	return p, p.Validate()
}

// UsageRequest is the body of POST /v1/subscribers/{id}/usage.
type UsageRequest struct {
	Bytes     int64  `json:"bytes"`
	Service   string `json:"service,omitempty"`
	ZeroRated bool   `json:"zero_rated,omitempty"`
}

// ResetRequest is the optional body of POST /v1/subscribers/{id}/quota/reset.
type ResetRequest struct {
	TotalQuotaBytes *int64 `json:"total_quota_bytes,omitempty"`
}

// UsageResponse reports the quota after accounting.
type UsageResponse struct {
	Quota            contract.Quota `json:"quota"`
	ThresholdCrossed bool           `json:"threshold_crossed"`
	ExceededNow      bool           `json:"exceeded_now"`
	ZeroRated        bool           `json:"zero_rated"`
}

func usageResponse(res quota.Result) UsageResponse {
	return UsageResponse{
		Quota:            res.Quota,
		ThresholdCrossed: res.ThresholdCrossed,
		ExceededNow:      res.ExceededNow,
		ZeroRated:        res.ZeroRated,
	}
}

// ErrorResponse is the body of every non-2xx answer that carries no
// Diameter payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	TraceID string `json:"trace_id,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes and a stable
// machine-readable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, contract.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, contract.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, contract.ErrInvalidUsage):
		return http.StatusBadRequest, "invalid_usage"
	case errors.Is(err, contract.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, contract.ErrUnsupportedNetwork):
		return http.StatusForbidden, "unsupported_network"
	case errors.Is(err, contract.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, contract.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, contract.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}
