// Package diameter adapts Gx, Gy and Gz credit-control exchanges onto the
// policy engine. It owns the session state machine, the session stores and
// the asynchronous Gz delivery path.
package diameter

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/searchforge/pcf/charging"
	"github.com/searchforge/pcf/internal/contract"
)

// Application ids.
const (
	ApplicationGx uint32 = 16777238
	ApplicationGy uint32 = 4
	ApplicationGz uint32 = 4
)

// Command codes.
const (
	CommandCreditControl uint32 = 272
	CommandReAuth        uint32 = 258
)

// Result codes.
const (
	ResultSuccess               uint32 = 2001
	ResultUnableToDeliver       uint32 = 3002
	ResultTooBusy               uint32 = 3004
	ResultCreditLimitReached    uint32 = 4012
	ResultUnknownSessionID      uint32 = 5002
	ResultAuthorizationRejected uint32 = 5003
	ResultInvalidAVPValue       uint32 = 5004
	ResultUnableToComply        uint32 = 5012
	ResultUserUnknown           uint32 = 5030
)

// ResultCodeFor maps an error onto a Diameter result code.
func ResultCodeFor(err error) uint32 {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, contract.ErrSessionNotFound):
		return ResultUnknownSessionID
	case errors.Is(err, contract.ErrNotFound):
		return ResultUserUnknown
	case errors.Is(err, contract.ErrUnsupportedNetwork):
		return ResultAuthorizationRejected
	case errors.Is(err, contract.ErrInvalidRequest), errors.Is(err, contract.ErrInvalidUsage):
		return ResultInvalidAVPValue
	case errors.Is(err, contract.ErrInsufficientBalance):
		return ResultCreditLimitReached
	case errors.Is(err, contract.ErrTimeout):
		return ResultTooBusy
	case errors.Is(err, contract.ErrUpstreamUnavailable):
		return ResultUnableToDeliver
	default:
		return ResultUnableToComply
	}
}

// Transient reports whether the peer may retry a request answered with code.
func Transient(code uint32) bool {
	return code >= 3000 && code < 5000
}

// RequestType is the CC-Request-Type of a message.
type RequestType string

const (
	RequestInitial   RequestType = "INITIAL"
	RequestUpdate    RequestType = "UPDATE"
	RequestTerminate RequestType = "TERMINATE"
	RequestEvent     RequestType = "EVENT"
)

// SessionState is the lifecycle position of a Gx session.
type SessionState string

const (
	StateNone       SessionState = ""
	StateCreated    SessionState = "created"
	StateActive     SessionState = "active"
	StateTerminated SessionState = "terminated"
)

// transitions is the Gx state machine. Created becomes Active once the
// initial answer has been produced; that step is not driven by a request.
var transitions = map[SessionState]map[RequestType]SessionState{
	StateNone: {
		RequestInitial: StateCreated,
	},
	StateCreated: {
		RequestTerminate: StateTerminated,
	},
	StateActive: {
		RequestUpdate:    StateActive,
		RequestTerminate: StateTerminated,
	},
}

// Next returns the state a session in from moves to on req.
func Next(from SessionState, req RequestType) (SessionState, error) {
	if from == StateTerminated {
		return from, contract.ErrSessionNotFound
	}
	to, ok := transitions[from][req]
	if !ok {
		if from == StateNone {
			return from, contract.ErrSessionNotFound
		}
		return from, fmt.Errorf("%w: %s not allowed in state %s", contract.ErrInvalidRequest, req, from)
	}
	return to, nil
}

func activate(s *Session) error {
	if s.State != StateCreated {
		return fmt.Errorf("%w: session %s is %s", contract.ErrInvalidRequest, s.ID, s.State)
	}
	s.State = StateActive
	return nil
}

// Session is one Gx session and the request context it was last evaluated with.
type Session struct {
	ID            string                     `json:"session_id"`
	SubscriberID  string                     `json:"subscriber_id"`
	IMSI          string                     `json:"imsi"`
	APN           string                     `json:"apn"`
	State         SessionState               `json:"state"`
	RequestNumber int                        `json:"request_number"`
	Generation    contract.NetworkGeneration `json:"network_generation"`
	ServiceType   string                     `json:"service_type"`
	ApplicationID string                     `json:"application_id,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// ServiceUnits counts usage or grants.
type ServiceUnits struct {
	TotalOctets  int64 `json:"total_octets,omitempty"`
	InputOctets  int64 `json:"input_octets,omitempty"`
	OutputOctets int64 `json:"output_octets,omitempty"`
	Time         int64 `json:"time,omitempty"`
}

// Bytes returns the total octets, summing directions when no total is given.
func (u *ServiceUnits) Bytes() int64 {
	if u == nil {
		return 0
	}
	if u.TotalOctets > 0 {
		return u.TotalOctets
	}
	return u.InputOctets + u.OutputOctets
}

// GxRequest is a CCR on the Gx application.
type GxRequest struct {
	SessionID         string                     `json:"session_id"`
	SubscriberID      string                     `json:"subscriber_id"`
	IMSI              string                     `json:"imsi,omitempty"`
	APN               string                     `json:"apn"`
	RequestType       RequestType                `json:"request_type"`
	RequestNumber     int                        `json:"request_number,omitempty"`
	NetworkGeneration contract.NetworkGeneration `json:"network_generation,omitempty"`
	ServiceType       string                     `json:"service_type,omitempty"`
	ApplicationID     string                     `json:"application_id,omitempty"`
	Location          string                     `json:"location,omitempty"`
	TimeOfDay         string                     `json:"time_of_day,omitempty"`
	UsedBytes         int64                      `json:"used_bytes,omitempty"`
}

// GxAnswer is the CCA for a GxRequest.
type GxAnswer struct {
	SessionID      string                   `json:"session_id"`
	SubscriberID   string                   `json:"subscriber_id"`
	APN            string                   `json:"apn"`
	RequestType    RequestType              `json:"request_type"`
	ResultCode     uint32                   `json:"result_code"`
	PolicyDecision *contract.PolicyDecision `json:"policy_decision,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// GyRequest is a CCR on the Gy application.
type GyRequest struct {
	SessionID    string        `json:"session_id"`
	SubscriberID string        `json:"subscriber_id"`
	RequestType  RequestType   `json:"request_type"`
	Used         *ServiceUnits `json:"used_service_units,omitempty"`
	Requested    *ServiceUnits `json:"requested_service_units,omitempty"`
}

// GyAnswer is the CCA for a GyRequest. A declined or unanswered credit
// request is a normal answer with AccessGranted false.
type GyAnswer struct {
	SessionID     string        `json:"session_id"`
	SubscriberID  string        `json:"subscriber_id"`
	RequestType   RequestType   `json:"request_type"`
	ResultCode    uint32        `json:"result_code"`
	AccessGranted bool          `json:"access_granted"`
	Used          *ServiceUnits `json:"used_service_units,omitempty"`
	Granted       *ServiceUnits `json:"granted_service_units,omitempty"`
	Balance       string        `json:"balance,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// GzRecord is an accounting record sent by the gateway.
type GzRecord struct {
	SessionID    string              `json:"session_id"`
	SubscriberID string              `json:"subscriber_id"`
	RecordType   charging.RecordType `json:"record_type"`
	ServiceUnits ServiceUnits        `json:"service_units"`
	Timestamp    time.Time           `json:"timestamp"`
}

// GzAck reports whether the record was queued for the CGF.
type GzAck struct {
	RecordID   string `json:"record_id,omitempty"`
	Accepted   bool   `json:"accepted"`
	ResultCode uint32 `json:"result_code"`
}

func resultLabel(code uint32) string {
	return strconv.FormatUint(uint64(code), 10)
}
