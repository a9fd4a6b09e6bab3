package diameter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/searchforge/pcf/charging"
	"github.com/searchforge/pcf/internal/contract"
	"github.com/searchforge/pcf/obs"
)

// DefaultGrantBytes is granted on a Gy request that asks for no specific amount.
const DefaultGrantBytes int64 = 100_000_000

// PolicyService is the part of the policy engine the adapter drives.
type PolicyService interface {
	Evaluate(ctx context.Context, req contract.PolicyRequest) (contract.PolicyDecision, error)
	AuthorizeCredit(ctx context.Context, req charging.CreditRequest) (charging.Authorization, error)
	TerminateSession(ctx context.Context, req contract.PolicyRequest) error
	ChargeRecord(ctx context.Context, req contract.PolicyRequest, typ charging.RecordType, bytes int64) (charging.ChargeRecord, error)
}

// Adapter translates Gx, Gy and Gz messages into engine calls.
type Adapter struct {
	svc      PolicyService
	sessions SessionStore
	gz       charging.RecordSink
	logger   *zap.Logger
	now      func() time.Time
}

// NewAdapter wires an adapter. A nil session store selects an in-memory one
// without expiry.
func NewAdapter(svc PolicyService, sessions SessionStore, gz charging.RecordSink, logger *zap.Logger) *Adapter {
	if sessions == nil {
		sessions = NewMemorySessionStore(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{svc: svc, sessions: sessions, gz: gz, logger: logger, now: time.Now}
}

// Sessions returns the session store.
func (a *Adapter) Sessions() SessionStore {
	return a.sessions
}

func (r GxRequest) policyRequest(s *Session) contract.PolicyRequest {
	req := contract.PolicyRequest{
		SubscriberID:      r.SubscriberID,
		IMSI:              r.IMSI,
		NetworkGeneration: r.NetworkGeneration,
		APN:               r.APN,
		ServiceType:       r.ServiceType,
		ApplicationID:     r.ApplicationID,
		Location:          r.Location,
		TimeOfDay:         r.TimeOfDay,
		UsedBytes:         r.UsedBytes,
		SessionID:         r.SessionID,
	}
	if s != nil {
		if req.SubscriberID == "" {
			req.SubscriberID = s.SubscriberID
		}
		if req.IMSI == "" {
			req.IMSI = s.IMSI
		}
		if req.APN == "" {
			req.APN = s.APN
		}
		if req.NetworkGeneration == "" {
			req.NetworkGeneration = s.Generation
		}
		if req.ServiceType == "" {
			req.ServiceType = s.ServiceType
			if req.ApplicationID == "" {
				req.ApplicationID = s.ApplicationID
			}
		}
	}
	if req.IMSI == "" {
		req.IMSI = req.SubscriberID
	}
	if req.NetworkGeneration == "" {
		req.NetworkGeneration = contract.Network4G
	}
	if req.ServiceType == "" {
		req.ServiceType = "default"
	}
	return req
}

// HandleGx processes a Gx CCR. The answer always carries a result code;
// the error is returned alongside it for callers that map it elsewhere.
func (a *Adapter) HandleGx(ctx context.Context, req GxRequest) (ans GxAnswer, err error) {
	ctx, span := obs.StartSpan(ctx, "diameter.gx",
		attribute.String("session_id", req.SessionID),
		attribute.String("request_type", string(req.RequestType)),
	)
	defer func() {
		ans.ResultCode = ResultCodeFor(err)
		if err != nil {
			ans.Error = err.Error()
		}
		obs.RecordDiameterAnswer("gx", string(req.RequestType), resultLabel(ans.ResultCode))
		obs.EndSpan(span, err)
	}()

	ans = GxAnswer{
		SessionID:    req.SessionID,
		SubscriberID: req.SubscriberID,
		APN:          req.APN,
		RequestType:  req.RequestType,
	}
	if req.SessionID == "" {
		return ans, fmt.Errorf("%w: session_id required", contract.ErrInvalidRequest)
	}

	switch req.RequestType {
	case RequestInitial:
		return a.gxInitial(ctx, req, ans)
	case RequestUpdate:
		return a.gxUpdate(ctx, req, ans)
	case RequestTerminate:
		return a.gxTerminate(ctx, req, ans)
	default:
		return ans, fmt.Errorf("%w: request_type %q", contract.ErrInvalidRequest, req.RequestType)
	}
}

func (a *Adapter) gxInitial(ctx context.Context, req GxRequest, ans GxAnswer) (GxAnswer, error) {
	if req.SubscriberID == "" {
		return ans, fmt.Errorf("%w: subscriber_id required", contract.ErrInvalidRequest)
	}
	state, err := Next(StateNone, RequestInitial)
	if err != nil {
		return ans, err
	}

	preq := req.policyRequest(nil)
	now := a.now().UTC()
	sess := Session{
		ID:            req.SessionID,
		SubscriberID:  preq.SubscriberID,
		IMSI:          preq.IMSI,
		APN:           preq.APN,
		State:         state,
		RequestNumber: req.RequestNumber,
		Generation:    preq.NetworkGeneration,
		ServiceType:   preq.ServiceType,
		ApplicationID: preq.ApplicationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, ErrSessionExists) {
			return ans, fmt.Errorf("%w: %w", contract.ErrInvalidRequest, err)
		}
		return ans, err
	}

	decision, err := a.svc.Evaluate(ctx, preq)
	if err != nil {
		if delErr := a.sessions.Delete(context.WithoutCancel(ctx), req.SessionID); delErr != nil {
			a.logger.Warn("discard session", zap.String("session_id", req.SessionID), zap.Error(delErr))
		}
		return ans, err
	}

	// The decision is committed; record it even if the caller has gone.
	if _, err := a.sessions.Update(context.WithoutCancel(ctx), req.SessionID, func(s *Session) error {
		s.UpdatedAt = a.now().UTC()
		return activate(s)
	}); err != nil {
		return ans, err
	}
	obs.AddActiveSessions(1)

	ans.PolicyDecision = &decision
	a.logger.Debug("gx session created",
		zap.String("session_id", req.SessionID),
		zap.String("subscriber_id", preq.SubscriberID),
		zap.Bool("access_granted", decision.AccessGranted),
	)
	return ans, nil
}

func (a *Adapter) gxUpdate(ctx context.Context, req GxRequest, ans GxAnswer) (GxAnswer, error) {
	sess, err := a.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return ans, err
	}
	if _, err := Next(sess.State, RequestUpdate); err != nil {
		return ans, err
	}
	if req.SubscriberID != "" && req.SubscriberID != sess.SubscriberID {
		return ans, fmt.Errorf("%w: session %s belongs to another subscriber", contract.ErrInvalidRequest, req.SessionID)
	}

	preq := req.policyRequest(&sess)
	ans.SubscriberID = preq.SubscriberID
	ans.APN = preq.APN

	decision, err := a.svc.Evaluate(ctx, preq)
	if err != nil {
		return ans, err
	}

	if _, err := a.sessions.Update(context.WithoutCancel(ctx), req.SessionID, func(s *Session) error {
		next, err := Next(s.State, RequestUpdate)
		if err != nil {
			return err
		}
		s.State = next
		s.RequestNumber = req.RequestNumber
		s.Generation = preq.NetworkGeneration
		s.ServiceType = preq.ServiceType
		s.ApplicationID = preq.ApplicationID
		s.UpdatedAt = a.now().UTC()
		return nil
	}); err != nil {
		return ans, err
	}

	ans.PolicyDecision = &decision
	return ans, nil
}

func (a *Adapter) gxTerminate(ctx context.Context, req GxRequest, ans GxAnswer) (GxAnswer, error) {
	sess, err := a.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return ans, err
	}
	if _, err := Next(sess.State, RequestTerminate); err != nil {
		return ans, err
	}
	if err := a.sessions.Delete(ctx, req.SessionID); err != nil {
		return ans, err
	}
	if sess.State == StateActive {
		obs.AddActiveSessions(-1)
	}

	preq := req.policyRequest(&sess)
	ans.SubscriberID = preq.SubscriberID
	ans.APN = preq.APN
	if err := a.svc.TerminateSession(ctx, preq); err != nil {
		return ans, err
	}
	a.logger.Debug("gx session terminated",
		zap.String("session_id", req.SessionID),
		zap.String("subscriber_id", preq.SubscriberID),
	)
	return ans, nil
}

// HandleGy processes a Gy CCR against the session's charging context.
// Credit declines and OCS failures are answered with access denied rather
// than returned as errors.
func (a *Adapter) HandleGy(ctx context.Context, req GyRequest) (ans GyAnswer, err error) {
	ctx, span := obs.StartSpan(ctx, "diameter.gy",
		attribute.String("session_id", req.SessionID),
		attribute.String("request_type", string(req.RequestType)),
	)
	defer func() {
		if err != nil {
			ans.ResultCode = ResultCodeFor(err)
			ans.Error = err.Error()
		}
		obs.RecordDiameterAnswer("gy", string(req.RequestType), resultLabel(ans.ResultCode))
		obs.EndSpan(span, err)
	}()

	ans = GyAnswer{
		SessionID:    req.SessionID,
		SubscriberID: req.SubscriberID,
		RequestType:  req.RequestType,
		Used:         req.Used,
	}
	if req.SessionID == "" {
		return ans, fmt.Errorf("%w: session_id required", contract.ErrInvalidRequest)
	}
	switch req.RequestType {
	case RequestInitial, RequestUpdate, RequestTerminate, RequestEvent:
	default:
		return ans, fmt.Errorf("%w: request_type %q", contract.ErrInvalidRequest, req.RequestType)
	}
	if req.Used.Bytes() < 0 || req.Requested.Bytes() < 0 {
		return ans, fmt.Errorf("%w: negative service units", contract.ErrInvalidUsage)
	}

	sess, err := a.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return ans, err
	}
	if req.SubscriberID != "" && req.SubscriberID != sess.SubscriberID {
		return ans, fmt.Errorf("%w: session %s belongs to another subscriber", contract.ErrInvalidRequest, req.SessionID)
	}
	ans.SubscriberID = sess.SubscriberID

	if req.RequestType == RequestTerminate {
		ans.ResultCode = ResultSuccess
		ans.AccessGranted = true
		return ans, nil
	}

	requested := req.Requested.Bytes()
	if requested == 0 {
		requested = DefaultGrantBytes
	}
	auth, authErr := a.svc.AuthorizeCredit(ctx, charging.CreditRequest{
		SubscriberID:   sess.SubscriberID,
		SessionID:      sess.ID,
		ServiceType:    sess.ServiceType,
		ApplicationID:  sess.ApplicationID,
		RequestedBytes: requested,
		UsedBytes:      req.Used.Bytes(),
	})
	if authErr != nil {
		if !errors.Is(authErr, contract.ErrInsufficientBalance) &&
			!errors.Is(authErr, contract.ErrUpstreamUnavailable) &&
			!errors.Is(authErr, contract.ErrTimeout) {
			return ans, authErr
		}
		ans.ResultCode = ResultCodeFor(authErr)
		ans.AccessGranted = false
		ans.Error = authErr.Error()
		a.logger.Info("gy credit refused",
			zap.String("session_id", sess.ID),
			zap.String("subscriber_id", sess.SubscriberID),
			zap.Error(authErr),
		)
		return ans, nil
	}

	ans.ResultCode = ResultSuccess
	ans.AccessGranted = true
	ans.Granted = &ServiceUnits{TotalOctets: auth.GrantedBytes}
	ans.Balance = auth.Balance.String()
	return ans, nil
}

// HandleGz queues an accounting record for the CGF. It never waits for
// delivery.
func (a *Adapter) HandleGz(ctx context.Context, rec GzRecord) (ack GzAck, err error) {
	defer func() {
		ack.ResultCode = ResultCodeFor(err)
		obs.RecordDiameterAnswer("gz", string(rec.RecordType), resultLabel(ack.ResultCode))
	}()

	if rec.SubscriberID == "" {
		return ack, fmt.Errorf("%w: subscriber_id required", contract.ErrInvalidRequest)
	}
	switch rec.RecordType {
	case charging.RecordStart, charging.RecordInterim, charging.RecordStop, charging.RecordEvent:
	default:
		return ack, fmt.Errorf("%w: record_type %q", contract.ErrInvalidRequest, rec.RecordType)
	}
	bytes := rec.ServiceUnits.Bytes()
	if bytes < 0 {
		return ack, fmt.Errorf("%w: negative service units", contract.ErrInvalidUsage)
	}

	preq := contract.PolicyRequest{SubscriberID: rec.SubscriberID, SessionID: rec.SessionID, ServiceType: "default"}
	if rec.SessionID != "" {
		if sess, err := a.sessions.Get(ctx, rec.SessionID); err == nil {
			preq.ServiceType = sess.ServiceType
			preq.ApplicationID = sess.ApplicationID
		}
	}

	cdr, err := a.svc.ChargeRecord(ctx, preq, rec.RecordType, bytes)
	if err != nil {
		return ack, err
	}
	if !rec.Timestamp.IsZero() {
		cdr.Timestamp = rec.Timestamp.UTC()
	}
	ack.RecordID = cdr.RecordID
	if a.gz != nil {
		ack.Accepted = a.gz.Submit(cdr)
	}
	return ack, nil
}
