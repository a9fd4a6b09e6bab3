package diameter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/searchforge/pcf/charging"
	"github.com/searchforge/pcf/internal/contract"
)

type fakeService struct {
	mu          sync.Mutex
	evaluated   []contract.PolicyRequest
	terminated  []contract.PolicyRequest
	credits     []charging.CreditRequest
	evalErr     error
	creditErr   error
	grant       int64
	unsupported map[contract.NetworkGeneration]bool
}

func (f *fakeService) Evaluate(_ context.Context, req contract.PolicyRequest) (contract.PolicyDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluated = append(f.evaluated, req)
	if f.evalErr != nil {
		return contract.PolicyDecision{}, f.evalErr
	}
	if f.unsupported[req.NetworkGeneration] {
		return contract.PolicyDecision{}, fmt.Errorf("%w: %s", contract.ErrUnsupportedNetwork, req.NetworkGeneration)
	}
	return contract.PolicyDecision{SubscriberID: req.SubscriberID, AccessGranted: true}, nil
}

func (f *fakeService) AuthorizeCredit(_ context.Context, req charging.CreditRequest) (charging.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits = append(f.credits, req)
	if f.creditErr != nil {
		return charging.Authorization{}, f.creditErr
	}
	grant := req.RequestedBytes
	if f.grant > 0 {
		grant = f.grant
	}
	return charging.Authorization{GrantedBytes: grant, Balance: decimal.NewFromInt(5)}, nil
}

func (f *fakeService) TerminateSession(_ context.Context, req contract.PolicyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, req)
	return nil
}

func (f *fakeService) ChargeRecord(_ context.Context, req contract.PolicyRequest, typ charging.RecordType, bytes int64) (charging.ChargeRecord, error) {
	return charging.ChargeRecord{
		RecordID:     "cdr-" + req.SubscriberID,
		SessionID:    req.SessionID,
		SubscriberID: req.SubscriberID,
		Type:         typ,
		UsedBytes:    bytes,
	}, nil
}

type sinkRecorder struct {
	mu      sync.Mutex
	records []charging.ChargeRecord
	refuse  bool
}

func (s *sinkRecorder) Submit(rec charging.ChargeRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.records = append(s.records, rec)
	return true
}

func gx(id string, typ RequestType) GxRequest {
	return GxRequest{
		SessionID:         id,
		SubscriberID:      "1234567890",
		APN:               "internet",
		RequestType:       typ,
		NetworkGeneration: contract.Network5G,
		ServiceType:       "video_streaming",
		ApplicationID:     "youtube.com",
	}
}

func TestGxLifecycle(t *testing.T) {
	svc := &fakeService{}
	a := NewAdapter(svc, nil, nil, nil)
	ctx := context.Background()

	ans, err := a.HandleGx(ctx, gx("s1", RequestInitial))
	if err != nil || ans.ResultCode != ResultSuccess || ans.PolicyDecision == nil {
		t.Fatalf("initial: %+v (%v)", ans, err)
	}
	sess, err := a.Sessions().Get(ctx, "s1")
	if err != nil || sess.State != StateActive || sess.IMSI != "1234567890" {
		t.Fatalf("expected active session, got %+v (%v)", sess, err)
	}

	// Update without context reuses the session's.
	ans, err = a.HandleGx(ctx, GxRequest{SessionID: "s1", RequestType: RequestUpdate, RequestNumber: 1, UsedBytes: 1024})
	if err != nil || ans.ResultCode != ResultSuccess {
		t.Fatalf("update: %+v (%v)", ans, err)
	}
	last := svc.evaluated[len(svc.evaluated)-1]
	if last.SubscriberID != "1234567890" || last.NetworkGeneration != contract.Network5G ||
		last.ServiceType != "video_streaming" || last.ApplicationID != "youtube.com" || last.UsedBytes != 1024 {
		t.Fatalf("update did not inherit session context: %+v", last)
	}

	ans, err = a.HandleGx(ctx, GxRequest{SessionID: "s1", RequestType: RequestTerminate, UsedBytes: 10})
	if err != nil || ans.ResultCode != ResultSuccess || ans.PolicyDecision != nil {
		t.Fatalf("terminate: %+v (%v)", ans, err)
	}
	if len(svc.terminated) != 1 || svc.terminated[0].UsedBytes != 10 {
		t.Fatalf("expected terminate to reach the engine, got %+v", svc.terminated)
	}
	if _, err := a.Sessions().Get(ctx, "s1"); !errors.Is(err, contract.ErrSessionNotFound) {
		t.Fatalf("session must be destroyed, got %v", err)
	}
}

func TestGxUnknownSession(t *testing.T) {
	a := NewAdapter(&fakeService{}, nil, nil, nil)
	for _, typ := range []RequestType{RequestUpdate, RequestTerminate} {
		ans, err := a.HandleGx(context.Background(), gx("nope", typ))
		if !errors.Is(err, contract.ErrSessionNotFound) || ans.ResultCode != ResultUnknownSessionID {
			t.Fatalf("%s: expected session not found, got %+v (%v)", typ, ans, err)
		}
	}

	_, _ = a.HandleGx(context.Background(), gx("s1", RequestInitial))
	_, _ = a.HandleGx(context.Background(), gx("s1", RequestTerminate))
	if _, err := a.HandleGx(context.Background(), gx("s1", RequestTerminate)); !errors.Is(err, contract.ErrSessionNotFound) {
		t.Fatalf("second terminate must be unknown, got %v", err)
	}
}

func TestGxInitialFailureDiscardsSession(t *testing.T) {
	svc := &fakeService{unsupported: map[contract.NetworkGeneration]bool{contract.Network3G: true}}
	a := NewAdapter(svc, nil, nil, nil)

	req := gx("s3g", RequestInitial)
	req.NetworkGeneration = contract.Network3G
	ans, err := a.HandleGx(context.Background(), req)
	if !errors.Is(err, contract.ErrUnsupportedNetwork) || ans.ResultCode != ResultAuthorizationRejected {
		t.Fatalf("expected unsupported network, got %+v (%v)", ans, err)
	}
	if _, err := a.Sessions().Get(context.Background(), "s3g"); !errors.Is(err, contract.ErrSessionNotFound) {
		t.Fatalf("failed initial must not leave a session, got %v", err)
	}
}

func TestGxDuplicateInitialAndBadType(t *testing.T) {
	a := NewAdapter(&fakeService{}, nil, nil, nil)
	if _, err := a.HandleGx(context.Background(), gx("dup", RequestInitial)); err != nil {
		t.Fatalf("initial: %v", err)
	}
	if _, err := a.HandleGx(context.Background(), gx("dup", RequestInitial)); !errors.Is(err, contract.ErrInvalidRequest) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if ans, err := a.HandleGx(context.Background(), gx("dup", RequestEvent)); !errors.Is(err, contract.ErrInvalidRequest) || ans.ResultCode != ResultInvalidAVPValue {
		t.Fatalf("expected invalid request type, got %+v (%v)", ans, err)
	}
	if _, err := a.HandleGx(context.Background(), GxRequest{RequestType: RequestInitial}); !errors.Is(err, contract.ErrInvalidRequest) {
		t.Fatalf("expected missing session id rejection, got %v", err)
	}
}

func TestGxUpdateRejectsForeignSubscriber(t *testing.T) {
	a := NewAdapter(&fakeService{}, nil, nil, nil)
	_, _ = a.HandleGx(context.Background(), gx("s1", RequestInitial))
	req := gx("s1", RequestUpdate)
	req.SubscriberID = "someone-else"
	if _, err := a.HandleGx(context.Background(), req); !errors.Is(err, contract.ErrInvalidRequest) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestGyGrantsAndFailsClosed(t *testing.T) {
	svc := &fakeService{}
	a := NewAdapter(svc, nil, nil, nil)
	ctx := context.Background()

	if _, err := a.HandleGy(ctx, GyRequest{SessionID: "none", RequestType: RequestInitial}); !errors.Is(err, contract.ErrSessionNotFound) {
		t.Fatalf("expected unknown session, got %v", err)
	}

	_, _ = a.HandleGx(ctx, gx("s1", RequestInitial))
	ans, err := a.HandleGy(ctx, GyRequest{SessionID: "s1", RequestType: RequestInitial})
	if err != nil || !ans.AccessGranted || ans.ResultCode != ResultSuccess {
		t.Fatalf("expected grant, got %+v (%v)", ans, err)
	}
	if ans.Granted.TotalOctets != DefaultGrantBytes {
		t.Fatalf("expected default grant, got %+v", ans.Granted)
	}
	if svc.credits[0].ServiceType != "video_streaming" || svc.credits[0].ApplicationID != "youtube.com" {
		t.Fatalf("credit request must carry the session context, got %+v", svc.credits[0])
	}

	svc.creditErr = fmt.Errorf("%w: balance 0", contract.ErrInsufficientBalance)
	ans, err = a.HandleGy(ctx, GyRequest{SessionID: "s1", RequestType: RequestUpdate, Requested: &ServiceUnits{TotalOctets: 10}})
	if err != nil || ans.AccessGranted || ans.ResultCode != ResultCreditLimitReached {
		t.Fatalf("expected credit limit answer, got %+v (%v)", ans, err)
	}

	svc.creditErr = fmt.Errorf("%w: ocs", contract.ErrUpstreamUnavailable)
	ans, err = a.HandleGy(ctx, GyRequest{SessionID: "s1", RequestType: RequestUpdate})
	if err != nil || ans.AccessGranted || ans.ResultCode != ResultUnableToDeliver {
		t.Fatalf("OCS outage must fail closed, got %+v (%v)", ans, err)
	}

	ans, err = a.HandleGy(ctx, GyRequest{SessionID: "s1", RequestType: RequestTerminate, Used: &ServiceUnits{TotalOctets: 5}})
	if err != nil || ans.ResultCode != ResultSuccess || ans.Used.TotalOctets != 5 {
		t.Fatalf("terminate: %+v (%v)", ans, err)
	}
}

func TestGzQueuesRecords(t *testing.T) {
	sink := &sinkRecorder{}
	a := NewAdapter(&fakeService{}, nil, sink, nil)
	ctx := context.Background()

	ack, err := a.HandleGz(ctx, GzRecord{SubscriberID: "a", RecordType: charging.RecordInterim, ServiceUnits: ServiceUnits{InputOctets: 10, OutputOctets: 20}})
	if err != nil || !ack.Accepted || ack.ResultCode != ResultSuccess {
		t.Fatalf("expected accepted record, got %+v (%v)", ack, err)
	}
	if len(sink.records) != 1 || sink.records[0].UsedBytes != 30 {
		t.Fatalf("unexpected records %+v", sink.records)
	}

	sink.refuse = true
	ack, err = a.HandleGz(ctx, GzRecord{SubscriberID: "a", RecordType: charging.RecordStop})
	if err != nil || ack.Accepted {
		t.Fatalf("full queue must be reported without error, got %+v (%v)", ack, err)
	}

	if _, err := a.HandleGz(ctx, GzRecord{SubscriberID: "a", RecordType: "bogus"}); !errors.Is(err, contract.ErrInvalidRequest) {
		t.Fatalf("expected invalid record type, got %v", err)
	}
}
