package diameter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/searchforge/pcf/internal/contract"
)

func TestTransitions(t *testing.T) {
	cases := []struct {
		from    SessionState
		req     RequestType
		want    SessionState
		wantErr error
	}{
		{StateNone, RequestInitial, StateCreated, nil},
		{StateNone, RequestUpdate, StateNone, contract.ErrSessionNotFound},
		{StateNone, RequestTerminate, StateNone, contract.ErrSessionNotFound},
		{StateCreated, RequestTerminate, StateTerminated, nil},
		{StateCreated, RequestUpdate, StateCreated, contract.ErrInvalidRequest},
		{StateActive, RequestUpdate, StateActive, nil},
		{StateActive, RequestTerminate, StateTerminated, nil},
		{StateActive, RequestInitial, StateActive, contract.ErrInvalidRequest},
		{StateTerminated, RequestUpdate, StateTerminated, contract.ErrSessionNotFound},
		{StateTerminated, RequestTerminate, StateTerminated, contract.ErrSessionNotFound},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_%s", tc.from, tc.req), func(t *testing.T) {
			got, err := Next(tc.from, tc.req)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestResultCodeFor(t *testing.T) {
	cases := []struct {
		err       error
		code      uint32
		transient bool
	}{
		{nil, ResultSuccess, false},
		{fmt.Errorf("wrap: %w", contract.ErrSessionNotFound), ResultUnknownSessionID, false},
		{contract.ErrNotFound, ResultUserUnknown, false},
		{contract.ErrUnsupportedNetwork, ResultAuthorizationRejected, false},
		{contract.ErrInvalidRequest, ResultInvalidAVPValue, false},
		{contract.ErrInvalidUsage, ResultInvalidAVPValue, false},
		{contract.ErrInsufficientBalance, ResultCreditLimitReached, true},
		{contract.FromContext(context.DeadlineExceeded), ResultTooBusy, true},
		{fmt.Errorf("%w: ocs", contract.ErrUpstreamUnavailable), ResultUnableToDeliver, true},
		{errors.New("boom"), ResultUnableToComply, false},
	}
	for _, tc := range cases {
		code := ResultCodeFor(tc.err)
		if code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, code)
		}
		if Transient(code) != tc.transient {
			t.Fatalf("%d: expected transient=%v", code, tc.transient)
		}
	}
}

func TestServiceUnitsBytes(t *testing.T) {
	var nilUnits *ServiceUnits
	if nilUnits.Bytes() != 0 {
		t.Fatal("nil units must count zero")
	}
	if (&ServiceUnits{InputOctets: 3, OutputOctets: 4}).Bytes() != 7 {
		t.Fatal("expected direction sum")
	}
	if (&ServiceUnits{TotalOctets: 10, InputOctets: 3}).Bytes() != 10 {
		t.Fatal("expected total to win")
	}
}
