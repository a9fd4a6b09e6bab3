package contract

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates an unknown subscriber.
	ErrNotFound = errors.New("subscriber not found")
	// ErrUnsupportedNetwork indicates the generation is not in the subscriber's supported set.
	ErrUnsupportedNetwork = errors.New("unsupported network generation")
	// ErrInvalidRequest indicates malformed input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUsage indicates a negative or otherwise impossible usage report.
	ErrInvalidUsage = errors.New("invalid usage")
	// ErrInsufficientBalance indicates online charging declined the request.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrSessionNotFound indicates a Diameter message for an unknown or terminated session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTimeout indicates the call deadline was exceeded.
	ErrTimeout = errors.New("deadline exceeded")
	// ErrUpstreamUnavailable indicates the OCS, CGF or another collaborator could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// FromContext maps a context error onto the taxonomy. Cancellation and
// deadline expiry both surface as ErrTimeout.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}
