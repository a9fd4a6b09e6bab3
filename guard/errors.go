// Package guard protects calls to external collaborators (OCS, CGF,
// predictors) with timeouts, rate limits and circuit breakers, and bounds
// whole evaluations with a deadline budget.
package guard

import "errors"

var (
	// ErrCircuitOpen indicates the circuit breaker is currently open.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrRateLimited indicates calls to the upstream are rate limited.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidBudget indicates the provided budget is invalid.
	ErrInvalidBudget = errors.New("invalid budget")
)

// Rejected reports whether err came from the guard itself rather than the
// guarded call.
func Rejected(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited)
}

// CallerFault is implemented by errors that report a request the upstream
// refused on its merits, such as a credit decline. The upstream answered,
// so the breaker counts the call as healthy.
type CallerFault interface {
	CallerFault() bool
}

func healthy(err error) bool {
	if err == nil {
		return true
	}
	var cf CallerFault
	return errors.As(err, &cf) && cf.CallerFault()
}
