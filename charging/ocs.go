package charging

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/searchforge/pcf/internal/contract"
)

// AuthorizationRequest asks the OCS to reserve balance for usage.
type AuthorizationRequest struct {
	SubscriberID   string          `json:"subscriber_id"`
	SessionID      string          `json:"session_id,omitempty"`
	RatingGroup    int             `json:"rating_group"`
	RequestedBytes int64           `json:"requested_bytes"`
	UsedBytes      int64           `json:"used_bytes,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
}

// Authorization is a granted OCS reservation.
type Authorization struct {
	GrantedBytes int64           `json:"granted_bytes"`
	Balance      decimal.Decimal `json:"balance"`
}

// CreditRequest is a credit-control ask from the gateway, expressed in
// service terms rather than money. The engine prices it into an
// AuthorizationRequest.
type CreditRequest struct {
	SubscriberID   string `json:"subscriber_id"`
	SessionID      string `json:"session_id"`
	ServiceType    string `json:"service_type"`
	ApplicationID  string `json:"application_id,omitempty"`
	RequestedBytes int64  `json:"requested_bytes"`
	UsedBytes      int64  `json:"used_bytes"`
}

// BalanceChecker is the online charging collaborator. Implementations
// return contract.ErrInsufficientBalance when the request is declined and
// contract.ErrUpstreamUnavailable when the OCS cannot answer. Refund
// returns req.Amount of an earlier successful Authorize to the account.
type BalanceChecker interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (Authorization, error)
	Refund(ctx context.Context, req AuthorizationRequest) error
}

// Ledger is an in-process prepaid balance book.
type Ledger struct {
	mu             sync.Mutex
	balances       map[string]decimal.Decimal
	defaultBalance decimal.Decimal
}

// NewLedger returns a ledger that opens unknown accounts with defaultBalance.
func NewLedger(defaultBalance decimal.Decimal) *Ledger {
	return &Ledger{
		balances:       make(map[string]decimal.Decimal),
		defaultBalance: defaultBalance,
	}
}

// TopUp credits amount to a subscriber and returns the new balance.
func (l *Ledger) TopUp(subscriberID string, amount decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(subscriberID).Add(amount)
	l.balances[subscriberID] = bal
	return bal
}

// Balance returns the current balance of a subscriber.
func (l *Ledger) Balance(subscriberID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(subscriberID)
}

func (l *Ledger) balanceLocked(subscriberID string) decimal.Decimal {
	if bal, ok := l.balances[subscriberID]; ok {
		return bal
	}
	return l.defaultBalance
}

// Authorize debits req.Amount. A zero amount still requires a positive balance.
func (l *Ledger) Authorize(ctx context.Context, req AuthorizationRequest) (Authorization, error) {
	if err := ctx.Err(); err != nil {
		return Authorization{}, contract.FromContext(err)
	}
	if req.Amount.IsNegative() {
		return Authorization{}, fmt.Errorf("%w: negative amount %s", contract.ErrInvalidRequest, req.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balanceLocked(req.SubscriberID)
	if !bal.IsPositive() || bal.LessThan(req.Amount) {
		return Authorization{Balance: bal}, fmt.Errorf("%w: subscriber %s balance %s, requested %s",
			contract.ErrInsufficientBalance, req.SubscriberID, bal.StringFixed(2), req.Amount.StringFixed(2))
	}
	bal = bal.Sub(req.Amount)
	l.balances[req.SubscriberID] = bal
	return Authorization{GrantedBytes: req.RequestedBytes, Balance: bal}, nil
}

// Refund credits req.Amount back to the subscriber.
func (l *Ledger) Refund(ctx context.Context, req AuthorizationRequest) error {
	if err := ctx.Err(); err != nil {
		return contract.FromContext(err)
	}
	if req.Amount.IsNegative() {
		return fmt.Errorf("%w: negative refund %s", contract.ErrInvalidRequest, req.Amount)
	}
	l.TopUp(req.SubscriberID, req.Amount)
	return nil
}
