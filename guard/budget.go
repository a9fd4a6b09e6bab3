package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// BudgetArbiter bounds one evaluation with a deadline and records whether
// the deadline was the reason it ended.
type BudgetArbiter struct {
	ctx     context.Context
	cancel  context.CancelFunc
	hit     atomic.Bool
	metrics *Metrics
}

// NewBudgetArbiter derives a context from parent that expires after budget.
// A zero budget adds no deadline.
func NewBudgetArbiter(parent context.Context, budget time.Duration, metrics *Metrics) (*BudgetArbiter, error) {
	if budget < 0 {
		return nil, ErrInvalidBudget
	}
	if parent == nil {
		parent = context.Background()
	}

	b := &BudgetArbiter{metrics: metrics}
	if budget == 0 {
		b.ctx, b.cancel = context.WithCancel(parent)
		return b, nil
	}

	b.ctx, b.cancel = context.WithTimeout(parent, budget)
	go func() {
		<-b.ctx.Done()
		if errors.Is(b.ctx.Err(), context.DeadlineExceeded) {
			b.hit.Store(true)
			b.metrics.IncBudgetHit()
		}
	}()
	return b, nil
}

// Context returns the budget-bound context.
func (b *BudgetArbiter) Context() context.Context {
	return b.ctx
}

// Release frees the budget's resources. It must be called once the
// evaluation finishes.
func (b *BudgetArbiter) Release() {
	b.cancel()
}

// Hit reports whether the budget deadline fired.
func (b *BudgetArbiter) Hit() bool {
	if b == nil {
		return false
	}
	return b.hit.Load()
}
