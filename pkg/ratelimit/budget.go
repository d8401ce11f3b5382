package ratelimit

import (
	"sync"
	"time"
)

// PeriodBudget grants a fixed quota per fixed-length period, used for
// per-IP bandwidth bytes and compute-cost units.
type PeriodBudget struct {
	mu          sync.Mutex
	budget      int64
	period      time.Duration
	periodStart time.Time
	used        int64
}

// NewPeriodBudget constructs a budget of budgetPerPeriod units,
// resetting every period.
func NewPeriodBudget(budgetPerPeriod int64, period time.Duration) *PeriodBudget {
	return &PeriodBudget{budget: budgetPerPeriod, period: period}
}

// BudgetDecision is the outcome of a TryConsume call.
type BudgetDecision struct {
	Allowed bool
	Used    int64
}

// TryConsume resets the period if it has elapsed, then admits amount
// if used+amount would not exceed the budget.
func (b *PeriodBudget) TryConsume(now time.Time, amount int64) BudgetDecision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.periodStart.IsZero() || now.Sub(b.periodStart) >= b.period {
		b.periodStart = now
		b.used = 0
	}

	if b.used+amount <= b.budget {
		b.used += amount
		return BudgetDecision{Allowed: true, Used: b.used}
	}
	return BudgetDecision{Allowed: false, Used: b.used}
}

// Used returns the current period's consumption without mutating state.
func (b *PeriodBudget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
