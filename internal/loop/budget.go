package loop

import (
	"fmt"
	"sync/atomic"
)

// Budget exhaustion reasons. Both are fatal to the owning task and are
// never retried.
const (
	ReasonMaxSubSteps = "MAX_SUB_STEPS_REACHED"
	ReasonLLMBudget   = "LLM_BUDGET_EXCEEDED"
)

// BudgetExceededError signals that a task ran out of sub-steps or that the
// run-wide oracle call allowance is spent.
type BudgetExceededError struct {
	Task   string
	Reason string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("task %s: budget exceeded: %s", e.Task, e.Reason)
}

// CallBudget is the shared oracle call allowance for one run. Every loop
// acquires a slot before consulting the oracle, so the cap holds across all
// concurrently running tasks.
type CallBudget struct {
	limit int64
	used  atomic.Int64
}

// NewCallBudget creates a budget allowing up to limit oracle calls.
func NewCallBudget(limit int) *CallBudget {
	return &CallBudget{limit: int64(limit)}
}

// Acquire reserves one call. It returns false when the budget is spent; a
// failed acquire does not consume a slot.
func (b *CallBudget) Acquire() bool {
	for {
		used := b.used.Load()
		if used >= b.limit {
			return false
		}
		if b.used.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

// Used reports how many calls have been acquired.
func (b *CallBudget) Used() int {
	return int(b.used.Load())
}

// Remaining reports how many calls are left.
func (b *CallBudget) Remaining() int {
	r := b.limit - b.used.Load()
	if r < 0 {
		return 0
	}
	return int(r)
}
