package poller

import "sync"

// DefaultRetryCeiling is the number of consecutive failures a concern may
// accumulate. The next failure after that is fatal.
const DefaultRetryCeiling = 20

// RetryBudget counts consecutive failures against a ceiling.
//
// RetryBudget is safe for concurrent use.
type RetryBudget struct {
	mu      sync.Mutex
	ceiling int
	count   int
}

// NewRetryBudget creates a budget that is exceeded once more than ceiling
// consecutive failures have been recorded. A non-positive ceiling selects
// [DefaultRetryCeiling].
func NewRetryBudget(ceiling int) *RetryBudget {
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	return &RetryBudget{ceiling: ceiling}
}

// Fail records a failure and reports whether the budget is now exceeded.
func (b *RetryBudget) Fail() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
	return b.count > b.ceiling
}

// Reset clears the failure count after a success.
func (b *RetryBudget) Reset() {
	b.mu.Lock()
	b.count = 0
	b.mu.Unlock()
}

// Count returns the current number of consecutive failures.
func (b *RetryBudget) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
