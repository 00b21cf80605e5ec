package recovery

import "sync"

// maxMaxTokensRecoveries bounds how many continuation turns a single
// truncated response may consume. Recovery turns do not advance the
// iteration counter.
const maxMaxTokensRecoveries = 3

// ContinuationPrompt asks the model to pick up a reply that was cut off
// at the token limit.
const ContinuationPrompt = "Your previous reply was cut off at the output token limit. Continue exactly where you stopped. Do not repeat what you already wrote."

// MaxTokensRecovery tracks continuation attempts for truncated responses.
// State is per step; reset at step boundaries.
type MaxTokensRecovery struct {
	mu   sync.Mutex
	used int
}

// TryContinue consumes one continuation allowance. It returns false when
// the per-step recovery budget is spent, in which case the loop accepts
// the truncated text as-is.
func (r *MaxTokensRecovery) TryContinue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used >= maxMaxTokensRecoveries {
		return false
	}
	r.used++
	return true
}

// Used returns the number of continuations consumed this step.
func (r *MaxTokensRecovery) Used() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Reset clears the allowance at a step boundary.
func (r *MaxTokensRecovery) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used = 0
}
