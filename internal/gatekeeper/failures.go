package gatekeeper

import (
	"fmt"
	"sync"
)

// Cross-step failure policy: each failure increments a per-tool counter,
// each success decrements it (floor 0). At the threshold the tool is
// blocked for the rest of the task with guidance to fall back to text
// output.
const crossStepFailureThreshold = 6

// hardFailureTripCount flips the per-process circuit breaker.
const hardFailureTripCount = 3

// FailureTracker maintains per-tool failure counters across steps and the
// per-process circuit breaker. It outlives a step but is reset on full
// task retry.
type FailureTracker struct {
	mu sync.Mutex

	// net failure counters, failures minus successes, floored at zero.
	counts map[string]int

	// hard failures accumulate independently and trip the breaker.
	hard     map[string]int
	disabled map[string]string // tool -> last error
}

// NewFailureTracker creates an empty tracker.
func NewFailureTracker() *FailureTracker {
	return &FailureTracker{
		counts:   make(map[string]int),
		hard:     make(map[string]int),
		disabled: make(map[string]string),
	}
}

// RecordFailure increments the net counter for the tool. hardFailure also
// feeds the circuit breaker with the given error message.
func (t *FailureTracker) RecordFailure(tool string, hardFailure bool, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[tool]++
	if hardFailure {
		t.hard[tool]++
		if t.hard[tool] >= hardFailureTripCount {
			t.disabled[tool] = errMsg
		}
	}
}

// RecordSuccess decrements the net counter for the tool, floored at zero.
func (t *FailureTracker) RecordSuccess(tool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[tool] > 0 {
		t.counts[tool]--
	}
}

// Count returns the current net failure count for the tool.
func (t *FailureTracker) Count(tool string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[tool]
}

// Blocked reports whether the tool crossed the cross-step threshold.
func (t *FailureTracker) Blocked(tool string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[tool] >= crossStepFailureThreshold
}

// Disabled reports whether the circuit breaker tripped for the tool and
// returns the last error if so.
func (t *FailureTracker) Disabled(tool string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, ok := t.disabled[tool]
	return msg, ok
}

// Warnings summarizes tools with elevated failure counts, for inclusion
// in step context messages.
func (t *FailureTracker) Warnings() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for tool, n := range t.counts {
		if n >= crossStepFailureThreshold/2 {
			out = append(out, fmt.Sprintf("%s has failed %d times recently", tool, n))
		}
	}
	return out
}

// Reset clears all counters for a full task retry.
func (t *FailureTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[string]int)
	t.hard = make(map[string]int)
	t.disabled = make(map[string]string)
}
