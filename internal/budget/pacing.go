package budget

import (
	"sync"
	"time"
)

// Adaptive pacing constants. Observed output tokens/second feed an EWMA;
// per-attempt decay shrinks token and timeout caps on retries, with a
// floor for tool-bearing calls so tool_use blocks are never truncated by
// an over-aggressive cap.
const (
	ewmaAlpha          = 0.2
	safetyFactor       = 0.7
	tokenDecayPerRetry = 0.65
	timeoutDecay       = 0.75
	toolCallTokenFloor = 8192
	deadlineSlack      = 1.3
	maxCallDeadline    = 10 * time.Minute
)

// Pacer computes per-call max-token and deadline caps from observed
// throughput.
type Pacer struct {
	mu sync.Mutex

	// tps is the EWMA of observed output tokens per second.
	tps float64

	// fallbackTPS seeds the estimate before any observation.
	fallbackTPS float64
}

// NewPacer creates a pacer with the given fallback tokens/second estimate.
func NewPacer(fallbackTPS float64) *Pacer {
	if fallbackTPS <= 0 {
		fallbackTPS = 40
	}
	return &Pacer{fallbackTPS: fallbackTPS}
}

// Observe records one completed call's output token count and duration.
func (p *Pacer) Observe(outputTokens int, elapsed time.Duration) {
	if outputTokens <= 0 || elapsed <= 0 {
		return
	}
	sample := float64(outputTokens) / elapsed.Seconds()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tps == 0 {
		p.tps = sample
		return
	}
	p.tps = ewmaAlpha*sample + (1-ewmaAlpha)*p.tps
}

// TPS returns the current throughput estimate.
func (p *Pacer) TPS() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tps == 0 {
		return p.fallbackTPS
	}
	return p.tps
}

// CallBudget is the per-attempt cap pair for one LLM call.
type CallBudget struct {
	MaxTokens int
	Deadline  time.Duration
}

// ComputeCallBudget derives the token and timeout caps for an attempt.
// attempt is 0-based; each retry decays both caps. Tool-bearing calls
// never decay below the token floor and always get a deadline sufficient
// for the capped output at current throughput.
func (p *Pacer) ComputeCallBudget(baseMaxTokens int, baseTimeout time.Duration, attempt int, toolBearing bool) CallBudget {
	if baseMaxTokens <= 0 {
		baseMaxTokens = 8192
	}
	if baseTimeout <= 0 {
		baseTimeout = 5 * time.Minute
	}

	tokens := float64(baseMaxTokens) * safetyFactor
	timeout := float64(baseTimeout)
	for i := 0; i < attempt; i++ {
		tokens *= tokenDecayPerRetry
		timeout *= timeoutDecay
	}

	maxTokens := int(tokens)
	if toolBearing && maxTokens < toolCallTokenFloor {
		maxTokens = toolCallTokenFloor
	}
	if maxTokens < 256 {
		maxTokens = 256
	}

	deadline := time.Duration(timeout)
	minNeeded := time.Duration(float64(maxTokens) / p.TPS() * deadlineSlack * float64(time.Second))
	if toolBearing && deadline < minNeeded {
		deadline = minNeeded
	}
	if deadline > maxCallDeadline {
		deadline = maxCallDeadline
	}
	return CallBudget{MaxTokens: maxTokens, Deadline: deadline}
}
