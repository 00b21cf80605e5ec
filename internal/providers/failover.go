package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/praxisworks/praxis/internal/llm"
)

// FailoverConfig tunes the failover chain.
type FailoverConfig struct {
	// FailoverOnRateLimit lets a rate-limited primary fail over after
	// its own retries are spent, instead of surfacing the error.
	FailoverOnRateLimit bool

	// FailoverOnServerError does the same for 5xx failures.
	FailoverOnServerError bool

	// CircuitThreshold is the consecutive failure count that opens a
	// provider's circuit.
	CircuitThreshold int

	// CircuitCooldown is how long an open circuit skips its provider
	// before probing it again.
	CircuitCooldown time.Duration
}

// DefaultFailoverConfig returns the defaults used by the CLI.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		FailoverOnRateLimit:   true,
		FailoverOnServerError: true,
		CircuitThreshold:      3,
		CircuitCooldown:       30 * time.Second,
	}
}

type circuitState struct {
	failures int
	openedAt time.Time
	open     bool
}

// Failover chains providers in priority order and advances past ones
// that fail on quota, auth, or model availability. Each adapter does its
// own transient retries first; the chain only sees errors that survived
// them. Implements llm.Provider, so the executor is unaware of it.
type Failover struct {
	chain  []llm.Provider
	cfg    FailoverConfig
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*circuitState
}

// NewFailover builds a chain from primary plus fallbacks in order.
func NewFailover(cfg FailoverConfig, logger *slog.Logger, primary llm.Provider, fallbacks ...llm.Provider) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = 3
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = 30 * time.Second
	}
	return &Failover{
		chain:  append([]llm.Provider{primary}, fallbacks...),
		cfg:    cfg,
		logger: logger,
		states: make(map[string]*circuitState),
	}
}

// Name returns the primary provider's name. Events report the chain
// head; per-call provider selection shows up in the failover log lines.
func (f *Failover) Name() string { return f.chain[0].Name() }

// ContextWindow returns the primary's window. Compaction thresholds
// stay stable across failovers; a fallback with a smaller window will
// reject oversized requests and the overflow path compacts reactively.
func (f *Failover) ContextWindow(model string) int { return f.chain[0].ContextWindow(model) }

// CreateMessage tries each available provider in order until one
// succeeds or the error is not a failover candidate.
func (f *Failover) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var lastErr error
	attempted := 0

	for i, provider := range f.chain {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !f.available(provider.Name()) {
			continue
		}
		attempted++

		callReq := *req
		if i > 0 {
			// Fallbacks pick their own default model; the primary's
			// model name is vendor-specific.
			callReq.Model = ""
		}

		resp, err := provider.CreateMessage(ctx, &callReq)
		if err == nil {
			f.recordSuccess(provider.Name())
			return resp, nil
		}
		lastErr = err
		f.recordFailure(provider.Name())

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if !f.shouldAdvance(err) {
			return nil, err
		}
		if i < len(f.chain)-1 {
			f.logger.Warn("failing over to next provider",
				"from", provider.Name(), "reason", ReasonOf(err), "error", err)
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no provider available (%d in chain, %d attempted)", len(f.chain), attempted)
}

func (f *Failover) shouldAdvance(err error) bool {
	reason := ReasonOf(err)
	if reason.ShouldFailover() {
		return true
	}
	if reason == FailoverRateLimit && f.cfg.FailoverOnRateLimit {
		return true
	}
	if (reason == FailoverServerError || reason == FailoverTimeout) && f.cfg.FailoverOnServerError {
		return true
	}
	return false
}

func (f *Failover) available(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[name]
	if !ok || !state.open {
		return true
	}
	if time.Since(state.openedAt) > f.cfg.CircuitCooldown {
		// Half-open probe. The circuit re-opens immediately on the next
		// failure because the counter is still at threshold.
		state.open = false
		return true
	}
	return false
}

func (f *Failover) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, name)
}

func (f *Failover) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[name]
	if !ok {
		state = &circuitState{}
		f.states[name] = state
	}
	state.failures++
	if state.failures >= f.cfg.CircuitThreshold && !state.open {
		state.open = true
		state.openedAt = time.Now()
		f.logger.Warn("provider circuit opened", "provider", name, "failures", state.failures)
	}
}
