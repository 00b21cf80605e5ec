package providers

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/praxisworks/praxis/internal/llm"
	"github.com/praxisworks/praxis/pkg/models"
)

type stubProvider struct {
	name   string
	err    error
	calls  int
	models []string
}

func (s *stubProvider) CreateMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.calls++
	s.models = append(s.models, req.Model)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{
		Content:    []models.ContentBlock{models.TextBlock("ok from " + s.name)},
		StopReason: models.StopEndTurn,
	}, nil
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) ContextWindow(string) int { return 200000 }

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func billingErr(provider string) error {
	return NewProviderError(provider, "m", errors.New("quota exceeded")).WithStatus(402)
}

func TestFailoverAdvancesOnBilling(t *testing.T) {
	primary := &stubProvider{name: "anthropic", err: billingErr("anthropic")}
	fallback := &stubProvider{name: "openai"}
	f := NewFailover(DefaultFailoverConfig(), quietLogger(), primary, fallback)

	resp, err := f.CreateMessage(context.Background(), &llm.Request{Model: "claude-sonnet-4-20250514"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if got := resp.Text(); got != "ok from openai" {
		t.Errorf("Text = %q", got)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, fallback.calls)
	}
	// The primary's model name is vendor-specific and must not leak to
	// the fallback.
	if fallback.models[0] != "" {
		t.Errorf("fallback model = %q, want empty", fallback.models[0])
	}
}

func TestFailoverStopsOnInvalidRequest(t *testing.T) {
	badReq := NewProviderError("anthropic", "m", errors.New("bad request")).WithStatus(400)
	primary := &stubProvider{name: "anthropic", err: badReq}
	fallback := &stubProvider{name: "openai"}
	f := NewFailover(DefaultFailoverConfig(), quietLogger(), primary, fallback)

	_, err := f.CreateMessage(context.Background(), &llm.Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if ReasonOf(err) != FailoverInvalidRequest {
		t.Errorf("reason = %s", ReasonOf(err))
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times on a non-failover error", fallback.calls)
	}
}

func TestFailoverRateLimitRespectsConfig(t *testing.T) {
	rateLimited := NewProviderError("anthropic", "m", errors.New("slow down")).WithStatus(429)

	cfg := DefaultFailoverConfig()
	cfg.FailoverOnRateLimit = false
	primary := &stubProvider{name: "anthropic", err: rateLimited}
	fallback := &stubProvider{name: "openai"}
	f := NewFailover(cfg, quietLogger(), primary, fallback)

	if _, err := f.CreateMessage(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected rate limit error to surface")
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times with rate limit failover disabled", fallback.calls)
	}
}

func TestFailoverCircuitSkipsFailingPrimary(t *testing.T) {
	primary := &stubProvider{name: "anthropic", err: billingErr("anthropic")}
	fallback := &stubProvider{name: "openai"}
	cfg := DefaultFailoverConfig()
	cfg.CircuitThreshold = 2
	f := NewFailover(cfg, quietLogger(), primary, fallback)

	for i := 0; i < 3; i++ {
		if _, err := f.CreateMessage(context.Background(), &llm.Request{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	// Circuit opened after the second failure; the third call skips the
	// primary entirely.
	if primary.calls != 2 {
		t.Errorf("primary calls = %d, want 2", primary.calls)
	}
	if fallback.calls != 3 {
		t.Errorf("fallback calls = %d, want 3", fallback.calls)
	}
}

func TestFailoverAllProvidersDown(t *testing.T) {
	primary := &stubProvider{name: "anthropic", err: billingErr("anthropic")}
	fallback := &stubProvider{name: "openai", err: billingErr("openai")}
	f := NewFailover(DefaultFailoverConfig(), quietLogger(), primary, fallback)

	_, err := f.CreateMessage(context.Background(), &llm.Request{})
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Provider != "openai" {
		t.Errorf("err = %v, want last provider's error", err)
	}
}
