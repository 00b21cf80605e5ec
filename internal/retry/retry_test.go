package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDoStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1/1", calls, result.Attempts)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return errors.New("always fails")
	})

	if result.Err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return Permanent(errors.New("bad request"))
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsPermanent(result.Err) {
		t.Error("result should carry the permanent error")
	}
}

func TestDoHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	result := Do(ctx, fastConfig(3), func() error {
		calls++
		return nil
	})

	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
}

func TestDoStopsSleepingOnCancel(t *testing.T) {
	cfg := Config{MaxAttempts: 10, InitialDelay: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := Do(ctx, cfg, func() error { return errors.New("transient") })

	if !errors.Is(result.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want context.DeadlineExceeded", result.Err)
	}
	if result.Attempts >= 10 {
		t.Errorf("Attempts = %d, deadline should have cut the loop short", result.Attempts)
	}
}

func TestDoNormalizesZeroConfig(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Config{}, func() error {
		calls++
		return errors.New("fail")
	})

	// Zero MaxAttempts means one attempt, not zero.
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if result.Err == nil {
		t.Error("expected the failure to surface")
	}
}

func TestDoWithValueReturnsValue(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}
	if value != 42 {
		t.Errorf("value = %d, want 42", value)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
}

func TestDoWithValueZeroOnFailure(t *testing.T) {
	value, result := DoWithValue(context.Background(), fastConfig(2), func() (string, error) {
		return "partial", errors.New("always fails")
	})

	if result.Err == nil {
		t.Fatal("expected error")
	}
	if value != "partial" {
		t.Errorf("value = %q", value)
	}
}

func TestPermanentNilIsNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must stay nil")
	}
}

func TestPermanentSurvivesWrapping(t *testing.T) {
	base := errors.New("quota exceeded")
	wrapped := errors.Join(errors.New("call failed"), Permanent(base))

	if !IsPermanent(wrapped) {
		t.Error("IsPermanent should see through joined errors")
	}
	if !errors.Is(wrapped, base) {
		t.Error("original error lost from the chain")
	}
}
