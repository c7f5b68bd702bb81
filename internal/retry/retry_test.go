package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDo_RetriesWithProviderSchedule(t *testing.T) {
	var delays []time.Duration
	cfg := ProviderConfig()
	cfg.Sleep = recordingSleep(&delays)

	calls := 0
	result := Do(context.Background(), cfg, func(int) error {
		calls++
		return errors.New("503")
	})

	if calls != 3 || result.Attempts != 3 {
		t.Fatalf("calls = %d, attempts = %d, want 3", calls, result.Attempts)
	}
	if result.Err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestDo_StopsOnSuccess(t *testing.T) {
	var delays []time.Duration
	cfg := ProviderConfig()
	cfg.Sleep = recordingSleep(&delays)

	result := Do(context.Background(), cfg, func(attempt int) error {
		if attempt < 2 {
			return errors.New("429")
		}
		return nil
	})

	if result.Err != nil || result.Attempts != 2 {
		t.Fatalf("result = %+v", result)
	}
	if len(delays) != 1 {
		t.Fatalf("delays = %v", delays)
	}
}

func TestDo_PermanentErrorStops(t *testing.T) {
	cfg := ProviderConfig()
	cfg.Sleep = func(context.Context, time.Duration) error {
		t.Fatal("sleep should not be called")
		return nil
	}

	auth := errors.New("401")
	result := Do(context.Background(), cfg, func(int) error {
		return Permanent(auth)
	})

	if result.Attempts != 1 || !errors.Is(result.Err, auth) {
		t.Fatalf("result = %+v", result)
	}
	if !IsPermanent(result.Err) {
		t.Fatalf("expected permanent error")
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := ProviderConfig()
	cfg.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	result := Do(ctx, cfg, func(int) error { return errors.New("500") })
	if !errors.Is(result.Err, context.Canceled) {
		t.Fatalf("Err = %v, want context.Canceled", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	cfg := ProviderConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }

	var retried []int
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }

	value, result := DoWithValue(context.Background(), cfg, func(attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("overloaded")
		}
		return "ok", nil
	})
	if value != "ok" || result.Err != nil {
		t.Fatalf("value = %q, err = %v", value, result.Err)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Fatalf("OnRetry calls = %v", retried)
	}
}
