package chain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	res, err := WithRetry(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		return "0xhash", nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if res.TxHash != "0xhash" || res.Attempts != 1 {
		t.Errorf("result = %+v, want hash after 1 attempt", res)
	}
}

func TestWithRetry_RetriesTransientErrors(t *testing.T) {
	calls := 0
	res, err := WithRetry(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("nonce too low")
		}
		return "0xhash", nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestWithRetry_FailsFastOnPermanentError(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("execution reverted: insufficient balance")
	})
	if err == nil {
		t.Fatal("WithRetry succeeded, want error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for non-retryable error", calls)
	}
}

func TestWithRetry_ExhaustsAttemptBudget(t *testing.T) {
	calls := 0
	res, err := WithRetry(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("gateway timeout")
	})
	if err == nil {
		t.Fatal("WithRetry succeeded, want error")
	}
	if calls != 3 || res.Attempts != 3 {
		t.Errorf("calls = %d, attempts = %d, want 3", calls, res.Attempts)
	}
}

func TestWithRetry_HonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Minute, MaxDelay: time.Minute, Multiplier: 2}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := WithRetry(ctx, cfg, func(ctx context.Context) (string, error) {
		return "", errors.New("connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"nonce too low", true},
		{"replacement transaction underpriced", true},
		{"request timeout", true},
		{"rate limit exceeded", true},
		{"502 bad gateway", true},
		{"connection reset by peer", true},
		{"execution reverted", false},
		{"insufficient funds", false},
		{"invalid escrow state", false},
	}
	for _, tc := range cases {
		if got := Retryable(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Retryable(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
	if Retryable(nil) {
		t.Error("Retryable(nil) = true, want false")
	}
}
