package chain

import (
	"context"
	"strings"
	"time"
)

// RetryConfig controls the exponential backoff applied to signer calls.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   int
}

// DefaultRetryConfig backs off 1s, 2s, 4s, 8s, 16s, capped at 30s.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  5,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
}

// RetryResult reports the outcome of a retried operation.
type RetryResult struct {
	TxHash   string
	Attempts int
}

// WithRetry runs a signer operation under the backoff policy. Non-retryable
// errors (reverts, insufficient balance, invalid state) fail immediately;
// transient transport errors are retried until the attempt budget or the
// context runs out.
func WithRetry(ctx context.Context, cfg RetryConfig, op func(context.Context) (string, error)) (RetryResult, error) {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultRetryConfig
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		hash, err := op(ctx)
		if err == nil {
			return RetryResult{TxHash: hash, Attempts: attempt}, nil
		}
		lastErr = err

		if !Retryable(err) || attempt == cfg.MaxAttempts {
			return RetryResult{Attempts: attempt}, lastErr
		}

		select {
		case <-ctx.Done():
			return RetryResult{Attempts: attempt}, ctx.Err()
		case <-time.After(delay):
		}

		delay *= time.Duration(cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return RetryResult{Attempts: cfg.MaxAttempts}, lastErr
}

// retryableFragments are error-message fragments that indicate a transient
// transport condition rather than a deterministic failure.
var retryableFragments = []string{
	"nonce",
	"underpriced",
	"timeout",
	"rate limit",
	"502",
	"503",
	"network",
	"connection reset",
	"connection refused",
}

// Retryable classifies an error as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
