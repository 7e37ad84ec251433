package store

import (
	"context"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
)

// retryConfig retries lock contention with bounded exponential backoff.
// Anything else, including a version conflict, fails on the first attempt.
var retryConfig = retry.Config{
	MaxAttempts:   3,
	InitialDelay:  50 * time.Millisecond,
	MaxDelay:      time.Second,
	Multiplier:    2.0,
	BackoffPolicy: retry.BackoffExponential,
	Jitter:        true,
	IsRetryable:   isTransient,
}

func withRetry[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	return retry.New[T](retryConfig).Do(ctx, op)
}
