package scanning

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how a stage calls its collaborator
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        time.Duration // delay after attempt n is n*Backoff
	AttemptTimeout time.Duration
}

// Default policies for the two stages
var (
	RecognitionPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond, AttemptTimeout: 15 * time.Second}
	StructuringPolicy = RetryPolicy{MaxAttempts: 3, Backoff: time.Second, AttemptTimeout: 30 * time.Second}
)

// linearBackoff waits attempt*unit between attempts
func linearBackoff(unit time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * unit, false
	})
}

// retryable marks err as worth another attempt
func retryable(err error) error {
	return retry.RetryableError(err)
}

// run calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. Each call gets its own attempt timeout.
// fn signals a retryable failure by wrapping it with retryable.
func (p RetryPolicy) run(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := retry.WithMaxRetries(uint64(maxAttempts-1), linearBackoff(p.Backoff))

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		return fn(attemptCtx, attempt)
	})
}
