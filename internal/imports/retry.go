package imports

import (
	"context"
	"errors"
	"time"
)

// readRetryPolicy bounds readWithRetry.
type readRetryPolicy struct {
	attempts int
	wait     time.Duration
}

var defaultReadRetry = readRetryPolicy{attempts: 5, wait: 200 * time.Millisecond}

// readWithRetry repeats read while it reports a missing row. A task can be
// delivered before the transaction that created its row is visible.
func readWithRetry[T any](ctx context.Context, policy readRetryPolicy, missing error, read func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(policy.attempts, 1)
	for i := 0; ; i++ {
		v, err := read(ctx)
		if err == nil || !errors.Is(err, missing) || i == attempts-1 {
			return v, err
		}
		timer := time.NewTimer(policy.wait * time.Duration(i+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
