package rabbitmq

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newDelayPolicy returns the fixed-delay policy used between reconnection
// attempts.
func newDelayPolicy(delay time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(delay)
}
