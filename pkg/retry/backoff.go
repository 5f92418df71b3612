// Package retry wraps github.com/cenkalti/backoff/v4 with the retry
// shape the engine needs: a fixed-interval retry that runs until it
// succeeds or its context is cancelled. Adapted from the teacher's
// pkg/httputil request retry helper.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Forever calls op at once and then once per interval until it
// succeeds or ctx is cancelled, blocking until then; callers that want
// it in the background run it in their own goroutine. Each failure is
// reported to onError. Used by the producer's unbounded wake-publish
// retry, which waits one interval before calling Forever.
func Forever(ctx context.Context, interval time.Duration, op func() error, onError func(error)) {
	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	_ = backoff.RetryNotify(op, b, func(err error, _ time.Duration) {
		if onError != nil {
			onError(err)
		}
	})
}
