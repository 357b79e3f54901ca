package vision

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/faults"
)

// retryPolicy bounds the retry loop for transient provider failures.
type retryPolicy struct {
	attempts int
	minWait  time.Duration
	maxWait  time.Duration
}

// run invokes fn until it succeeds, fails with a non-transient fault, or the
// attempt budget is exhausted. Exponential backoff doubles from minWait and
// is capped at maxWait; cancellation is observed between attempts.
func (r retryPolicy) run(ctx context.Context, log *zap.Logger, fn func(context.Context) (string, error)) (string, error) {
	var lastErr error
	wait := r.minWait

	for attempt := 1; attempt <= r.attempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !faults.IsTransient(err) {
			return "", err
		}
		if attempt == r.attempts {
			break
		}

		log.Warn("transient vision failure, retrying",
			zap.Int("attempt", attempt),
			zap.String("code", string(faults.CodeOf(err))),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return "", faults.Deadline(ctx.Err())
		case <-time.After(wait):
		}

		wait *= 2
		if wait > r.maxWait {
			wait = r.maxWait
		}
	}

	return "", lastErr
}
