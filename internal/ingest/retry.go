package ingest

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy retries transient failures with exponential backoff. Permanent
// and cancelled failures are returned immediately.
type RetryPolicy struct {
	Attempts  int           // total tries, including the first
	BaseDelay time.Duration // delay before the first retry, doubled after each
	MaxDelay  time.Duration // backoff ceiling
}

// DefaultRetryPolicy returns the policy used by the pipeline stages.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// Do runs fn until it succeeds, fails non-transiently, or the attempt budget
// runs out. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt >= attempts || Classify(err) != FailureTransient {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		timer := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// jitter spreads delay by up to ±20% so workers retrying at the same time do
// not hit a recovering dependency in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.2
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
