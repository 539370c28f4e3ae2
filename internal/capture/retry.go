package capture

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// RetryPolicy decides whether a failed fetch or render is worth another
// attempt. Server-side and transient transport failures retry with jittered
// exponential backoff; client errors (4xx) never do, since repeating the
// request cannot change the answer.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the crawl defaults: two retries starting at
// half a second, capped at ten.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// ShouldRetry reports whether attempt (zero-based) may be repeated for the
// given status code and error.
func (p RetryPolicy) ShouldRetry(attempt int, statusCode int, err error) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	if statusCode >= 400 && statusCode < 500 {
		return false
	}
	if statusCode >= 500 {
		return true
	}
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Remaining transport errors (reset connections, DNS hiccups) get the
	// benefit of the doubt.
	return true
}

// Backoff returns the sleep before the given zero-based retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << uint(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Up to 25% jitter keeps retries from synchronizing across workers.
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Sleep waits out the backoff for attempt, returning early if ctx ends.
func (p RetryPolicy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
