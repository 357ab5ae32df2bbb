package provider

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls re-attempts of transient provider failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth retrying. Nil defaults
	// to IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient failures up to 3 attempts with
// exponential backoff starting at 500ms and capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Retryable:   IsRetryable,
	}
}

// computeBackoff returns the delay before the given retry attempt
// (0-based): exponential growth from base, capped at max, with up to 50%
// random jitter to avoid thundering herds.
func computeBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Millisecond
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if max > 0 && d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

// retryProvider wraps another Provider with a RetryPolicy.
type retryProvider struct {
	inner  Provider
	policy RetryPolicy
}

// WithRetry wraps p so that Chat re-attempts transient failures according
// to policy. Capabilities is passed through unchanged.
//
// Stream callbacks are only invoked by the adapters in this module once a
// call has succeeded, so retried attempts do not duplicate tokens.
func WithRetry(p Provider, policy RetryPolicy) Provider {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}
	return &retryProvider{inner: p, policy: policy}
}

// Chat implements Provider.
func (r *retryProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt-1, r.policy.BaseDelay, r.policy.MaxDelay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		resp, err := r.inner.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if !r.policy.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Capabilities implements Provider.
func (r *retryProvider) Capabilities(model string) Capabilities {
	return r.inner.Capabilities(model)
}
