package publish

import (
	"context"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 3
	backoffFloor       = 1000 * time.Millisecond
	backoffStep        = 500 * time.Millisecond
)

// RetryPolicy drives the bounded-retry behavior of the Publisher. Backoff and
// Sleep are injectable so the policy is testable with a fake clock.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int, retryAfter time.Duration) time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy retries up to 3 attempts with linear backoff, honoring a
// provider retry-after hint with a 1s floor.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		Backoff:     LinearBackoff,
		Sleep:       sleepCtx,
	}
}

// LinearBackoff returns the wait before the next attempt. A provider-supplied
// retry-after hint wins, floored at 1s; otherwise attempt*500ms.
func LinearBackoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter < backoffFloor {
			return backoffFloor
		}
		return retryAfter
	}
	return time.Duration(attempt) * backoffStep
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsUnrecoverable classifies a publish-call failure. Authorization-class
// failures (401/403 or provider messages naming a credential problem) must
// not be retried: the credential is presumed unusable until the user
// re-authorizes.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := err.(*APIError); ok {
		if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
			return true
		}
	}
	m := strings.ToLower(err.Error())
	return strings.Contains(m, "unauthorized") ||
		strings.Contains(m, "forbidden") ||
		strings.Contains(m, "invalid credential") ||
		strings.Contains(m, "unsupported authentication")
}

// RetryAfterHint extracts the provider's retry-after hint, if any.
func RetryAfterHint(err error) time.Duration {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.RetryAfter
	}
	return 0
}
