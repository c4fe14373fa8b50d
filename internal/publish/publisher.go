// Package publish performs the publish call against the platform API with
// bounded retry, classifying failures as transient or unrecoverable.
package publish

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/postline/backend/internal/metrics"
	"github.com/postline/backend/internal/models"
	"github.com/postline/backend/internal/token"
)

// Error is the classified outcome of a failed publish. Unrecoverable means
// the owning user's credential is presumed unusable until re-authorization;
// transient means a later pass may succeed. Creds carries the credential the
// attempts actually used, refreshed when a refresh occurred, so a caller with
// more posts for the same user keeps the rotated tokens even when this post
// failed; it is nil only when no usable credential was obtained at all.
type Error struct {
	Unrecoverable bool
	Attempts      int
	Creds         *models.User
	Err           error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Unrecoverable {
		kind = "unrecoverable"
	}
	return fmt.Sprintf("publish failed (%s, attempts=%d): %v", kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is a successful publish. Creds carries the credential actually used,
// refreshed when a refresh occurred, so a caller processing several posts for
// the same user feeds the fresh value into the next publish.
type Result struct {
	ExternalPostID string
	Creds          *models.User
}

// CallTimeout bounds each individual publish attempt.
const CallTimeout = 30 * time.Second

type Publisher struct {
	tokens *token.Manager
	client Client
	policy RetryPolicy
}

func NewPublisher(tokens *token.Manager, client Client) *Publisher {
	return &Publisher{tokens: tokens, client: client, policy: DefaultRetryPolicy()}
}

// NewPublisherWithPolicy allows injecting a retry policy (tests use a fake
// clock via policy.Sleep).
func NewPublisherWithPolicy(tokens *token.Manager, client Client, policy RetryPolicy) *Publisher {
	return &Publisher{tokens: tokens, client: client, policy: policy}
}

// Publish ensures valid credentials, then attempts the publish call up to the
// policy's attempt cap. Unrecoverable failures stop retrying immediately with
// no backoff wait. The Publisher mutates no local state; status write-back is
// the caller's responsibility.
func (p *Publisher) Publish(ctx context.Context, u *models.User, content string) (Result, error) {
	creds, refreshed, err := p.tokens.EnsureValid(ctx, u)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return Result{}, &Error{Unrecoverable: true, Attempts: 0, Err: err}
	}
	if refreshed {
		metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	}

	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		metrics.PublishAttempts.Inc()
		callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
		id, err := p.client.CreatePost(callCtx, creds.AccessToken, content)
		cancel()
		if err == nil {
			return Result{ExternalPostID: id, Creds: creds}, nil
		}
		lastErr = err

		if IsUnrecoverable(err) {
			log.Printf("[Publish] unrecoverable userId=%s attempt=%d err=%v", creds.ID, attempt, err)
			return Result{}, &Error{Unrecoverable: true, Attempts: attempt, Creds: creds, Err: err}
		}

		log.Printf("[Publish] transient userId=%s attempt=%d/%d err=%v", creds.ID, attempt, p.policy.MaxAttempts, err)
		if attempt < p.policy.MaxAttempts {
			wait := p.policy.Backoff(attempt, RetryAfterHint(err))
			if err := p.policy.Sleep(ctx, wait); err != nil {
				return Result{}, &Error{Unrecoverable: false, Attempts: attempt, Creds: creds, Err: err}
			}
		}
	}
	return Result{}, &Error{Unrecoverable: false, Attempts: p.policy.MaxAttempts, Creds: creds, Err: lastErr}
}
