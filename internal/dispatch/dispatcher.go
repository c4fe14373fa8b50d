// Package dispatch selects due posts, resolves their owners' credentials and
// publishes them, reconciling post status afterwards.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/postline/backend/internal/metrics"
	"github.com/postline/backend/internal/models"
	"github.com/postline/backend/internal/publish"
	"github.com/postline/backend/internal/store"
	"github.com/postline/backend/internal/token"
)

const (
	// DefaultTolerance absorbs trigger jitter around the exact due time: a
	// post due slightly after "now" is still picked up by this pass.
	DefaultTolerance = 2 * time.Minute
	// DefaultMaxAttempts is the per-post dispatch budget. Failed posts are
	// re-selected by later passes until the budget is spent; after that only
	// an explicit edit or post-now touches them.
	DefaultMaxAttempts = 5
	// DefaultConcurrency bounds how many users are processed in parallel.
	// Posts of one user are always strictly sequential.
	DefaultConcurrency = 4
)

// Publisher is what the dispatcher needs from the publish layer.
type Publisher interface {
	Publish(ctx context.Context, u *models.User, content string) (publish.Result, error)
}

// Emitter receives best-effort post status change notifications (realtime UI).
type Emitter interface {
	PostUpdated(userID, postID, status string, xPostID, reason string)
}

// PostError is one post's failure inside a pass summary.
type PostError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Summary is the auditable outcome of one dispatch pass. Skipped counts
// posts another pass claimed first; they are not failures.
type Summary struct {
	Total   int         `json:"total"`
	Posted  int         `json:"posted"`
	Failed  int         `json:"failed"`
	Skipped int         `json:"skipped,omitempty"`
	Errors  []PostError `json:"errors"`
}

type Dispatcher struct {
	posts       store.PostRepository
	users       store.CredentialStore
	publisher   Publisher
	tolerance   time.Duration
	maxAttempts int
	concurrency int
	events      Emitter
	now         func() time.Time
}

func New(posts store.PostRepository, users store.CredentialStore, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		posts:       posts,
		users:       users,
		publisher:   publisher,
		tolerance:   DefaultTolerance,
		maxAttempts: DefaultMaxAttempts,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
}

// WithEvents attaches a realtime emitter. Nil disables notifications.
func (d *Dispatcher) WithEvents(e Emitter) *Dispatcher {
	d.events = e
	return d
}

// WithTolerance overrides the jitter tolerance window.
func (d *Dispatcher) WithTolerance(t time.Duration) *Dispatcher {
	if t > 0 {
		d.tolerance = t
	}
	return d
}

// RunOnce executes a single dispatch pass. Per-post failures are isolated:
// they are recorded in the summary and never abort the batch.
func (d *Dispatcher) RunOnce(ctx context.Context) (Summary, error) {
	start := d.now()
	metrics.DispatchPasses.Inc()
	defer func() {
		metrics.DispatchPassDuration.Observe(time.Since(start).Seconds())
	}()

	due, err := d.posts.ListDue(ctx, start.Add(d.tolerance), d.maxAttempts)
	if err != nil {
		return Summary{}, err
	}
	if len(due) == 0 {
		return Summary{Errors: []PostError{}}, nil
	}

	// ListDue is ordered by scheduled_for; grouping preserves that order per
	// user so one user's posts run oldest first and strictly sequentially,
	// which serializes token refresh against a single refresh token.
	order := make([]string, 0)
	byUser := make(map[string][]models.Post)
	for _, p := range due {
		if _, ok := byUser[p.UserID]; !ok {
			order = append(order, p.UserID)
		}
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	summary := Summary{Total: len(due), Errors: []PostError{}}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.concurrency)

	for _, userID := range order {
		wg.Add(1)
		sem <- struct{}{}
		go func(userID string, posts []models.Post) {
			defer wg.Done()
			defer func() { <-sem }()
			posted, failed, skipped, errs := d.processUser(ctx, userID, posts)
			mu.Lock()
			summary.Posted += posted
			summary.Failed += failed
			summary.Skipped += skipped
			summary.Errors = append(summary.Errors, errs...)
			mu.Unlock()
		}(userID, byUser[userID])
	}
	wg.Wait()

	log.Printf("[Dispatch] pass done total=%d posted=%d failed=%d skipped=%d duration=%s",
		summary.Total, summary.Posted, summary.Failed, summary.Skipped, time.Since(start))
	return summary, nil
}

// processUser publishes one user's due posts in order. A credential refresh
// happens at most once: the refreshed credential returned by the first
// publish feeds every later post, and an unrecoverable refresh failure fails
// the remaining posts without touching the provider again.
func (d *Dispatcher) processUser(ctx context.Context, userID string, posts []models.Post) (posted, failed, skipped int, errs []PostError) {
	creds, err := d.users.GetByID(ctx, userID)
	if err != nil {
		reason := "owner not found"
		if !errors.Is(err, store.ErrNotFound) {
			reason = fmt.Sprintf("owner lookup failed: %v", err)
		}
		for _, p := range posts {
			if !d.claim(ctx, p.ID) {
				skipped++
				continue
			}
			d.failPost(p, reason)
			failed++
			errs = append(errs, PostError{ID: p.ID, Reason: reason})
		}
		return posted, failed, skipped, errs
	}

	credDead := false
	for _, p := range posts {
		if p.Status == models.PostStatusPosted {
			// Never republish; ListDue excludes these but stay defensive.
			continue
		}
		// Claim before any external call: overlapping passes (worker plus
		// webhook, or several instances) race here and exactly one wins.
		if !d.claim(ctx, p.ID) {
			skipped++
			continue
		}
		if credDead {
			reason := "token refresh failed earlier in this pass"
			d.failPost(p, reason)
			failed++
			errs = append(errs, PostError{ID: p.ID, Reason: reason})
			continue
		}

		res, err := d.publishOne(ctx, creds, p)
		if err == nil {
			creds = res.Creds
			if markErr := d.posts.MarkPosted(ctx, p.ID, res.ExternalPostID); markErr != nil {
				log.Printf("[Dispatch] status write failed postId=%s err=%v", p.ID, markErr)
				errs = append(errs, PostError{ID: p.ID, Reason: fmt.Sprintf("posted but status write failed: %v", markErr)})
			}
			posted++
			metrics.PostsPublished.Inc()
			d.emit(userID, p.ID, models.PostStatusPosted, res.ExternalPostID, "")
			log.Printf("[Dispatch] posted postId=%s userId=%s xPostId=%s", p.ID, userID, res.ExternalPostID)
			continue
		}

		reason := err.Error()
		class := "transient"
		var pubErr *publish.Error
		if errors.As(err, &pubErr) {
			// A refresh may have happened even though this post failed;
			// later posts must present the rotated tokens, never re-refresh
			// with the old single-use refresh token.
			if pubErr.Creds != nil {
				creds = pubErr.Creds
			}
			if pubErr.Unrecoverable {
				class = "unrecoverable"
			}
		}
		metrics.PublishFailures.WithLabelValues(class).Inc()

		var refreshErr *token.RefreshError
		if errors.As(err, &refreshErr) {
			credDead = true
		}

		d.failPost(p, reason)
		failed++
		errs = append(errs, PostError{ID: p.ID, Reason: reason})
		d.emit(userID, p.ID, models.PostStatusFailed, "", reason)
		log.Printf("[Dispatch] failed postId=%s userId=%s class=%s err=%v", p.ID, userID, class, err)
	}
	return posted, failed, skipped, errs
}

// claim tries to win the post for this pass. A lost race (or a claim query
// error) means another pass owns the post; it is skipped, not failed.
func (d *Dispatcher) claim(ctx context.Context, id string) bool {
	ok, err := d.posts.Claim(ctx, id)
	if err != nil {
		log.Printf("[Dispatch] claim errored postId=%s err=%v", id, err)
		return false
	}
	if !ok {
		log.Printf("[Dispatch] claim lost postId=%s", id)
	}
	return ok
}

// publishOne converts a panic inside the publish path into a failed outcome
// so one post cannot take down the pass.
func (d *Dispatcher) publishOne(ctx context.Context, creds *models.User, p models.Post) (res publish.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during publish: %v", rec)
		}
	}()
	return d.publisher.Publish(ctx, creds, p.Content)
}

func (d *Dispatcher) failPost(p models.Post, reason string) {
	// Status writes use a background-ish context so a cancelled pass still
	// records what happened.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.posts.MarkFailed(ctx, p.ID, reason); err != nil {
		log.Printf("[Dispatch] mark failed errored postId=%s err=%v", p.ID, err)
	}
}

func (d *Dispatcher) emit(userID, postID, status, xPostID, reason string) {
	if d.events == nil {
		return
	}
	d.events.PostUpdated(userID, postID, status, xPostID, reason)
}
