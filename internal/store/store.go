// Package store defines the persistence contracts for credentials and
// scheduled posts, plus their Postgres implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/postline/backend/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateContent is returned when a user schedules the same content twice.
	ErrDuplicateContent = errors.New("store: duplicate content for user")
)

// CredentialStore persists per-user OAuth credentials.
type CredentialStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByXID(ctx context.Context, xID string) (*models.User, error)
	// Upsert inserts or updates a user by x_id and returns the stored row.
	Upsert(ctx context.Context, u *models.User) (*models.User, error)
	// UpdateTokens replaces the access/refresh tokens and expiry for a user.
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
}

// PostRepository persists scheduled posts.
type PostRepository interface {
	Create(ctx context.Context, p *models.Post) (*models.Post, error)
	GetByID(ctx context.Context, id string) (*models.Post, error)
	ListByUser(ctx context.Context, userID string) ([]models.Post, error)
	// Update applies non-nil fields. Editing content or schedule resets a
	// failed post to pending with a fresh attempt budget.
	Update(ctx context.Context, id string, content *string, scheduledFor *time.Time) (*models.Post, error)
	Delete(ctx context.Context, id string) error
	// ListDue returns pending/failed posts scheduled up to cutoff whose
	// attempt count is below maxAttempts, oldest scheduled_for first.
	// Posts under a live claim are excluded.
	ListDue(ctx context.Context, cutoff time.Time, maxAttempts int) ([]models.Post, error)
	// Claim atomically marks a post as being published. It returns false
	// when the post is not claimable: already posted, already under a live
	// claim, or gone. Exactly one concurrent caller wins a claim.
	Claim(ctx context.Context, id string) (bool, error)
	// MarkPosted transitions a post to posted and records the external id.
	// It refuses to touch posts that are already posted.
	MarkPosted(ctx context.Context, id, xPostID string) error
	// MarkFailed transitions a post to failed, records the reason and bumps
	// the attempt count.
	MarkFailed(ctx context.Context, id, reason string) error
}
