// Package token owns the OAuth2 credential lifecycle: expiry detection,
// refresh against the identity provider and persistence of rotated tokens.
package token

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/postline/backend/internal/models"
	"github.com/postline/backend/internal/store"
	"golang.org/x/oauth2"
)

// RefreshProvider exercises the identity provider's refresh grant.
type RefreshProvider interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// ExpiryBuffer is subtracted from the stored expiry so in-flight publish
// calls never race against provider-side expiry.
const ExpiryBuffer = 5 * time.Minute

// RefreshError marks a refresh failure as unrecoverable: the stored refresh
// token is unusable until the user re-authorizes, so callers must not retry
// within the same dispatch pass.
type RefreshError struct {
	UserID string
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for user %s: %v", e.UserID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Manager validates and refreshes per-user credentials. It holds no state
// between calls; every operation re-reads from and writes through the store.
type Manager struct {
	users    store.CredentialStore
	provider RefreshProvider
	buffer   time.Duration
	now      func() time.Time
}

func NewManager(users store.CredentialStore, provider RefreshProvider) *Manager {
	return &Manager{
		users:    users,
		provider: provider,
		buffer:   ExpiryBuffer,
		now:      time.Now,
	}
}

// IsExpired reports whether a credential expiring at expiry needs a refresh.
// A nil expiry is treated as expired (fail-safe), and anything inside the
// safety buffer counts as expired: exactly buffer-before-expiry is expired.
func (m *Manager) IsExpired(expiry *time.Time) bool {
	if expiry == nil {
		return true
	}
	return !m.now().Before(expiry.Add(-m.buffer))
}

// EnsureValid returns credentials safe to publish with. If the current access
// token is still inside its validity window the input is returned unchanged.
// Otherwise the refresh grant is exercised, the rotated tokens are persisted,
// and an updated copy is returned with refreshed=true so callers can mirror
// it into a live session.
func (m *Manager) EnsureValid(ctx context.Context, u *models.User) (*models.User, bool, error) {
	if u == nil {
		return nil, false, &RefreshError{Err: fmt.Errorf("no user")}
	}
	if u.AccessToken != "" && !m.IsExpired(u.TokenExpiry) {
		return u, false, nil
	}
	if u.RefreshToken == "" {
		return nil, false, &RefreshError{UserID: u.ID, Err: fmt.Errorf("no refresh token on record")}
	}
	tok, err := m.provider.RefreshToken(ctx, u.RefreshToken)
	if err != nil {
		log.Printf("[TokenRefresh] failed userId=%s err=%v", u.ID, err)
		return nil, false, &RefreshError{UserID: u.ID, Err: err}
	}

	// Providers do not always rotate the refresh token; keep the old one
	// when the response omits it.
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = u.RefreshToken
	}

	if err := m.users.UpdateTokens(ctx, u.ID, tok.AccessToken, refreshToken, tok.Expiry); err != nil {
		log.Printf("[TokenRefresh] persist failed userId=%s err=%v", u.ID, err)
		return nil, false, &RefreshError{UserID: u.ID, Err: err}
	}

	updated := *u
	updated.AccessToken = tok.AccessToken
	updated.RefreshToken = refreshToken
	if tok.Expiry.IsZero() {
		updated.TokenExpiry = nil
	} else {
		expiry := tok.Expiry
		updated.TokenExpiry = &expiry
	}
	log.Printf("[TokenRefresh] ok userId=%s expiresAt=%s", u.ID, tok.Expiry.UTC().Format(time.RFC3339))
	return &updated, true, nil
}

// CalculateExpiry normalizes a relative expires_in (seconds) from the
// provider into the absolute form used everywhere else.
func CalculateExpiry(now time.Time, expiresIn int) time.Time {
	return now.Add(time.Duration(expiresIn) * time.Second)
}
