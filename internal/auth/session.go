// Package auth provides the Postgres-backed web session store and the
// session-side mirror of refreshed credentials.
package auth

import (
	"net/http"
	"time"

	"github.com/antonlindstrom/pgstore"
	"github.com/gorilla/sessions"
	"github.com/postline/backend/internal/models"
)

const (
	SessionName = "postline_session"

	keyUserID      = "user_id"
	keyAccessToken = "access_token"
	keyTokenExpiry = "token_expiry"
)

// NewStore opens a Postgres-backed session store. Sessions are server-side;
// the cookie only carries the session key.
func NewStore(dbURL string, keyPairs ...[]byte) (*pgstore.PGStore, error) {
	store, err := pgstore.NewPGStore(dbURL, keyPairs...)
	if err != nil {
		return nil, err
	}

	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7, // 7 days
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	}

	return store, nil
}

func GetSession(store sessions.Store, r *http.Request) (*sessions.Session, error) {
	return store.Get(r, SessionName)
}

// UserID returns the authenticated user id, or "" when the session is anonymous.
func UserID(s *sessions.Session) string {
	id, _ := s.Values[keyUserID].(string)
	return id
}

// Login binds the session to a user and mirrors the credential snapshot.
func Login(s *sessions.Session, u *models.User) {
	s.Values[keyUserID] = u.ID
	MirrorCredentials(s, u)
}

// Logout clears the session.
func Logout(s *sessions.Session) {
	s.Values = map[interface{}]interface{}{}
	s.Options.MaxAge = -1
}

// MirrorCredentials writes the current access token and expiry into the
// session so concurrently-served requests observe fresh credentials after a
// refresh without forcing re-authentication. Callers must Save the session.
func MirrorCredentials(s *sessions.Session, u *models.User) {
	s.Values[keyAccessToken] = u.AccessToken
	if u.TokenExpiry != nil {
		s.Values[keyTokenExpiry] = u.TokenExpiry.UTC().Format(time.RFC3339)
	} else {
		delete(s.Values, keyTokenExpiry)
	}
}
