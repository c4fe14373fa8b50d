// Package handlers wires the HTTP surface: post CRUD and post-now for the
// web front end, the shared-secret cron webhook, and the realtime stream.
package handlers

import (
	"crypto/hmac"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/sessions"
	"github.com/postline/backend/internal/auth"
	"github.com/postline/backend/internal/dispatch"
	"github.com/postline/backend/internal/models"
	"github.com/postline/backend/internal/publish"
	"github.com/postline/backend/internal/store"
	"github.com/postline/backend/internal/token"
)

type Handler struct {
	users          store.CredentialStore
	posts          store.PostRepository
	tokens         *token.Manager
	publisher      dispatch.Publisher
	dispatcher     *dispatch.Dispatcher
	sessions       sessions.Store
	dispatchSecret string
	rt             *realtimeHub
}

func New(users store.CredentialStore, posts store.PostRepository, tokens *token.Manager, publisher dispatch.Publisher, dispatcher *dispatch.Dispatcher, sessionStore sessions.Store, dispatchSecret string) *Handler {
	return &Handler{
		users:          users,
		posts:          posts,
		tokens:         tokens,
		publisher:      publisher,
		dispatcher:     dispatcher,
		sessions:       sessionStore,
		dispatchSecret: dispatchSecret,
		rt:             newRealtimeHub(),
	}
}

// Events exposes the realtime hub as a dispatch.Emitter so the background
// worker can notify connected clients.
func (h *Handler) Events() dispatch.Emitter {
	return hubEmitter{h: h}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// requireUser resolves the session to a credential record. Writes the 401
// itself and returns ok=false when the caller is not authenticated.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (*models.User, *sessions.Session, bool) {
	sess, err := auth.GetSession(h.sessions, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return nil, nil, false
	}
	userID := auth.UserID(sess)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, nil, false
	}
	u, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "User not found")
		return nil, nil, false
	}
	return u, sess, true
}

// ensureFreshToken runs the token lifecycle check for an interactive request
// and mirrors a refreshed credential back into the live session.
func (h *Handler) ensureFreshToken(w http.ResponseWriter, r *http.Request, sess *sessions.Session, u *models.User) (*models.User, bool) {
	creds, refreshed, err := h.tokens.EnsureValid(r.Context(), u)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Token refresh failed, please sign in again")
		return nil, false
	}
	if refreshed {
		auth.MirrorCredentials(sess, creds)
		if err := sess.Save(r, w); err != nil {
			log.Printf("[Session] save failed userId=%s err=%v", u.ID, err)
		}
	}
	return creds, true
}

type authCallbackRequest struct {
	XID          string  `json:"xId"`
	Username     string  `json:"username"`
	Name         *string `json:"name,omitempty"`
	Timezone     *string `json:"timezone,omitempty"`
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	// ExpiresIn is the provider's relative expiry in seconds; it is
	// normalized to an absolute timestamp here at the boundary.
	ExpiresIn int    `json:"expiresIn,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// AuthCallback receives the completed-OAuth payload from the external front
// end, normalizes it into a credential record and establishes the session.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	var req authCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.XID) == "" || strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "xId and username are required")
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "accessToken and refreshToken are required")
		return
	}

	var expiry *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expiresAt")
			return
		}
		expiry = &t
	} else if req.ExpiresIn > 0 {
		t := token.CalculateExpiry(time.Now(), req.ExpiresIn)
		expiry = &t
	}

	u, err := h.users.Upsert(r.Context(), &models.User{
		XID:          strings.TrimSpace(req.XID),
		Username:     strings.TrimSpace(req.Username),
		Name:         req.Name,
		Timezone:     req.Timezone,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenExpiry:  expiry,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store user")
		return
	}

	sess, err := auth.GetSession(h.sessions, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	auth.Login(sess, u)
	if err := sess.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeData(w, http.StatusOK, u)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, _, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, u)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, err := auth.GetSession(h.sessions, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	auth.Logout(sess)
	if err := sess.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeMessage(w, http.StatusOK, "Logged out", nil)
}

// ListPosts returns the caller's posts ordered by schedule time. The token
// lifecycle check runs first so the UI always observes a valid session.
func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	u, sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if _, ok := h.ensureFreshToken(w, r, sess, u); !ok {
		return
	}
	posts, err := h.posts.ListByUser(r.Context(), u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeData(w, http.StatusOK, posts)
}

type schedulePostRequest struct {
	Content      string `json:"content"`
	ScheduledFor string `json:"scheduledFor"`
}

func validateContent(content string) (string, string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", "Post content cannot be empty"
	}
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return "", "Post content cannot exceed 280 characters"
	}
	return content, ""
}

func (h *Handler) SchedulePost(w http.ResponseWriter, r *http.Request) {
	u, _, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req schedulePostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	content, msg := validateContent(req.Content)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	scheduledFor, err := time.Parse(time.RFC3339, req.ScheduledFor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format")
		return
	}

	_, err = h.posts.Create(r.Context(), &models.Post{
		UserID:       u.ID,
		Content:      content,
		Status:       models.PostStatusPending,
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateContent) {
			writeError(w, http.StatusBadRequest, "Post with same content already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	posts, err := h.posts.ListByUser(r.Context(), u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeMessage(w, http.StatusOK, "Post scheduled successfully!", posts)
}

type updatePostRequest struct {
	ID           string  `json:"id"`
	Content      *string `json:"content,omitempty"`
	ScheduledFor *string `json:"scheduledFor,omitempty"`
}

// getOwnedPost loads a post and enforces ownership. Writes the rejection and
// returns ok=false on not-found or foreign posts.
func (h *Handler) getOwnedPost(w http.ResponseWriter, r *http.Request, u *models.User, id string) (*models.Post, bool) {
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "Missing post id")
		return nil, false
	}
	post, err := h.posts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Post not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}
	if post.UserID != u.ID {
		writeError(w, http.StatusForbidden, "Forbidden")
		return nil, false
	}
	return post, true
}

func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	u, _, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req updatePostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if _, ok := h.getOwnedPost(w, r, u, req.ID); !ok {
		return
	}

	var content *string
	if req.Content != nil {
		c, msg := validateContent(*req.Content)
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		content = &c
	}
	var scheduledFor *time.Time
	if req.ScheduledFor != nil {
		t, err := time.Parse(time.RFC3339, *req.ScheduledFor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format")
			return
		}
		scheduledFor = &t
	}

	if _, err := h.posts.Update(r.Context(), req.ID, content, scheduledFor); err != nil {
		if errors.Is(err, store.ErrDuplicateContent) {
			writeError(w, http.StatusBadRequest, "Post with same content already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	posts, err := h.posts.ListByUser(r.Context(), u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeData(w, http.StatusOK, posts)
}

type postIDRequest struct {
	ID string `json:"id"`
}

func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	u, _, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req postIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if _, ok := h.getOwnedPost(w, r, u, req.ID); !ok {
		return
	}
	if err := h.posts.Delete(r.Context(), req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	posts, err := h.posts.ListByUser(r.Context(), u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeData(w, http.StatusOK, posts)
}

// PostNow publishes a single owned post immediately through the same publish
// step the dispatcher uses. Already-posted posts are rejected so a double
// click never republishes.
func (h *Handler) PostNow(w http.ResponseWriter, r *http.Request) {
	u, sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req postIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	post, ok := h.getOwnedPost(w, r, u, req.ID)
	if !ok {
		return
	}
	if post.Status == models.PostStatusPosted {
		writeError(w, http.StatusConflict, "Post already posted")
		return
	}

	// Race the dispatch worker for this post; losing means a pass is
	// publishing it right now.
	claimed, err := h.posts.Claim(r.Context(), post.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !claimed {
		writeError(w, http.StatusConflict, "Post is already being published")
		return
	}

	res, err := h.publisher.Publish(r.Context(), u, post.Content)
	if err != nil {
		reason := err.Error()
		if markErr := h.posts.MarkFailed(r.Context(), post.ID, reason); markErr != nil {
			log.Printf("[PostNow] mark failed errored postId=%s err=%v", post.ID, markErr)
		}
		h.emitEvent(u.ID, realtimeEvent{Type: "post.updated", PostID: post.ID, Status: models.PostStatusFailed, Error: reason})
		var pubErr *publish.Error
		if errors.As(err, &pubErr) && pubErr.Unrecoverable {
			writeError(w, http.StatusUnauthorized, "Publishing failed: please re-authorize your account")
			return
		}
		writeError(w, http.StatusBadGateway, "Publishing failed, try again later")
		return
	}

	// Mirror a mid-publish refresh into the live session.
	if res.Creds != nil && res.Creds.AccessToken != u.AccessToken {
		auth.MirrorCredentials(sess, res.Creds)
		if err := sess.Save(r, w); err != nil {
			log.Printf("[Session] save failed userId=%s err=%v", u.ID, err)
		}
	}

	if err := h.posts.MarkPosted(r.Context(), post.ID, res.ExternalPostID); err != nil {
		log.Printf("[PostNow] posted but status write failed postId=%s err=%v", post.ID, err)
	}
	h.emitEvent(u.ID, realtimeEvent{Type: "post.updated", PostID: post.ID, Status: models.PostStatusPosted, XPostID: res.ExternalPostID})

	updated, err := h.posts.GetByID(r.Context(), post.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeData(w, http.StatusOK, updated)
}

// CronWebhook triggers one dispatch pass. The shared secret is checked before
// any repository access.
func (h *Handler) CronWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.dispatchAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	summary, err := h.dispatcher.RunOnce(r.Context())
	if err != nil {
		log.Printf("[CronWebhook] pass failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if summary.Total == 0 {
		writeMessage(w, http.StatusOK, "No posts due in window", summary)
		return
	}
	writeData(w, http.StatusOK, summary)
}

func (h *Handler) dispatchAuthorized(r *http.Request) bool {
	if h.dispatchSecret == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	presented := header
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 {
		presented = parts[1]
	}
	return hmac.Equal([]byte(presented), []byte(h.dispatchSecret))
}
