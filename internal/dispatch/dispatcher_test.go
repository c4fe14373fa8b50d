package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/postline/backend/internal/models"
	"github.com/postline/backend/internal/publish"
	"github.com/postline/backend/internal/store"
	"github.com/postline/backend/internal/token"
	"golang.org/x/oauth2"
)

type memPosts struct {
	mu     sync.Mutex
	due    []models.Post
	dueErr error

	posted  map[string]string // post id -> external id
	failed  map[string]string // post id -> reason
	claimed map[string]bool
}

func newMemPosts(due ...models.Post) *memPosts {
	return &memPosts{
		due:     due,
		posted:  map[string]string{},
		failed:  map[string]string{},
		claimed: map[string]bool{},
	}
}

func (m *memPosts) Create(ctx context.Context, p *models.Post) (*models.Post, error) {
	return nil, errors.New("not implemented")
}
func (m *memPosts) GetByID(ctx context.Context, id string) (*models.Post, error) {
	return nil, errors.New("not implemented")
}
func (m *memPosts) ListByUser(ctx context.Context, userID string) ([]models.Post, error) {
	return nil, errors.New("not implemented")
}
func (m *memPosts) Update(ctx context.Context, id string, content *string, scheduledFor *time.Time) (*models.Post, error) {
	return nil, errors.New("not implemented")
}
func (m *memPosts) Delete(ctx context.Context, id string) error {
	return errors.New("not implemented")
}

func (m *memPosts) ListDue(ctx context.Context, cutoff time.Time, maxAttempts int) ([]models.Post, error) {
	if m.dueErr != nil {
		return nil, m.dueErr
	}
	// Always returns the configured posts, modeling the window where
	// overlapping passes both selected before either claimed.
	return m.due, nil
}

func (m *memPosts) Claim(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed[id] {
		return false, nil
	}
	if _, done := m.posted[id]; done {
		return false, nil
	}
	m.claimed[id] = true
	return true, nil
}

func (m *memPosts) MarkPosted(ctx context.Context, id, xPostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted[id] = xPostID
	delete(m.claimed, id)
	return nil
}

func (m *memPosts) MarkFailed(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = reason
	delete(m.claimed, id)
	return nil
}

type memUsers struct {
	users map[string]*models.User
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}
func (m *memUsers) GetByXID(ctx context.Context, xID string) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (m *memUsers) Upsert(ctx context.Context, u *models.User) (*models.User, error) {
	return nil, errors.New("not implemented")
}
func (m *memUsers) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	return nil
}

// fakePublisher records the credential each call received and replays
// scripted outcomes keyed by content.
type fakePublisher struct {
	mu         sync.Mutex
	seenTokens []string
	fail       map[string]error  // content -> error
	refreshTo  string            // when set, first call per user returns refreshed creds
	refreshed  map[string]bool   // user id -> already refreshed
	ids        map[string]string // content -> external id
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		fail:      map[string]error{},
		refreshed: map[string]bool{},
		ids:       map[string]string{},
	}
}

func (f *fakePublisher) Publish(ctx context.Context, u *models.User, content string) (publish.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenTokens = append(f.seenTokens, u.AccessToken)
	if err, ok := f.fail[content]; ok {
		return publish.Result{}, err
	}
	creds := u
	if f.refreshTo != "" && !f.refreshed[u.ID] {
		f.refreshed[u.ID] = true
		cp := *u
		cp.AccessToken = f.refreshTo
		creds = &cp
	}
	id := f.ids[content]
	if id == "" {
		id = "x-" + content
	}
	return publish.Result{ExternalPostID: id, Creds: creds}, nil
}

func duePost(id, userID, content string, scheduledFor time.Time) models.Post {
	return models.Post{
		ID:           id,
		UserID:       userID,
		Content:      content,
		Status:       models.PostStatusPending,
		ScheduledFor: scheduledFor,
	}
}

type recordedEvent struct {
	userID, postID, status, xPostID, reason string
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEmitter) PostUpdated(userID, postID, status, xPostID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{userID, postID, status, xPostID, reason})
}

func TestRunOnce_EmptyWindow(t *testing.T) {
	d := New(newMemPosts(), &memUsers{users: map[string]*models.User{}}, newFakePublisher())
	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if s.Total != 0 || s.Posted != 0 || s.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.Errors == nil {
		t.Fatal("summary errors must be non-nil for JSON encoding")
	}
}

func TestRunOnce_PublishesDuePosts(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(
		duePost("p1", "u1", "first", now.Add(-2*time.Minute)),
		duePost("p2", "u2", "second", now.Add(-1*time.Minute)),
	)
	users := &memUsers{users: map[string]*models.User{
		"u1": {ID: "u1", AccessToken: "t1"},
		"u2": {ID: "u2", AccessToken: "t2"},
	}}
	emitter := &recordingEmitter{}
	d := New(posts, users, newFakePublisher()).WithEvents(emitter)

	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if s.Total != 2 || s.Posted != 2 || s.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if posts.posted["p1"] != "x-first" || posts.posted["p2"] != "x-second" {
		t.Fatalf("posts not marked posted: %+v", posts.posted)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("expected 2 events got %d", len(emitter.events))
	}
}

func TestRunOnce_PerPostFailureIsolation(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(
		duePost("p1", "u1", "bad", now.Add(-2*time.Minute)),
		duePost("p2", "u1", "good", now.Add(-1*time.Minute)),
	)
	users := &memUsers{users: map[string]*models.User{"u1": {ID: "u1", AccessToken: "t1"}}}
	pub := newFakePublisher()
	pub.fail["bad"] = &publish.Error{Unrecoverable: false, Attempts: 3, Err: errors.New("timeout")}
	d := New(posts, users, pub)

	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if s.Posted != 1 || s.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if _, ok := posts.failed["p1"]; !ok {
		t.Fatal("p1 should be marked failed")
	}
	if posts.posted["p2"] != "x-good" {
		t.Fatal("transient failure of p1 must not block p2")
	}
	if len(s.Errors) != 1 || s.Errors[0].ID != "p1" {
		t.Fatalf("unexpected errors: %+v", s.Errors)
	}
}

func TestRunOnce_SingleRefreshSpansUsersPosts(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(
		duePost("p1", "u1", "first", now.Add(-3*time.Minute)),
		duePost("p2", "u1", "second", now.Add(-2*time.Minute)),
		duePost("p3", "u1", "third", now.Add(-1*time.Minute)),
	)
	users := &memUsers{users: map[string]*models.User{"u1": {ID: "u1", AccessToken: "stale"}}}
	pub := newFakePublisher()
	pub.refreshTo = "fresh"
	d := New(posts, users, pub)

	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if s.Posted != 3 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	want := []string{"stale", "fresh", "fresh"}
	if len(pub.seenTokens) != 3 {
		t.Fatalf("expected 3 publishes got %d", len(pub.seenTokens))
	}
	for i, tok := range want {
		if pub.seenTokens[i] != tok {
			t.Fatalf("publish %d used token %q want %q", i+1, pub.seenTokens[i], tok)
		}
	}
}

func TestRunOnce_DeadCredentialFailsRemainingPosts(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(
		duePost("p1", "u1", "first", now.Add(-2*time.Minute)),
		duePost("p2", "u1", "second", now.Add(-1*time.Minute)),
	)
	users := &memUsers{users: map[string]*models.User{"u1": {ID: "u1"}}}
	pub := newFakePublisher()
	pub.fail["first"] = &publish.Error{
		Unrecoverable: true,
		Err:           &token.RefreshError{UserID: "u1", Err: errors.New("invalid_grant")},
	}
	d := New(posts, users, pub)

	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if s.Failed != 2 || s.Posted != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	// Only the first post may touch the provider; the second fails locally.
	if len(pub.seenTokens) != 1 {
		t.Fatalf("expected 1 publish call got %d", len(pub.seenTokens))
	}
	if reason := posts.failed["p2"]; reason != "token refresh failed earlier in this pass" {
		t.Fatalf("unexpected p2 reason %q", reason)
	}
}

func TestRunOnce_OwnerMissingFailsItsPostsOnly(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(
		duePost("p1", "ghost", "orphan", now.Add(-2*time.Minute)),
		duePost("p2", "u1", "fine", now.Add(-1*time.Minute)),
	)
	users := &memUsers{users: map[string]*models.User{"u1": {ID: "u1", AccessToken: "t1"}}}
	d := New(posts, users, newFakePublisher())

	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if s.Posted != 1 || s.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if reason := posts.failed["p1"]; reason != "owner not found" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestRunOnce_NeverRepublishesPostedPost(t *testing.T) {
	now := time.Now()
	already := duePost("p1", "u1", "done", now.Add(-2*time.Minute))
	already.Status = models.PostStatusPosted
	posts := newMemPosts(already)
	users := &memUsers{users: map[string]*models.User{"u1": {ID: "u1", AccessToken: "t1"}}}
	pub := newFakePublisher()
	d := New(posts, users, pub)

	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if len(pub.seenTokens) != 0 {
		t.Fatal("a posted post must never reach the publisher")
	}
	if s.Posted != 0 || s.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestRunOnce_PanicInPublisherIsContained(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(
		duePost("p1", "u1", "boom", now.Add(-2*time.Minute)),
		duePost("p2", "u2", "fine", now.Add(-1*time.Minute)),
	)
	users := &memUsers{users: map[string]*models.User{
		"u1": {ID: "u1", AccessToken: "t1"},
		"u2": {ID: "u2", AccessToken: "t2"},
	}}
	d := New(posts, users, panickyPublisher{})

	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if s.Posted != 1 || s.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if _, ok := posts.failed["p1"]; !ok {
		t.Fatal("panicking post should be marked failed")
	}
}

type panickyPublisher struct{}

func (panickyPublisher) Publish(ctx context.Context, u *models.User, content string) (publish.Result, error) {
	if content == "boom" {
		panic("kaboom")
	}
	return publish.Result{ExternalPostID: "x-" + content, Creds: u}, nil
}

func TestRunOnce_OverlappingPassesPublishOnce(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(duePost("p1", "u1", "once only", now.Add(-time.Minute)))
	users := &memUsers{users: map[string]*models.User{"u1": {ID: "u1", AccessToken: "t1"}}}
	pub := newFakePublisher()

	// Two dispatchers over the same store stand in for the ticker worker and
	// the cron webhook firing together; the fake store hands the same due
	// post to both.
	first := New(posts, users, pub)
	second := New(posts, users, pub)

	s1, err := first.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first RunOnce err=%v", err)
	}
	s2, err := second.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce err=%v", err)
	}

	if len(pub.seenTokens) != 1 {
		t.Fatalf("post published %d times, want exactly 1", len(pub.seenTokens))
	}
	if s1.Posted != 1 {
		t.Fatalf("first pass summary: %+v", s1)
	}
	if s2.Posted != 0 || s2.Failed != 0 || s2.Skipped != 1 {
		t.Fatalf("second pass must skip the claimed post: %+v", s2)
	}
}

func TestRunOnce_PreClaimedPostIsSkippedNotFailed(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(
		duePost("p1", "u1", "in flight elsewhere", now.Add(-2*time.Minute)),
		duePost("p2", "u1", "free", now.Add(-time.Minute)),
	)
	posts.claimed["p1"] = true
	users := &memUsers{users: map[string]*models.User{"u1": {ID: "u1", AccessToken: "t1"}}}
	pub := newFakePublisher()
	d := New(posts, users, pub)

	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if s.Posted != 1 || s.Failed != 0 || s.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if _, failed := posts.failed["p1"]; failed {
		t.Fatal("a lost claim must not mark the post failed")
	}
	if len(pub.seenTokens) != 1 {
		t.Fatalf("only the unclaimed post may publish, got %d calls", len(pub.seenTokens))
	}
}

// countingProvider backs a real token.Manager so the full refresh path runs.
type countingProvider struct {
	mu    sync.Mutex
	calls []string // refresh tokens presented
}

func (p *countingProvider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, refreshToken)
	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("acc-%d", len(p.calls)),
		RefreshToken: fmt.Sprintf("ref-%d", len(p.calls)),
		Expiry:       time.Now().Add(2 * time.Hour),
	}, nil
}

type alwaysDownClient struct {
	mu    sync.Mutex
	calls int
}

func (c *alwaysDownClient) CreatePost(ctx context.Context, accessToken, content string) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return "", &publish.APIError{StatusCode: 503, Title: "Service Unavailable"}
}

// A transient failure on one post must not cause a second refresh for the
// same user in the same pass: the rotated refresh token is single-use, so
// presenting the old one again would kill the credential chain.
func TestRunOnce_TransientFailureDoesNotRefreshTwice(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(
		duePost("p1", "u1", "first", now.Add(-2*time.Minute)),
		duePost("p2", "u1", "second", now.Add(-time.Minute)),
	)
	// nil expiry forces a refresh on the first publish
	users := &memUsers{users: map[string]*models.User{"u1": {ID: "u1", AccessToken: "stale", RefreshToken: "ref-0"}}}

	provider := &countingProvider{}
	policy := publish.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     publish.LinearBackoff,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}
	pub := publish.NewPublisherWithPolicy(token.NewManager(users, provider), &alwaysDownClient{}, policy)

	d := New(posts, users, pub)
	s, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce err=%v", err)
	}
	if s.Failed != 2 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if len(provider.calls) != 1 {
		t.Fatalf("refresh grant exercised %d times with tokens %v, want exactly 1", len(provider.calls), provider.calls)
	}
	if provider.calls[0] != "ref-0" {
		t.Fatalf("first refresh must present the stored token, got %q", provider.calls[0])
	}
}

func TestRunOnce_ListDueErrorAbortsPass(t *testing.T) {
	posts := newMemPosts()
	posts.dueErr = errors.New("db down")
	d := New(posts, &memUsers{users: map[string]*models.User{}}, newFakePublisher())

	if _, err := d.RunOnce(context.Background()); err == nil {
		t.Fatal("expected pass to abort when the due query fails")
	}
}
