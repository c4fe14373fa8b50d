package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/postline/backend/internal/models"
)

func TestWorker_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	now := time.Now()
	posts := newMemPosts(duePost("p1", "u1", "first", now.Add(-time.Minute)))
	users := &memUsers{users: map[string]*models.User{"u1": {ID: "u1", AccessToken: "t1"}}}
	w := &Worker{Dispatcher: New(posts, users, newFakePublisher())}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx, time.Hour) // interval never fires; only the immediate pass runs
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		posts.mu.Lock()
		_, posted := posts.posted["p1"]
		posts.mu.Unlock()
		if posted {
			break
		}
		select {
		case <-deadline:
			t.Fatal("immediate pass did not publish the due post")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
