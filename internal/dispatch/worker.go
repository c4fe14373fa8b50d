package dispatch

import (
	"context"
	"log"
	"time"
)

const passTimeout = 4 * time.Minute

// Worker runs periodic dispatch passes. The cron-webhook endpoint can coexist
// with it: each post is claimed atomically before publishing, so overlapping
// passes never publish the same post twice.
type Worker struct {
	Dispatcher *Dispatcher
}

// Start polls on the given interval until ctx is cancelled. It runs one pass
// immediately so a restart doesn't delay already-due posts.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log.Printf("[Dispatch] worker started interval=%s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep := 0
	run := func() {
		sweep++
		passCtx, cancel := context.WithTimeout(ctx, passTimeout)
		summary, err := w.Dispatcher.RunOnce(passCtx)
		cancel()
		if err != nil {
			log.Printf("[Dispatch] sweep error sweep=%d err=%v", sweep, err)
			return
		}
		// Log a periodic heartbeat even when nothing is due so "nothing
		// happening" is diagnosable.
		if summary.Total == 0 && sweep%10 == 0 {
			log.Printf("[Dispatch] sweep ok sweep=%d due=0", sweep)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatch] worker stopped err=%v", ctx.Err())
			return
		case <-ticker.C:
			run()
		}
	}
}
