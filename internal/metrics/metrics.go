// Package metrics exposes Prometheus counters for the dispatch pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DispatchPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postline_dispatch_passes_total",
		Help: "Number of dispatch passes executed.",
	})
	DispatchPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "postline_dispatch_pass_duration_seconds",
		Help:    "Wall-clock duration of a dispatch pass.",
		Buckets: prometheus.DefBuckets,
	})
	PostsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postline_posts_published_total",
		Help: "Posts successfully published to the platform.",
	})
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postline_publish_failures_total",
		Help: "Publish failures by classification.",
	}, []string{"class"})
	PublishAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postline_publish_attempts_total",
		Help: "Individual publish call attempts, including retries.",
	})
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postline_token_refreshes_total",
		Help: "Token refresh outcomes.",
	}, []string{"outcome"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
