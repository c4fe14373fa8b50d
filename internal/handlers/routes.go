package handlers

import (
	"github.com/gorilla/mux"
	"github.com/postline/backend/internal/metrics"
)

// RegisterRoutes mounts every endpoint on the router.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Session lifecycle (the OAuth code exchange itself happens in the
	// external front end; it posts the completed handshake here).
	r.HandleFunc("/api/auth/callback", h.AuthCallback).Methods("POST")
	r.HandleFunc("/api/auth/me", h.Me).Methods("GET")
	r.HandleFunc("/api/auth/logout", h.Logout).Methods("GET")

	// Post scheduling.
	r.HandleFunc("/api/posts", h.ListPosts).Methods("GET")
	r.HandleFunc("/api/posts/schedule", h.SchedulePost).Methods("POST")
	r.HandleFunc("/api/posts/update", h.UpdatePost).Methods("POST")
	r.HandleFunc("/api/posts/delete", h.DeletePost).Methods("POST")
	r.HandleFunc("/api/posts/post-now", h.PostNow).Methods("POST")

	// Dispatch trigger (shared secret) and realtime stream.
	r.HandleFunc("/api/cron-webhook", h.CronWebhook).Methods("GET")
	r.HandleFunc("/ws/realtime", h.RealtimeWebSocket).Methods("GET")
}
