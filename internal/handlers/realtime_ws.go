package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/postline/backend/internal/auth"
	"golang.org/x/net/websocket"
)

// realtimeHub fans post status changes out to a user's open websocket
// connections. Best effort: a slow or dead connection is dropped, never
// allowed to block publishing.
type realtimeHub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newRealtimeHub() *realtimeHub {
	return &realtimeHub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *realtimeHub) add(userID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[userID] = m
	}
	m[c] = struct{}{}
}

func (h *realtimeHub) remove(userID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, userID)
	}
}

func (h *realtimeHub) broadcast(userID string, msg []byte) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(userID, c)
		}
	}
}

type realtimeEvent struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	PostID  string `json:"postId,omitempty"`
	Status  string `json:"status,omitempty"`
	XPostID string `json:"xPostId,omitempty"`
	Error   string `json:"error,omitempty"`
	At      string `json:"at"`
}

func (h *Handler) emitEvent(userID string, ev realtimeEvent) {
	if h == nil || h.rt == nil || strings.TrimSpace(userID) == "" {
		return
	}
	ev.UserID = userID
	if ev.At == "" {
		ev.At = time.Now().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.rt.broadcast(userID, b)
}

// hubEmitter adapts the hub to the dispatcher's Emitter interface.
type hubEmitter struct {
	h *Handler
}

func (e hubEmitter) PostUpdated(userID, postID, status, xPostID, reason string) {
	e.h.emitEvent(userID, realtimeEvent{
		Type:    "post.updated",
		PostID:  postID,
		Status:  status,
		XPostID: xPostID,
		Error:   reason,
	})
}

// RealtimeWebSocket streams post.updated events to the authenticated user.
//
// URL: GET /ws/realtime
func (h *Handler) RealtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := auth.GetSession(h.sessions, r)
	if err != nil {
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	userID := auth.UserID(sess)
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// golang.org/x/net/websocket's default handshake rejects mismatched
	// Origin headers; the session cookie is the auth here, and the front end
	// may be served from a different origin.
	wsServer := websocket.Server{
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			return nil
		},
		Handler: func(c *websocket.Conn) {
			log.Printf("[Realtime] connect userId=%s remote=%s", userID, r.RemoteAddr)
			h.rt.add(userID, c)
			defer h.rt.remove(userID, c)
			defer log.Printf("[Realtime] disconnect userId=%s remote=%s", userID, r.RemoteAddr)

			hello := realtimeEvent{
				Type:   "hello",
				UserID: userID,
				At:     time.Now().UTC().Format(time.RFC3339),
			}
			if b, err := json.Marshal(hello); err == nil {
				_ = websocket.Message.Send(c, string(b))
			}

			// Read loop keeps the connection open and detects disconnects.
			for {
				var ignored string
				if err := websocket.Message.Receive(c, &ignored); err != nil {
					break
				}
			}
		},
	}

	wsServer.ServeHTTP(w, r)
}
