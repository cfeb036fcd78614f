package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/identity"
)

// ListFriends returns the caller's friend list, pinned entries first.
func (h *Handler) ListFriends(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		engineError(w, r, domain.ErrNoIdentity)
		return
	}

	entries, err := h.engine.Friends.List(r.Context(), userID)
	if err != nil {
		engineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.FriendEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"friends": entries})
}

type friendFlagsRequest struct {
	Pinned bool `json:"is_pinned"`
	Muted  bool `json:"is_muted"`
}

// SetFriendFlags updates the pinned and muted flags of one entry.
func (h *Handler) SetFriendFlags(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	peerID := chi.URLParam(r, "peerID")
	var req friendFlagsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.engine.Friends.SetFlags(r.Context(), userID, peerID, req.Pinned, req.Muted); err != nil {
		engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamFriends streams the caller's sorted friend list over SSE. The current
// list is sent first, then one "friends" event per change.
func (h *Handler) StreamFriends(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		engineError(w, r, domain.ErrNoIdentity)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.engine.Friends.Observe(r.Context(), userID)
	if err != nil {
		engineError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Info("Friends stream connected", "user_id", userID)

	keepalive := time.NewTicker(h.keepaliveInterval)
	defer keepalive.Stop()

	var seq int64
	for {
		select {
		case <-r.Context().Done():
			slog.Info("Friends stream disconnected", "user_id", userID)
			return
		case entries, ok := <-sub.C():
			if !ok {
				return
			}
			if entries == nil {
				entries = []domain.FriendEntry{}
			}
			data, err := json.Marshal(entries)
			if err != nil {
				slog.Error("failed to encode friends event", "error", err, "user_id", userID)
				continue
			}
			seq++
			if err := writeSSEWithID(w, seq, "friends", string(data)); err != nil {
				slog.Warn("failed to write friends event", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
