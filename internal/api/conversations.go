package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/identity"
	"github.com/ashureev/pairchat/internal/presence"
)

// RegisterRoutes registers the conversation, presence and friend routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)

		r.Get("/friends", h.ListFriends)
		r.Get("/friends/stream", h.StreamFriends)
		r.Put("/friends/{peerID}", h.SetFriendFlags)

		r.Route("/conversations/{peerID}", func(r chi.Router) {
			r.Get("/", h.GetConversation)
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.SendMessage)
			r.Post("/seen", h.MarkSeen)
			r.Get("/saved", h.ListSaved)
			r.Post("/saved", h.SaveMessage)
		})

		r.Get("/presence/{peerID}", h.GetPresence)
		r.Put("/presence/{peerID}", h.SetPresence)
	})
}

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.DisplayName(),
		"last_seen_at": user.LastSeenAt,
	})
}

func pair(r *http.Request) (string, string) {
	return identity.UserIDFromContext(r.Context()), chi.URLParam(r, "peerID")
}

// GetConversation returns the latest inbound and outbound messages, the peer's
// presence toward the caller and the pending saved trigger.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	selfID, peerID := pair(r)
	snap, err := h.engine.Snapshot(r.Context(), selfID, peerID, h.now())
	if err != nil {
		engineError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// ListMessages returns a newest-first page of one direction.
// ?direction=in lists peer -> caller; anything else lists caller -> peer.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	selfID, peerID := pair(r)
	fromID, toID := selfID, peerID
	if r.URL.Query().Get("direction") == "in" {
		fromID, toID = peerID, selfID
	}
	if err := domain.ValidatePair(selfID, peerID); err != nil {
		engineError(w, r, err)
		return
	}

	msgs, err := h.engine.Channel.History(r.Context(), fromID, toID, h.limitParam(r))
	if err != nil {
		engineError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

type sendRequest struct {
	Text string `json:"text"`
}

// SendMessage appends an explicit message from the caller to the peer.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	selfID, peerID := pair(r)
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := h.engine.Send(r.Context(), selfID, peerID, req.Text)
	if err != nil {
		engineError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// MarkSeen marks the latest inbound message as seen.
func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	selfID, peerID := pair(r)
	changed, err := h.engine.MarkLatestAsSeen(r.Context(), selfID, peerID)
	if err != nil {
		engineError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

type saveRequest struct {
	Text     string    `json:"text"`
	Sender   string    `json:"sender"`
	SourceTS time.Time `json:"source_ts"`
}

// SaveMessage copies a message into the caller's saved mirror for the peer.
func (h *Handler) SaveMessage(w http.ResponseWriter, r *http.Request) {
	selfID, peerID := pair(r)
	var req saveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Sender == "" {
		req.Sender = h.engine.DisplayName(r.Context(), selfID)
	}

	saved, err := h.engine.Saved.SaveMessage(r.Context(), selfID, peerID, req.Sender, req.Text, req.SourceTS)
	if err != nil {
		engineError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, saved)
}

// ListSaved returns a newest-first page of the caller's saved mirror.
func (h *Handler) ListSaved(w http.ResponseWriter, r *http.Request) {
	selfID, peerID := pair(r)
	saved, err := h.engine.Saved.List(r.Context(), selfID, peerID, h.limitParam(r))
	if err != nil {
		engineError(w, r, err)
		return
	}
	if saved == nil {
		saved = []*domain.SavedMessage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"saved": saved})
}

// GetPresence returns the peer's presence toward the caller.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	selfID, peerID := pair(r)
	if err := domain.ValidatePair(selfID, peerID); err != nil {
		engineError(w, r, err)
		return
	}
	rec, err := h.engine.Presence.Get(r.Context(), peerID, selfID)
	if err != nil {
		engineError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"presence": rec,
		"label":    presence.Label(rec, h.now()),
	})
}

type presenceRequest struct {
	Active bool `json:"active"`
}

// SetPresence sets the caller's presence toward the peer.
func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	selfID, peerID := pair(r)
	var req presenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.engine.Presence.SetActive(r.Context(), selfID, peerID, req.Active); err != nil {
		engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
