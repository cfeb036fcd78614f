// Package api provides HTTP handlers for the pairchat API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/pairchat/internal/conversation"
	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/shared"
	"github.com/ashureev/pairchat/internal/store"
)

const maxBodyBytes = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	repo              store.Repository
	engine            *conversation.Engine
	historyLimit      int
	keepaliveInterval time.Duration
	now               func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, engine *conversation.Engine, historyLimit int, keepalive time.Duration) *Handler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Handler{
		repo:              repo,
		engine:            engine,
		historyLimit:      historyLimit,
		keepaliveInterval: keepalive,
		now:               time.Now,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// engineError maps an engine error onto a status code. Store failures are
// reported as temporarily unavailable; the client retries on its next action.
func engineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNoIdentity):
		Error(w, http.StatusUnauthorized, shared.Status(err))
	case errors.Is(err, domain.ErrInvalidID):
		Error(w, http.StatusBadRequest, shared.Status(err))
	default:
		slog.Warn("Request failed", "path", r.URL.Path, "error", err)
		Error(w, http.StatusServiceUnavailable, shared.Status(err))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// limitParam parses ?limit=, clamped to [1, historyLimit].
func (h *Handler) limitParam(r *http.Request) int {
	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	return limit
}
