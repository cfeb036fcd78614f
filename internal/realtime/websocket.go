package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/ashureev/pairchat/internal/conversation"
	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/identity"
	"github.com/ashureev/pairchat/internal/presence"
	"github.com/ashureev/pairchat/internal/shared"
)

const writeTimeout = 10 * time.Second

// Client frame types.
const (
	frameDraft      = "draft"
	frameSeen       = "seen"
	frameSave       = "save"
	frameForeground = "foreground"
	frameBackground = "background"
	framePing       = "ping"
	frameLeave      = "leave"
)

// Server-only frame types; event frames use the conversation event kind.
const (
	framePong  = "pong"
	frameError = "error"
)

// clientFrame is a message from the conversation view.
type clientFrame struct {
	Type     string    `json:"type"`
	Content  string    `json:"content,omitempty"`
	SourceTS time.Time `json:"source_ts,omitempty"`
}

// serverFrame is a message to the conversation view.
type serverFrame struct {
	Type     string                 `json:"type"`
	Presence *domain.PresenceRecord `json:"presence,omitempty"`
	Label    string                 `json:"label,omitempty"`
	Message  *domain.Message        `json:"message,omitempty"`
	Trigger  *domain.TriggerFlag    `json:"trigger,omitempty"`
	Status   string                 `json:"status,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// WebSocketHandler serves /ws/conversations/{peerID}: opening the socket
// enters the conversation view and closing it leaves the view.
type WebSocketHandler struct {
	engine        *conversation.Engine
	sm            *Manager
	allowedOrigin string
	isDev         bool
	frameLimit    rate.Limit
	frameBurst    int
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(engine *conversation.Engine, sm *Manager, allowedOrigin string, isDev bool, perSecond float64, burst int) *WebSocketHandler {
	return &WebSocketHandler{
		engine:        engine,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		frameLimit:    rate.Limit(perSecond),
		frameBurst:    burst,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	peerID := chi.URLParam(r, "peerID")
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "peer_id", peerID, "ip", r.RemoteAddr)

	if err := domain.ValidatePair(userID, peerID); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, domain.ErrNoIdentity) {
			status = http.StatusUnauthorized
		}
		http.Error(w, shared.Status(err), status)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "view closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.sm.Register(userID, sessionID, peerID, ws)
	defer h.sm.Unregister(userID, sessionID, peerID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, err := h.engine.Open(ctx, userID, peerID)
	if err != nil {
		slog.Error("Failed to open conversation", "error", err, "user_id", userID, "peer_id", peerID)
		if err := h.writeJSON(ctx, ws, serverFrame{Type: frameError, Error: shared.Status(err)}); err != nil {
			slog.Debug("Failed to send open error", "error", err)
		}
		return
	}
	// Leaving the view tears down the loop, subscriptions and timers and marks
	// the viewer inactive.
	defer session.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: view -> session.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, session)
	}()

	// Output loop: session events -> view.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, session)
	}()

	wg.Wait()
	slog.Info("Conversation view ended", "user_id", userID, "peer_id", peerID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

//nolint:gocognit // Frame dispatch maps every client action onto the session.
func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, session *conversation.Session) {
	userID := session.SelfID()
	limiter := rate.NewLimiter(h.frameLimit, h.frameBurst)
	slog.Debug("Starting input loop", "user_id", userID)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		if !limiter.Allow() {
			h.sendError(ctx, ws, "rate_limited")
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(ctx, ws, "invalid_frame")
			continue
		}

		switch frame.Type {
		case frameDraft:
			session.SetDraft(frame.Content)
		case frameSeen:
			if _, err := session.MarkSeen(ctx); err != nil {
				slog.Warn("Failed to mark seen", "error", err, "user_id", userID)
			}
		case frameSave:
			if _, err := session.Save(ctx, frame.Content, frame.SourceTS); err != nil {
				slog.Warn("Failed to save message", "error", err, "user_id", userID)
			}
		case frameForeground, frameBackground:
			if err := session.SetForeground(ctx, frame.Type == frameForeground); err != nil {
				slog.Warn("Failed to update foreground state", "error", err, "user_id", userID, "frame", frame.Type)
			}
		case framePing:
			if err := session.Heartbeat(ctx); err != nil {
				slog.Debug("Presence heartbeat failed", "error", err, "user_id", userID)
			}
			if err := h.writeJSON(ctx, ws, serverFrame{Type: framePong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case frameLeave:
			slog.Info("Conversation leave requested", "user_id", userID, "peer_id", session.PeerID())
			return
		default:
			h.sendError(ctx, ws, "unknown_frame")
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, session *conversation.Session) {
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, toFrame(ev, time.Now())); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "user_id", session.SelfID())
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func toFrame(ev conversation.Event, now time.Time) serverFrame {
	frame := serverFrame{
		Type:     string(ev.Kind),
		Presence: ev.Presence,
		Message:  ev.Message,
		Trigger:  ev.Trigger,
		Status:   ev.Status,
	}
	if ev.Presence != nil {
		frame.Label = presence.Label(*ev.Presence, now)
	}
	return frame
}

func (h *WebSocketHandler) sendError(ctx context.Context, ws *websocket.Conn, code string) {
	if err := h.writeJSON(ctx, ws, serverFrame{Type: frameError, Error: code}); err != nil {
		slog.Debug("Failed to send error frame", "error", err, "code", code)
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
