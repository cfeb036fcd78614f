// Package realtime provides the websocket transport of a conversation view.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Manager tracks the open conversation sockets of each user. A view is keyed
// by tab session and peer; opening the same view again replaces the old socket.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

func viewKey(sessionID, peerID string) string {
	return sessionID + ":" + peerID
}

// Get returns the socket of one view, or nil.
func (m *Manager) Get(userID, sessionID, peerID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if views, ok := m.active[userID]; ok {
		return views[viewKey(sessionID, peerID)]
	}
	return nil
}

// Count returns the number of open views of userID.
func (m *Manager) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// Register adds a socket for a view, closing the socket it replaces.
func (m *Manager) Register(userID, sessionID, peerID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	key := viewKey(sessionID, peerID)
	if existing, exists := m.active[userID][key]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "view replaced")
	}

	m.active[userID][key] = conn
	slog.Info("Conversation socket registered", "user_id", userID, "session_id", sessionID, "peer_id", peerID)
}

// Unregister removes a view's socket if it is still the registered one.
func (m *Manager) Unregister(userID, sessionID, peerID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	views, ok := m.active[userID]
	if !ok {
		return
	}
	key := viewKey(sessionID, peerID)
	if current, exists := views[key]; exists && current == conn {
		delete(views, key)
		if len(views) == 0 {
			delete(m.active, userID)
		}
		slog.Info("Conversation socket unregistered", "user_id", userID, "session_id", sessionID, "peer_id", peerID)
	}
}

// CloseUser terminates every open view of a user.
func (m *Manager) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	views, ok := m.active[userID]
	if !ok {
		return
	}
	for key, conn := range views {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Conversation socket closed", "user_id", userID, "view", key)
	}
	delete(m.active, userID)
}

// CloseAll terminates every open view, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, views := range m.active {
		for _, conn := range views {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}
