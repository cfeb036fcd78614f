package domain

import (
	"time"
)

// Message is one entry of a directional channel (FromID -> ToID).
// The reverse direction is a separate, independently ordered channel.
type Message struct {
	ID        string    `json:"id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Seen      bool      `json:"seen"`
	Sender    string    `json:"sender"`
}

// SavedMessage is a copy of a message in OwnerID's mirror for PeerID.
// Timestamp is the source message timestamp; SavedAt orders the mirror.
type SavedMessage struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	PeerID    string    `json:"peer_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	SavedAt   time.Time `json:"saved_at"`
}

// TriggerFlag notifies RecipientID that PeerID saved a new item.
// It is cleared by the observer, never by the writer.
type TriggerFlag struct {
	RecipientID string    `json:"recipient_id"`
	PeerID      string    `json:"peer_id"`
	Pending     bool      `json:"pending"`
	UpdatedAt   time.Time `json:"updated_at"`
}
