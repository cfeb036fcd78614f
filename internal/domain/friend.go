package domain

import (
	"time"
)

// FriendEntry is OwnerID's view of the conversation with PeerID.
// A zero LatestMessageAt means no message has been exchanged yet.
type FriendEntry struct {
	OwnerID                string    `json:"owner_id"`
	PeerID                 string    `json:"peer_id"`
	IsPinned               bool      `json:"is_pinned"`
	IsMuted                bool      `json:"is_muted"`
	LatestMessageAt        time.Time `json:"latest_message_at"`
	HasUnseenLatestMessage bool      `json:"has_unseen_latest_message"`
}

// HasMessages reports whether the entry carries a latest message timestamp.
func (f *FriendEntry) HasMessages() bool {
	return !f.LatestMessageAt.IsZero()
}
