// Package seen owns the one-way Unseen -> Seen transition of messages.
//
// A message is stamped seen at creation when the recipient is currently
// viewing the conversation, and can later be marked seen explicitly by the
// recipient. Nothing ever clears the flag.
package seen

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/metrics"
)

// PresenceReader reports whether ownerID is viewing the conversation with subjectID.
type PresenceReader interface {
	IsActive(ctx context.Context, ownerID, subjectID string) (bool, error)
}

// Channel is the part of the conversation channel the tracker mutates.
type Channel interface {
	Latest(ctx context.Context, fromID, toID string) (*domain.Message, error)
	MarkSeen(ctx context.Context, msg domain.Message) (bool, error)
}

// UnseenClearer clears the unseen indicator of a friend entry.
type UnseenClearer interface {
	ClearUnseen(ctx context.Context, ownerID, peerID string) (bool, error)
}

// Tracker computes and applies seen flags.
type Tracker struct {
	presence PresenceReader
	channel  Channel
	friends  UnseenClearer
}

// NewTracker creates a tracker.
func NewTracker(presence PresenceReader, channel Channel, friends UnseenClearer) *Tracker {
	return &Tracker{presence: presence, channel: channel, friends: friends}
}

// RecipientActive returns the seen flag a new senderID -> recipientID message
// gets at write time: whether the recipient is currently viewing the
// conversation with the sender. This can be wrong if presence is stale.
func (t *Tracker) RecipientActive(ctx context.Context, senderID, recipientID string) (bool, error) {
	active, err := t.presence.IsActive(ctx, recipientID, senderID)
	if err != nil {
		return false, fmt.Errorf("read recipient presence: %w", err)
	}
	return active, nil
}

// MarkLatestAsSeen marks the newest peerID -> viewerID message as seen and
// clears the viewer's unseen indicator. It is a no-op when there is no
// message or the message is already seen. It reports whether a message changed.
func (t *Tracker) MarkLatestAsSeen(ctx context.Context, viewerID, peerID string) (bool, error) {
	if err := domain.ValidatePair(viewerID, peerID); err != nil {
		return false, err
	}

	latest, err := t.channel.Latest(ctx, peerID, viewerID)
	if err != nil {
		return false, fmt.Errorf("read latest inbound message: %w", err)
	}
	if latest == nil {
		return false, nil
	}

	changed := false
	if !latest.Seen {
		changed, err = t.channel.MarkSeen(ctx, *latest)
		if err != nil {
			return false, err
		}
		if changed {
			metrics.MessagesSeen.Inc()
			slog.Debug("message marked seen", "user_id", viewerID, "peer_id", peerID, "message_id", latest.ID)
		}
	}

	if t.friends != nil {
		if _, err := t.friends.ClearUnseen(ctx, viewerID, peerID); err != nil {
			return changed, err
		}
	}
	return changed, nil
}
