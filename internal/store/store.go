// Package store provides data persistence interfaces and implementations.
//
// The Repository is treated as a multi-writer document store without
// transactions: every method is a point read, a point write/merge, or a
// limit-bounded query. Missing documents are returned as nil with a nil error.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/pairchat/internal/domain"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

// Repository defines the interface for persisting conversation state.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// GetPresence reads activeStatus/{ownerID}/{subjectID}.
	GetPresence(ctx context.Context, ownerID, subjectID string) (*domain.PresenceRecord, error)

	// PutPresence overwrites a presence record (last writer wins).
	PutPresence(ctx context.Context, rec *domain.PresenceRecord) error

	// ListStalePresence returns active records whose LastActiveAt is before cutoff.
	ListStalePresence(ctx context.Context, cutoff time.Time) ([]*domain.PresenceRecord, error)

	// AppendMessage stores a new message under messages/{FromID}/{ToID}/{ID}.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// LatestMessage returns the newest message in the fromID -> toID direction.
	LatestMessage(ctx context.Context, fromID, toID string) (*domain.Message, error)

	// ListMessages returns up to limit messages of one direction, newest first.
	ListMessages(ctx context.Context, fromID, toID string, limit int) ([]*domain.Message, error)

	// MarkMessageSeen sets seen=true on a message. It reports whether the flag
	// changed; it never clears the flag.
	MarkMessageSeen(ctx context.Context, fromID, toID, messageID string) (bool, error)

	// AppendSaved stores a saved copy under saving_messages/{OwnerID}/{PeerID}/{ID}.
	AppendSaved(ctx context.Context, saved *domain.SavedMessage) error

	// ListSaved returns up to limit saved messages, newest SavedAt first.
	ListSaved(ctx context.Context, ownerID, peerID string, limit int) ([]*domain.SavedMessage, error)

	// GetTrigger reads saving_trigger/{recipientID}/{peerID}.
	GetTrigger(ctx context.Context, recipientID, peerID string) (*domain.TriggerFlag, error)

	// PutTrigger overwrites a trigger flag.
	PutTrigger(ctx context.Context, flag *domain.TriggerFlag) error

	// GetFriend reads friends/{ownerID}/{peerID}.
	GetFriend(ctx context.Context, ownerID, peerID string) (*domain.FriendEntry, error)

	// ListFriends returns every entry owned by ownerID in storage order.
	ListFriends(ctx context.Context, ownerID string) ([]*domain.FriendEntry, error)

	// TouchFriend merges a new latest message timestamp and unseen flag into
	// an entry, creating it when missing. Pinned and muted flags are preserved.
	TouchFriend(ctx context.Context, ownerID, peerID string, latest time.Time, unseen bool) error

	// ClearFriendUnseen clears HasUnseenLatestMessage and reports whether it was set.
	ClearFriendUnseen(ctx context.Context, ownerID, peerID string) (bool, error)

	// SetFriendFlags merges pinned and muted flags, creating the entry when missing.
	SetFriendFlags(ctx context.Context, ownerID, peerID string, pinned, muted bool) error

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying storage.
	Close() error
}

// Open creates a Repository for the named driver.
func Open(driver, path string) (Repository, error) {
	switch driver {
	case "", DriverSQLite:
		return NewSQLite(path)
	case DriverPebble:
		return NewPebble(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}
