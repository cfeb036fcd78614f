package store

import (
	"fmt"
	"strings"
	"time"
)

// Key prefixes of the logical document layout. The Pebble backend uses them
// as literal keys; SQLite maps each prefix to a table.
const (
	prefixUsers    = "users"
	prefixMessages = "messages"
	prefixPresence = "activeStatus"
	prefixSaved    = "saving_messages"
	prefixTrigger  = "saving_trigger"
	prefixFriends  = "friends"

	// secondary indexes ordered by time, pebble only
	prefixMessageIndex = "idx_messages"
	prefixSavedIndex   = "idx_saving_messages"
)

func validateSegments(segments ...string) error {
	for _, s := range segments {
		if s == "" || strings.Contains(s, "/") {
			return fmt.Errorf("invalid key segment %q", s)
		}
	}
	return nil
}

func joinKey(segments ...string) []byte {
	return []byte(strings.Join(segments, "/"))
}

// sortableTime renders t so that lexical key order equals time order.
func sortableTime(t time.Time) string {
	return fmt.Sprintf("%020d", toNanos(t))
}

// UserKey returns users/{userID}.
func UserKey(userID string) []byte { return joinKey(prefixUsers, userID) }

// MessageKey returns messages/{fromID}/{toID}/{messageID}.
func MessageKey(fromID, toID, messageID string) []byte {
	return joinKey(prefixMessages, fromID, toID, messageID)
}

// PresenceKey returns activeStatus/{ownerID}/{subjectID}.
func PresenceKey(ownerID, subjectID string) []byte {
	return joinKey(prefixPresence, ownerID, subjectID)
}

// SavedKey returns saving_messages/{ownerID}/{peerID}/{id}.
func SavedKey(ownerID, peerID, id string) []byte {
	return joinKey(prefixSaved, ownerID, peerID, id)
}

// TriggerKey returns saving_trigger/{recipientID}/{peerID}.
func TriggerKey(recipientID, peerID string) []byte {
	return joinKey(prefixTrigger, recipientID, peerID)
}

// FriendKey returns friends/{ownerID}/{peerID}.
func FriendKey(ownerID, peerID string) []byte {
	return joinKey(prefixFriends, ownerID, peerID)
}

func messageIndexKey(fromID, toID string, ts time.Time, messageID string) []byte {
	return joinKey(prefixMessageIndex, fromID, toID, sortableTime(ts), messageID)
}

func savedIndexKey(ownerID, peerID string, savedAt time.Time, id string) []byte {
	return joinKey(prefixSavedIndex, ownerID, peerID, sortableTime(savedAt), id)
}

// prefixOf returns the key prefix (with trailing slash) for a set of segments.
func prefixOf(segments ...string) []byte {
	return append(joinKey(segments...), '/')
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// lastSegment returns the text after the final slash of a key.
func lastSegment(key []byte) string {
	k := string(key)
	if i := strings.LastIndexByte(k, '/'); i >= 0 {
		return k[i+1:]
	}
	return k
}
