package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Repository on a Pebble key-value store using the
// document layout from keys.go. Values are JSON documents.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // guards read-modify-write merges
}

// NewPebble opens (or creates) a Pebble-backed repository in dir.
func NewPebble(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create pebble directory: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			slog.Warn("failed to release pebble value", "key", string(key), "error", closeErr)
		}
	}()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// scanPrefix visits keys under prefix, newest-last order reversed when reverse
// is true, stopping after limit visits (limit <= 0 means no limit).
func (s *PebbleStore) scanPrefix(prefix []byte, reverse bool, limit int, visit func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer func() {
		if closeErr := iter.Close(); closeErr != nil {
			slog.Warn("failed to close pebble iterator", "prefix", string(prefix), "error", closeErr)
		}
	}()

	step := iter.Next
	valid := iter.First()
	if reverse {
		step = iter.Prev
		valid = iter.Last()
	}

	n := 0
	for ; valid; valid = step() {
		if err := visit(iter.Key(), iter.Value()); err != nil {
			return err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return iter.Error()
}

// Ping verifies the store is still open.
func (s *PebbleStore) Ping(_ context.Context) error {
	_, closer, err := s.db.Get([]byte("ping"))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ping pebble: %w", err)
	}
	return closer.Close()
}

// Close closes the store.
func (s *PebbleStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close pebble: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *PebbleStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	if err := validateSegments(userID); err != nil {
		return nil, err
	}
	var user domain.User
	ok, err := s.getJSON(UserKey(userID), &user)
	if err != nil || !ok {
		return nil, err
	}
	return &user, nil
}

// UpsertUser creates or updates a user record, keeping the original CreatedAt.
func (s *PebbleStore) UpsertUser(_ context.Context, user *domain.User) error {
	if err := validateSegments(user.UserID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *user
	var existing domain.User
	ok, err := s.getJSON(UserKey(user.UserID), &existing)
	if err != nil {
		return err
	}
	if ok {
		next.CreatedAt = existing.CreatedAt
	}
	return s.setJSON(UserKey(user.UserID), &next)
}

// GetPresence reads one presence record.
func (s *PebbleStore) GetPresence(_ context.Context, ownerID, subjectID string) (*domain.PresenceRecord, error) {
	if err := validateSegments(ownerID, subjectID); err != nil {
		return nil, err
	}
	var rec domain.PresenceRecord
	ok, err := s.getJSON(PresenceKey(ownerID, subjectID), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// PutPresence overwrites a presence record.
func (s *PebbleStore) PutPresence(_ context.Context, rec *domain.PresenceRecord) error {
	if err := validateSegments(rec.OwnerID, rec.SubjectID); err != nil {
		return err
	}
	return s.setJSON(PresenceKey(rec.OwnerID, rec.SubjectID), rec)
}

// ListStalePresence returns active records not refreshed since cutoff.
func (s *PebbleStore) ListStalePresence(_ context.Context, cutoff time.Time) ([]*domain.PresenceRecord, error) {
	var records []*domain.PresenceRecord
	err := s.scanPrefix(prefixOf(prefixPresence), false, 0, func(_, value []byte) error {
		var rec domain.PresenceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode presence: %w", err)
		}
		if rec.IsActive && rec.LastActiveAt.Before(cutoff) {
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan stale presence: %w", err)
	}
	return records, nil
}

// AppendMessage stores a message and its time index entry in one batch.
func (s *PebbleStore) AppendMessage(_ context.Context, msg *domain.Message) error {
	if err := validateSegments(msg.FromID, msg.ToID, msg.ID); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	b := s.db.NewBatch()
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			slog.Debug("failed to close pebble batch", "error", closeErr)
		}
	}()
	if err := b.Set(MessageKey(msg.FromID, msg.ToID, msg.ID), data, nil); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := b.Set(messageIndexKey(msg.FromID, msg.ToID, msg.Timestamp, msg.ID), nil, nil); err != nil {
		return fmt.Errorf("index message: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// LatestMessage returns the newest message of one direction.
func (s *PebbleStore) LatestMessage(ctx context.Context, fromID, toID string) (*domain.Message, error) {
	msgs, err := s.ListMessages(ctx, fromID, toID, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// ListMessages returns up to limit messages of one direction, newest first.
func (s *PebbleStore) ListMessages(_ context.Context, fromID, toID string, limit int) ([]*domain.Message, error) {
	if err := validateSegments(fromID, toID); err != nil {
		return nil, err
	}
	var ids []string
	err := s.scanPrefix(prefixOf(prefixMessageIndex, fromID, toID), true, clampLimit(limit), func(key, _ []byte) error {
		ids = append(ids, lastSegment(key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan message index: %w", err)
	}

	msgs := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		var msg domain.Message
		ok, err := s.getJSON(MessageKey(fromID, toID, id), &msg)
		if err != nil {
			return nil, err
		}
		if !ok {
			slog.Warn("message index points at missing document", "from_id", fromID, "to_id", toID, "message_id", id)
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// MarkMessageSeen flips seen to true. Already-seen or missing messages are untouched.
func (s *PebbleStore) MarkMessageSeen(_ context.Context, fromID, toID, messageID string) (bool, error) {
	if err := validateSegments(fromID, toID, messageID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := MessageKey(fromID, toID, messageID)
	var msg domain.Message
	ok, err := s.getJSON(key, &msg)
	if err != nil || !ok || msg.Seen {
		return false, err
	}
	msg.Seen = true
	if err := s.setJSON(key, &msg); err != nil {
		return false, err
	}
	return true, nil
}

// AppendSaved stores a saved copy and its time index entry in one batch.
func (s *PebbleStore) AppendSaved(_ context.Context, saved *domain.SavedMessage) error {
	if err := validateSegments(saved.OwnerID, saved.PeerID, saved.ID); err != nil {
		return err
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return fmt.Errorf("encode saved message: %w", err)
	}

	b := s.db.NewBatch()
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			slog.Debug("failed to close pebble batch", "error", closeErr)
		}
	}()
	if err := b.Set(SavedKey(saved.OwnerID, saved.PeerID, saved.ID), data, nil); err != nil {
		return fmt.Errorf("append saved message: %w", err)
	}
	if err := b.Set(savedIndexKey(saved.OwnerID, saved.PeerID, saved.SavedAt, saved.ID), nil, nil); err != nil {
		return fmt.Errorf("index saved message: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit saved message: %w", err)
	}
	return nil
}

// ListSaved returns up to limit saved messages, newest first.
func (s *PebbleStore) ListSaved(_ context.Context, ownerID, peerID string, limit int) ([]*domain.SavedMessage, error) {
	if err := validateSegments(ownerID, peerID); err != nil {
		return nil, err
	}
	var ids []string
	err := s.scanPrefix(prefixOf(prefixSavedIndex, ownerID, peerID), true, clampLimit(limit), func(key, _ []byte) error {
		ids = append(ids, lastSegment(key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan saved index: %w", err)
	}

	saved := make([]*domain.SavedMessage, 0, len(ids))
	for _, id := range ids {
		var sm domain.SavedMessage
		ok, err := s.getJSON(SavedKey(ownerID, peerID, id), &sm)
		if err != nil {
			return nil, err
		}
		if ok {
			saved = append(saved, &sm)
		}
	}
	return saved, nil
}

// GetTrigger reads one trigger flag.
func (s *PebbleStore) GetTrigger(_ context.Context, recipientID, peerID string) (*domain.TriggerFlag, error) {
	if err := validateSegments(recipientID, peerID); err != nil {
		return nil, err
	}
	var flag domain.TriggerFlag
	ok, err := s.getJSON(TriggerKey(recipientID, peerID), &flag)
	if err != nil || !ok {
		return nil, err
	}
	return &flag, nil
}

// PutTrigger overwrites a trigger flag.
func (s *PebbleStore) PutTrigger(_ context.Context, flag *domain.TriggerFlag) error {
	if err := validateSegments(flag.RecipientID, flag.PeerID); err != nil {
		return err
	}
	return s.setJSON(TriggerKey(flag.RecipientID, flag.PeerID), flag)
}

// GetFriend reads one friend entry.
func (s *PebbleStore) GetFriend(_ context.Context, ownerID, peerID string) (*domain.FriendEntry, error) {
	if err := validateSegments(ownerID, peerID); err != nil {
		return nil, err
	}
	var entry domain.FriendEntry
	ok, err := s.getJSON(FriendKey(ownerID, peerID), &entry)
	if err != nil || !ok {
		return nil, err
	}
	return &entry, nil
}

// ListFriends returns every entry owned by ownerID.
func (s *PebbleStore) ListFriends(_ context.Context, ownerID string) ([]*domain.FriendEntry, error) {
	if err := validateSegments(ownerID); err != nil {
		return nil, err
	}
	var entries []*domain.FriendEntry
	err := s.scanPrefix(prefixOf(prefixFriends, ownerID), false, 0, func(_, value []byte) error {
		var entry domain.FriendEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decode friend: %w", err)
		}
		entries = append(entries, &entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan friends: %w", err)
	}
	return entries, nil
}

// mergeFriend applies fn to the current entry (or a fresh one) and writes it back.
// It reports whether fn changed anything.
func (s *PebbleStore) mergeFriend(ownerID, peerID string, create bool, fn func(*domain.FriendEntry) bool) (bool, error) {
	if err := validateSegments(ownerID, peerID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := FriendKey(ownerID, peerID)
	entry := domain.FriendEntry{OwnerID: ownerID, PeerID: peerID}
	ok, err := s.getJSON(key, &entry)
	if err != nil {
		return false, err
	}
	if !ok && !create {
		return false, nil
	}
	if !fn(&entry) && ok {
		return false, nil
	}
	if err := s.setJSON(key, &entry); err != nil {
		return false, err
	}
	return true, nil
}

// TouchFriend merges a new latest message into an entry.
func (s *PebbleStore) TouchFriend(_ context.Context, ownerID, peerID string, latest time.Time, unseen bool) error {
	_, err := s.mergeFriend(ownerID, peerID, true, func(e *domain.FriendEntry) bool {
		if latest.After(e.LatestMessageAt) {
			e.LatestMessageAt = latest
		}
		e.HasUnseenLatestMessage = unseen
		return true
	})
	if err != nil {
		return fmt.Errorf("touch friend: %w", err)
	}
	return nil
}

// ClearFriendUnseen clears the unseen flag on an entry.
func (s *PebbleStore) ClearFriendUnseen(_ context.Context, ownerID, peerID string) (bool, error) {
	changed, err := s.mergeFriend(ownerID, peerID, false, func(e *domain.FriendEntry) bool {
		if !e.HasUnseenLatestMessage {
			return false
		}
		e.HasUnseenLatestMessage = false
		return true
	})
	if err != nil {
		return false, fmt.Errorf("clear friend unseen: %w", err)
	}
	return changed, nil
}

// SetFriendFlags merges pinned and muted flags into an entry.
func (s *PebbleStore) SetFriendFlags(_ context.Context, ownerID, peerID string, pinned, muted bool) error {
	_, err := s.mergeFriend(ownerID, peerID, true, func(e *domain.FriendEntry) bool {
		e.IsPinned = pinned
		e.IsMuted = muted
		return true
	})
	if err != nil {
		return fmt.Errorf("set friend flags: %w", err)
	}
	return nil
}
