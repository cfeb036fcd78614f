package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/pairchat/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // SQLite has a single writer; serializing avoids SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		ts INTEGER NOT NULL,
		seen INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_direction ON messages(from_id, to_id, ts);

	CREATE TABLE IF NOT EXISTS active_status (
		owner_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		last_active_at INTEGER NOT NULL,
		PRIMARY KEY (owner_id, subject_id)
	);
	CREATE INDEX IF NOT EXISTS idx_active_status_stale ON active_status(last_active_at) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS saving_messages (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		source_ts INTEGER NOT NULL,
		saved_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_saving_messages_pair ON saving_messages(owner_id, peer_id, saved_at);

	CREATE TABLE IF NOT EXISTS saving_trigger (
		recipient_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		pending INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (recipient_id, peer_id)
	);

	CREATE TABLE IF NOT EXISTS friends (
		owner_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		is_muted INTEGER NOT NULL DEFAULT 0,
		latest_message_at INTEGER,
		has_unseen_latest INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (owner_id, peer_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = fromNanos(lastSeen)
	user.CreatedAt = fromNanos(createdAt)
	user.UpdatedAt = fromNanos(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		toNanos(user.LastSeenAt), toNanos(user.CreatedAt), toNanos(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetPresence reads one presence record.
func (s *SQLiteStore) GetPresence(ctx context.Context, ownerID, subjectID string) (*domain.PresenceRecord, error) {
	query := `
		SELECT owner_id, subject_id, is_active, last_active_at
		FROM active_status WHERE owner_id = ? AND subject_id = ?`

	var rec domain.PresenceRecord
	var lastActive int64
	err := s.db.QueryRowContext(ctx, query, ownerID, subjectID).Scan(
		&rec.OwnerID, &rec.SubjectID, &rec.IsActive, &lastActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan presence row: %w", err)
	}
	rec.LastActiveAt = fromNanos(lastActive)
	return &rec, nil
}

// PutPresence overwrites a presence record.
func (s *SQLiteStore) PutPresence(ctx context.Context, rec *domain.PresenceRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO active_status (owner_id, subject_id, is_active, last_active_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(owner_id, subject_id) DO UPDATE SET
		is_active = excluded.is_active,
		last_active_at = excluded.last_active_at`

	_, err := s.db.ExecContext(ctx, query, rec.OwnerID, rec.SubjectID, rec.IsActive, toNanos(rec.LastActiveAt))
	if err != nil {
		return fmt.Errorf("put presence: %w", err)
	}
	return nil
}

// ListStalePresence returns active records not refreshed since cutoff.
func (s *SQLiteStore) ListStalePresence(ctx context.Context, cutoff time.Time) ([]*domain.PresenceRecord, error) {
	query := `
		SELECT owner_id, subject_id, is_active, last_active_at
		FROM active_status WHERE is_active = 1 AND last_active_at < ?`

	rows, err := s.db.QueryContext(ctx, query, toNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query stale presence: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale presence rows", "error", closeErr)
		}
	}()

	var records []*domain.PresenceRecord
	for rows.Next() {
		var rec domain.PresenceRecord
		var lastActive int64
		if err := rows.Scan(&rec.OwnerID, &rec.SubjectID, &rec.IsActive, &lastActive); err != nil {
			return nil, fmt.Errorf("scan stale presence row: %w", err)
		}
		rec.LastActiveAt = fromNanos(lastActive)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale presence: %w", err)
	}
	return records, nil
}

// AppendMessage stores a new message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO messages (id, from_id, to_id, sender, text, ts, seen)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.FromID, msg.ToID, msg.Sender, msg.Text, toNanos(msg.Timestamp), msg.Seen,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// LatestMessage returns the newest message of one direction.
func (s *SQLiteStore) LatestMessage(ctx context.Context, fromID, toID string) (*domain.Message, error) {
	msgs, err := s.ListMessages(ctx, fromID, toID, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// ListMessages returns up to limit messages of one direction, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, fromID, toID string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT id, from_id, to_id, sender, text, ts, seen
		FROM messages WHERE from_id = ? AND to_id = ?
		ORDER BY ts DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, fromID, toID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.FromID, &msg.ToID, &msg.Sender, &msg.Text, &ts, &msg.Seen); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Timestamp = fromNanos(ts)
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// MarkMessageSeen flips seen to true. Already-seen or missing messages are untouched.
func (s *SQLiteStore) MarkMessageSeen(ctx context.Context, fromID, toID, messageID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `UPDATE messages SET seen = 1 WHERE id = ? AND from_id = ? AND to_id = ? AND seen = 0`
	result, err := s.db.ExecContext(ctx, query, messageID, fromID, toID)
	if err != nil {
		return false, fmt.Errorf("mark message seen: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// AppendSaved stores a saved message copy.
func (s *SQLiteStore) AppendSaved(ctx context.Context, saved *domain.SavedMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO saving_messages (id, owner_id, peer_id, sender, text, source_ts, saved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		saved.ID, saved.OwnerID, saved.PeerID, saved.Sender, saved.Text,
		toNanos(saved.Timestamp), toNanos(saved.SavedAt),
	)
	if err != nil {
		return fmt.Errorf("append saved message: %w", err)
	}
	return nil
}

// ListSaved returns up to limit saved messages, newest first.
func (s *SQLiteStore) ListSaved(ctx context.Context, ownerID, peerID string, limit int) ([]*domain.SavedMessage, error) {
	query := `
		SELECT id, owner_id, peer_id, sender, text, source_ts, saved_at
		FROM saving_messages WHERE owner_id = ? AND peer_id = ?
		ORDER BY saved_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, ownerID, peerID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query saved messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close saved message rows", "error", closeErr)
		}
	}()

	var saved []*domain.SavedMessage
	for rows.Next() {
		var sm domain.SavedMessage
		var sourceTS, savedAt int64
		if err := rows.Scan(&sm.ID, &sm.OwnerID, &sm.PeerID, &sm.Sender, &sm.Text, &sourceTS, &savedAt); err != nil {
			return nil, fmt.Errorf("scan saved message row: %w", err)
		}
		sm.Timestamp = fromNanos(sourceTS)
		sm.SavedAt = fromNanos(savedAt)
		saved = append(saved, &sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saved messages: %w", err)
	}
	return saved, nil
}

// GetTrigger reads one trigger flag.
func (s *SQLiteStore) GetTrigger(ctx context.Context, recipientID, peerID string) (*domain.TriggerFlag, error) {
	query := `
		SELECT recipient_id, peer_id, pending, updated_at
		FROM saving_trigger WHERE recipient_id = ? AND peer_id = ?`

	var flag domain.TriggerFlag
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, recipientID, peerID).Scan(
		&flag.RecipientID, &flag.PeerID, &flag.Pending, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan trigger row: %w", err)
	}
	flag.UpdatedAt = fromNanos(updatedAt)
	return &flag, nil
}

// PutTrigger overwrites a trigger flag.
func (s *SQLiteStore) PutTrigger(ctx context.Context, flag *domain.TriggerFlag) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO saving_trigger (recipient_id, peer_id, pending, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(recipient_id, peer_id) DO UPDATE SET
		pending = excluded.pending,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, flag.RecipientID, flag.PeerID, flag.Pending, toNanos(flag.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put trigger: %w", err)
	}
	return nil
}

const friendColumns = `owner_id, peer_id, is_pinned, is_muted, latest_message_at, has_unseen_latest`

func scanFriend(scan func(dest ...any) error) (*domain.FriendEntry, error) {
	var entry domain.FriendEntry
	var latest sql.NullInt64
	if err := scan(
		&entry.OwnerID, &entry.PeerID, &entry.IsPinned, &entry.IsMuted,
		&latest, &entry.HasUnseenLatestMessage,
	); err != nil {
		return nil, err
	}
	if latest.Valid {
		entry.LatestMessageAt = fromNanos(latest.Int64)
	}
	return &entry, nil
}

// GetFriend reads one friend entry.
func (s *SQLiteStore) GetFriend(ctx context.Context, ownerID, peerID string) (*domain.FriendEntry, error) {
	query := `SELECT ` + friendColumns + ` FROM friends WHERE owner_id = ? AND peer_id = ?`

	entry, err := scanFriend(s.db.QueryRowContext(ctx, query, ownerID, peerID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan friend row: %w", err)
	}
	return entry, nil
}

// ListFriends returns every entry owned by ownerID.
func (s *SQLiteStore) ListFriends(ctx context.Context, ownerID string) ([]*domain.FriendEntry, error) {
	query := `SELECT ` + friendColumns + ` FROM friends WHERE owner_id = ? ORDER BY peer_id`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close friend rows", "error", closeErr)
		}
	}()

	var entries []*domain.FriendEntry
	for rows.Next() {
		entry, err := scanFriend(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan friend row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friends: %w", err)
	}
	return entries, nil
}

// TouchFriend merges a new latest message into an entry.
func (s *SQLiteStore) TouchFriend(ctx context.Context, ownerID, peerID string, latest time.Time, unseen bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO friends (owner_id, peer_id, latest_message_at, has_unseen_latest)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(owner_id, peer_id) DO UPDATE SET
		latest_message_at = MAX(COALESCE(friends.latest_message_at, 0), excluded.latest_message_at),
		has_unseen_latest = excluded.has_unseen_latest`

	_, err := s.db.ExecContext(ctx, query, ownerID, peerID, toNanos(latest), unseen)
	if err != nil {
		return fmt.Errorf("touch friend: %w", err)
	}
	return nil
}

// ClearFriendUnseen clears the unseen flag on an entry.
func (s *SQLiteStore) ClearFriendUnseen(ctx context.Context, ownerID, peerID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `UPDATE friends SET has_unseen_latest = 0 WHERE owner_id = ? AND peer_id = ? AND has_unseen_latest = 1`
	result, err := s.db.ExecContext(ctx, query, ownerID, peerID)
	if err != nil {
		return false, fmt.Errorf("clear friend unseen: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// SetFriendFlags merges pinned and muted flags into an entry.
func (s *SQLiteStore) SetFriendFlags(ctx context.Context, ownerID, peerID string, pinned, muted bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO friends (owner_id, peer_id, is_pinned, is_muted)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(owner_id, peer_id) DO UPDATE SET
		is_pinned = excluded.is_pinned,
		is_muted = excluded.is_muted`

	_, err := s.db.ExecContext(ctx, query, ownerID, peerID, pinned, muted)
	if err != nil {
		return fmt.Errorf("set friend flags: %w", err)
	}
	return nil
}
