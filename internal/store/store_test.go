package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/pairchat/internal/domain"
)

func backends(t *testing.T) map[string]Repository {
	t.Helper()

	sqliteStore, err := NewSQLite(filepath.Join(t.TempDir(), "pairchat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	pebbleStore, err := NewPebble(filepath.Join(t.TempDir(), "pebble"))
	if err != nil {
		t.Fatalf("NewPebble: %v", err)
	}
	t.Cleanup(func() {
		_ = sqliteStore.Close()
		_ = pebbleStore.Close()
	})

	return map[string]Repository{
		DriverSQLite: sqliteStore,
		DriverPebble: pebbleStore,
	}
}

func TestRepository_MissingDocumentsAreNil(t *testing.T) {
	ctx := context.Background()
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if u, err := repo.GetUser(ctx, "nobody"); err != nil || u != nil {
				t.Errorf("GetUser: expected nil, nil; got %v, %v", u, err)
			}
			if p, err := repo.GetPresence(ctx, "a", "b"); err != nil || p != nil {
				t.Errorf("GetPresence: expected nil, nil; got %v, %v", p, err)
			}
			if m, err := repo.LatestMessage(ctx, "a", "b"); err != nil || m != nil {
				t.Errorf("LatestMessage: expected nil, nil; got %v, %v", m, err)
			}
			if f, err := repo.GetTrigger(ctx, "a", "b"); err != nil || f != nil {
				t.Errorf("GetTrigger: expected nil, nil; got %v, %v", f, err)
			}
			if e, err := repo.GetFriend(ctx, "a", "b"); err != nil || e != nil {
				t.Errorf("GetFriend: expected nil, nil; got %v, %v", e, err)
			}
			if err := repo.Ping(ctx); err != nil {
				t.Errorf("Ping: %v", err)
			}
		})
	}
}

func TestRepository_UserRoundTrip(t *testing.T) {
	ctx := context.Background()
	created := time.Unix(1700000000, 0)
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			u := &domain.User{UserID: "anon_1", Username: "anon-1", LastSeenAt: created, CreatedAt: created, UpdatedAt: created}
			if err := repo.UpsertUser(ctx, u); err != nil {
				t.Fatalf("UpsertUser: %v", err)
			}

			later := created.Add(time.Hour)
			u2 := &domain.User{UserID: "anon_1", Username: "renamed", LastSeenAt: later, CreatedAt: later, UpdatedAt: later}
			if err := repo.UpsertUser(ctx, u2); err != nil {
				t.Fatalf("UpsertUser: %v", err)
			}

			got, err := repo.GetUser(ctx, "anon_1")
			if err != nil || got == nil {
				t.Fatalf("GetUser: %v, %v", got, err)
			}
			if got.Username != "renamed" {
				t.Errorf("expected username renamed, got %q", got.Username)
			}
			if !got.CreatedAt.Equal(created) {
				t.Errorf("expected CreatedAt to be kept, got %v", got.CreatedAt)
			}
		})
	}
}

func TestRepository_MessagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"m1", "m2", "m3"} {
				msg := &domain.Message{
					ID: id, FromID: "alice", ToID: "bob", Sender: "alice",
					Text: id, Timestamp: base.Add(time.Duration(i) * time.Second),
				}
				if err := repo.AppendMessage(ctx, msg); err != nil {
					t.Fatalf("AppendMessage(%s): %v", id, err)
				}
			}
			// Other direction must not leak into alice -> bob.
			if err := repo.AppendMessage(ctx, &domain.Message{
				ID: "r1", FromID: "bob", ToID: "alice", Sender: "bob", Text: "reply", Timestamp: base.Add(time.Minute),
			}); err != nil {
				t.Fatalf("AppendMessage(r1): %v", err)
			}

			latest, err := repo.LatestMessage(ctx, "alice", "bob")
			if err != nil || latest == nil {
				t.Fatalf("LatestMessage: %v, %v", latest, err)
			}
			if latest.ID != "m3" {
				t.Errorf("expected latest m3, got %s", latest.ID)
			}

			msgs, err := repo.ListMessages(ctx, "alice", "bob", 2)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if len(msgs) != 2 || msgs[0].ID != "m3" || msgs[1].ID != "m2" {
				t.Errorf("expected [m3 m2], got %v", messageIDs(msgs))
			}
		})
	}
}

func TestRepository_MarkMessageSeen(t *testing.T) {
	ctx := context.Background()
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			msg := &domain.Message{ID: "m1", FromID: "alice", ToID: "bob", Sender: "alice", Text: "hi", Timestamp: time.Unix(1700000000, 0)}
			if err := repo.AppendMessage(ctx, msg); err != nil {
				t.Fatalf("AppendMessage: %v", err)
			}

			changed, err := repo.MarkMessageSeen(ctx, "alice", "bob", "m1")
			if err != nil || !changed {
				t.Fatalf("first MarkMessageSeen: changed=%v err=%v", changed, err)
			}
			changed, err = repo.MarkMessageSeen(ctx, "alice", "bob", "m1")
			if err != nil || changed {
				t.Fatalf("second MarkMessageSeen: changed=%v err=%v", changed, err)
			}
			changed, err = repo.MarkMessageSeen(ctx, "alice", "bob", "missing")
			if err != nil || changed {
				t.Fatalf("missing MarkMessageSeen: changed=%v err=%v", changed, err)
			}

			got, _ := repo.LatestMessage(ctx, "alice", "bob")
			if got == nil || !got.Seen {
				t.Errorf("expected message to be seen, got %+v", got)
			}
		})
	}
}

func TestRepository_SavedNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"s1", "s2"} {
				sm := &domain.SavedMessage{
					ID: id, OwnerID: "alice", PeerID: "bob", Sender: "bob", Text: id,
					Timestamp: base, SavedAt: base.Add(time.Duration(i) * time.Second),
				}
				if err := repo.AppendSaved(ctx, sm); err != nil {
					t.Fatalf("AppendSaved(%s): %v", id, err)
				}
			}

			saved, err := repo.ListSaved(ctx, "alice", "bob", 10)
			if err != nil {
				t.Fatalf("ListSaved: %v", err)
			}
			if len(saved) != 2 || saved[0].ID != "s2" {
				t.Fatalf("expected s2 first, got %d entries", len(saved))
			}
			if !saved[1].Timestamp.Equal(base) {
				t.Errorf("expected source timestamp preserved, got %v", saved[1].Timestamp)
			}

			other, err := repo.ListSaved(ctx, "bob", "alice", 10)
			if err != nil || len(other) != 0 {
				t.Errorf("expected no saved messages for bob, got %d (%v)", len(other), err)
			}
		})
	}
}

func TestRepository_StalePresence(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			records := []*domain.PresenceRecord{
				{OwnerID: "alice", SubjectID: "bob", IsActive: true, LastActiveAt: now.Add(-time.Hour)},
				{OwnerID: "bob", SubjectID: "alice", IsActive: true, LastActiveAt: now},
				{OwnerID: "carol", SubjectID: "bob", IsActive: false, LastActiveAt: now.Add(-time.Hour)},
			}
			for _, rec := range records {
				if err := repo.PutPresence(ctx, rec); err != nil {
					t.Fatalf("PutPresence: %v", err)
				}
			}

			stale, err := repo.ListStalePresence(ctx, now.Add(-time.Minute))
			if err != nil {
				t.Fatalf("ListStalePresence: %v", err)
			}
			if len(stale) != 1 || stale[0].OwnerID != "alice" {
				t.Fatalf("expected only alice/bob to be stale, got %d records", len(stale))
			}
		})
	}
}

func TestRepository_FriendMerges(t *testing.T) {
	ctx := context.Background()
	t1 := time.Unix(1700000000, 0)
	t2 := t1.Add(time.Minute)
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := repo.SetFriendFlags(ctx, "alice", "bob", true, false); err != nil {
				t.Fatalf("SetFriendFlags: %v", err)
			}
			got, err := repo.GetFriend(ctx, "alice", "bob")
			if err != nil || got == nil {
				t.Fatalf("GetFriend: %v, %v", got, err)
			}
			if got.HasMessages() {
				t.Errorf("expected no latest message timestamp, got %v", got.LatestMessageAt)
			}

			if err := repo.TouchFriend(ctx, "alice", "bob", t2, true); err != nil {
				t.Fatalf("TouchFriend: %v", err)
			}
			// An older timestamp never moves latest backwards.
			if err := repo.TouchFriend(ctx, "alice", "bob", t1, true); err != nil {
				t.Fatalf("TouchFriend: %v", err)
			}

			got, _ = repo.GetFriend(ctx, "alice", "bob")
			if !got.IsPinned {
				t.Error("expected pinned flag to survive touch")
			}
			if !got.LatestMessageAt.Equal(t2) {
				t.Errorf("expected latest %v, got %v", t2, got.LatestMessageAt)
			}
			if !got.HasUnseenLatestMessage {
				t.Error("expected unseen flag")
			}

			changed, err := repo.ClearFriendUnseen(ctx, "alice", "bob")
			if err != nil || !changed {
				t.Fatalf("ClearFriendUnseen: changed=%v err=%v", changed, err)
			}
			changed, _ = repo.ClearFriendUnseen(ctx, "alice", "bob")
			if changed {
				t.Error("expected second clear to be a no-op")
			}
			changed, _ = repo.ClearFriendUnseen(ctx, "alice", "nobody")
			if changed {
				t.Error("expected clear on missing entry to be a no-op")
			}

			list, err := repo.ListFriends(ctx, "alice")
			if err != nil || len(list) != 1 {
				t.Fatalf("ListFriends: %d entries, %v", len(list), err)
			}
		})
	}
}

func TestPebble_RejectsSlashInKey(t *testing.T) {
	repo, err := NewPebble(filepath.Join(t.TempDir(), "pebble"))
	if err != nil {
		t.Fatalf("NewPebble: %v", err)
	}
	defer repo.Close()

	err = repo.PutPresence(context.Background(), &domain.PresenceRecord{OwnerID: "a/b", SubjectID: "c"})
	if err == nil {
		t.Error("expected error for slash in owner id")
	}
}

func TestUpperBound(t *testing.T) {
	if got := string(upperBound([]byte("friends/alice/"))); got != "friends/alice0" {
		t.Errorf("expected friends/alice0, got %q", got)
	}
	if got := upperBound([]byte{0xff, 0xff}); got != nil {
		t.Errorf("expected nil bound for all-0xff prefix, got %v", got)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("mongo", t.TempDir()); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func messageIDs(msgs []*domain.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
