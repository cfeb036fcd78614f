package presence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "presence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return NewStore(repo, WithClock(clock.Now)), clock
}

func next(t *testing.T, ch <-chan domain.PresenceRecord) domain.PresenceRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence update")
		return domain.PresenceRecord{}
	}
}

func TestStore_MissingRecordIsInactive(t *testing.T) {
	s, _ := newTestStore(t)
	active, err := s.IsActive(context.Background(), "bob", "alice")
	require.NoError(t, err)
	require.False(t, active)
}

func TestStore_SetActiveStampsLastActiveAt(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	require.NoError(t, s.SetActive(ctx, "bob", "alice", true))
	clock.Advance(time.Minute)
	require.NoError(t, s.SetActive(ctx, "bob", "alice", false))

	rec, err := s.Get(ctx, "bob", "alice")
	require.NoError(t, err)
	require.False(t, rec.IsActive)
	require.True(t, rec.LastActiveAt.Equal(clock.Now()))
}

func TestStore_SetActiveRejectsMissingIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.SetActive(context.Background(), "", "alice", true)
	require.ErrorIs(t, err, domain.ErrNoIdentity)
}

func TestStore_ObserveDeliversCurrentThenChanges(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.SetActive(ctx, "bob", "alice", true))

	sub, err := s.Observe(ctx, "bob", "alice")
	require.NoError(t, err)
	defer sub.Close()

	require.True(t, next(t, sub.C()).IsActive)

	require.NoError(t, s.SetActive(ctx, "bob", "alice", false))
	require.False(t, next(t, sub.C()).IsActive)

	// A different pair never reaches this subscription.
	require.NoError(t, s.SetActive(ctx, "alice", "bob", true))
	select {
	case rec := <-sub.C():
		t.Fatalf("unexpected update %+v", rec)
	default:
	}
}

func TestSweeper_FlipsStaleRecords(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	require.NoError(t, s.SetActive(ctx, "bob", "alice", true))
	clock.Advance(20 * time.Minute)
	require.NoError(t, s.SetActive(ctx, "carol", "alice", true))

	sweeper := NewSweeper(s, 10*time.Minute, "*/5 * * * *")
	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	active, err := s.IsActive(ctx, "bob", "alice")
	require.NoError(t, err)
	require.False(t, active)

	active, err = s.IsActive(ctx, "carol", "alice")
	require.NoError(t, err)
	require.True(t, active)
}

func TestSweeper_KeepsLastActiveAt(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	require.NoError(t, s.SetActive(ctx, "bob", "alice", true))
	leftAt := clock.Now()

	watcher, err := s.Observe(ctx, "bob", "alice")
	require.NoError(t, err)
	defer watcher.Close()
	require.True(t, next(t, watcher.C()).IsActive)

	clock.Advance(2 * time.Hour)
	swept, err := NewSweeper(s, 10*time.Minute, "*/5 * * * *").SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	rec, err := s.Get(ctx, "bob", "alice")
	require.NoError(t, err)
	require.False(t, rec.IsActive)
	require.True(t, rec.LastActiveAt.Equal(leftAt), "sweep moved LastActiveAt to %v", rec.LastActiveAt)
	require.Equal(t, "last seen 2 hours ago", Label(rec, clock.Now()))

	published := next(t, watcher.C())
	require.False(t, published.IsActive)
	require.True(t, published.LastActiveAt.Equal(leftAt))

	// A second sweep finds nothing left to clear.
	swept, err = NewSweeper(s, 10*time.Minute, "*/5 * * * *").SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)
}

func TestLabel(t *testing.T) {
	now := time.Unix(1700000000, 0)
	require.Equal(t, "active now", Label(domain.PresenceRecord{IsActive: true}, now))
	require.Equal(t, "offline", Label(domain.PresenceRecord{}, now))
	require.Equal(t, "last seen 3 minutes ago",
		Label(domain.PresenceRecord{LastActiveAt: now.Add(-3 * time.Minute)}, now))
}
