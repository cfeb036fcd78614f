package channel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/store"
)

var fixedNow = time.Unix(1700000000, 0)

func newTestChannel(t *testing.T) (*Channel, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "channel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return New(repo, WithClock(func() time.Time { return fixedNow })), repo
}

func next(t *testing.T, ch <-chan domain.Message) domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return domain.Message{}
	}
}

func TestAppend_TimestampsStrictlyIncreasePerDirection(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t)

	first, err := c.Append(ctx, "alice", "bob", "one", false)
	require.NoError(t, err)
	second, err := c.Append(ctx, "alice", "bob", "two", false)
	require.NoError(t, err)

	require.True(t, second.Timestamp.After(first.Timestamp), "frozen clock must still yield increasing timestamps")
	require.NotEqual(t, first.ID, second.ID)

	latest, err := c.Latest(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, "two", latest.Text)

	reverse, err := c.Latest(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Nil(t, reverse)
}

func TestAppend_SenderLabelFromUser(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestChannel(t)
	require.NoError(t, repo.UpsertUser(ctx, &domain.User{UserID: "alice", Username: "Alice"}))

	msg, err := c.Append(ctx, "alice", "bob", "hi", true)
	require.NoError(t, err)
	require.Equal(t, "Alice", msg.Sender)
	require.True(t, msg.Seen)

	msg, err = c.Append(ctx, "bob", "alice", "hey", false)
	require.NoError(t, err)
	require.Equal(t, "bob", msg.Sender)
}

func TestAppend_RejectsInvalidPair(t *testing.T) {
	c, _ := newTestChannel(t)
	_, err := c.Append(context.Background(), "", "bob", "hi", false)
	require.ErrorIs(t, err, domain.ErrNoIdentity)
	_, err = c.Append(context.Background(), "alice", "alice", "hi", false)
	require.ErrorIs(t, err, domain.ErrInvalidID)
}

func TestSubscribeLatest(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t)
	_, err := c.Append(ctx, "alice", "bob", "before", false)
	require.NoError(t, err)

	sub, err := c.SubscribeLatest(ctx, "alice", "bob")
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, "before", next(t, sub.C()).Text)

	_, err = c.Append(ctx, "alice", "bob", "after", false)
	require.NoError(t, err)
	require.Equal(t, "after", next(t, sub.C()).Text)
}

func TestSubscribeLatest_EmptyChannelDeliversNothingInitially(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t)

	sub, err := c.SubscribeLatest(ctx, "alice", "bob")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected initial message %+v", msg)
	default:
	}
}

func TestMarkSeen_RepublishesLatest(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t)
	msg, err := c.Append(ctx, "alice", "bob", "hi", false)
	require.NoError(t, err)

	sub, err := c.SubscribeLatest(ctx, "alice", "bob")
	require.NoError(t, err)
	defer sub.Close()
	require.False(t, next(t, sub.C()).Seen)

	changed, err := c.MarkSeen(ctx, msg)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, next(t, sub.C()).Seen)

	changed, err = c.MarkSeen(ctx, msg)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestHistory_NewestFirst(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChannel(t)
	for _, text := range []string{"a", "b", "c"} {
		_, err := c.Append(ctx, "alice", "bob", text, false)
		require.NoError(t, err)
	}

	msgs, err := c.History(ctx, "alice", "bob", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "c", msgs[0].Text)
	require.Equal(t, "b", msgs[1].Text)
}
