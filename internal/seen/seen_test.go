package seen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/pairchat/internal/domain"
)

type fakePresence struct {
	active map[string]bool
	err    error
}

func (f *fakePresence) IsActive(_ context.Context, ownerID, subjectID string) (bool, error) {
	return f.active[ownerID+"/"+subjectID], f.err
}

type fakeChannel struct {
	latest    map[string]*domain.Message
	markCalls int
}

func (f *fakeChannel) Latest(_ context.Context, fromID, toID string) (*domain.Message, error) {
	return f.latest[fromID+"/"+toID], nil
}

func (f *fakeChannel) MarkSeen(_ context.Context, msg domain.Message) (bool, error) {
	f.markCalls++
	m := f.latest[msg.FromID+"/"+msg.ToID]
	if m == nil || m.Seen {
		return false, nil
	}
	m.Seen = true
	return true, nil
}

type fakeFriends struct {
	cleared []string
}

func (f *fakeFriends) ClearUnseen(_ context.Context, ownerID, peerID string) (bool, error) {
	f.cleared = append(f.cleared, ownerID+"/"+peerID)
	return true, nil
}

func TestRecipientActive_ReadsRecipientTowardSender(t *testing.T) {
	p := &fakePresence{active: map[string]bool{"bob/alice": true}}
	tr := NewTracker(p, &fakeChannel{}, nil)

	active, err := tr.RecipientActive(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.True(t, active)

	active, err = tr.RecipientActive(context.Background(), "bob", "alice")
	require.NoError(t, err)
	require.False(t, active)
}

func TestRecipientActive_PropagatesErrors(t *testing.T) {
	tr := NewTracker(&fakePresence{err: errors.New("offline")}, &fakeChannel{}, nil)
	_, err := tr.RecipientActive(context.Background(), "alice", "bob")
	require.Error(t, err)
}

func TestMarkLatestAsSeen(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{latest: map[string]*domain.Message{
		"bob/alice": {ID: "m1", FromID: "bob", ToID: "alice", Text: "hi"},
	}}
	fr := &fakeFriends{}
	tr := NewTracker(&fakePresence{}, ch, fr)

	changed, err := tr.MarkLatestAsSeen(ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, ch.latest["bob/alice"].Seen)
	require.Equal(t, []string{"alice/bob"}, fr.cleared)

	// Already seen: no channel write, flag stays true.
	changed, err = tr.MarkLatestAsSeen(ctx, "alice", "bob")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, ch.markCalls)
	require.True(t, ch.latest["bob/alice"].Seen)
}

func TestMarkLatestAsSeen_NoMessageIsNoop(t *testing.T) {
	fr := &fakeFriends{}
	tr := NewTracker(&fakePresence{}, &fakeChannel{}, fr)

	changed, err := tr.MarkLatestAsSeen(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.False(t, changed)
	require.Empty(t, fr.cleared)
}

func TestMarkLatestAsSeen_RequiresIdentity(t *testing.T) {
	ch := &fakeChannel{}
	tr := NewTracker(&fakePresence{}, ch, nil)
	_, err := tr.MarkLatestAsSeen(context.Background(), "", "bob")
	require.ErrorIs(t, err, domain.ErrNoIdentity)
	require.Zero(t, ch.markCalls)
}
