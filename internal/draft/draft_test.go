package draft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/pairchat/internal/domain"
)

type fakeAppender struct {
	mu       sync.Mutex
	messages []domain.Message
	err      error
}

func (f *fakeAppender) Append(_ context.Context, fromID, toID, text string, seen bool) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Message{}, f.err
	}
	msg := domain.Message{ID: text, FromID: fromID, ToID: toID, Text: text, Seen: seen, Timestamp: time.Now()}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeStamper struct {
	mu     sync.Mutex
	active bool
	calls  int
}

func (f *fakeStamper) RecipientActive(_ context.Context, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.active, nil
}

func (f *fakeStamper) set(active bool) {
	f.mu.Lock()
	f.active = active
	f.mu.Unlock()
}

type fakeToucher struct {
	touched []domain.Message
	err     error
}

func (f *fakeToucher) Touch(_ context.Context, msg domain.Message) error {
	f.touched = append(f.touched, msg)
	return f.err
}

func TestTick_UnchangedTextIsNoop(t *testing.T) {
	ctx := context.Background()
	app, stamp, touch := &fakeAppender{}, &fakeStamper{active: true}, &fakeToucher{}
	l := NewLoop("alice", "bob", app, stamp, touch, domain.DraftState{})

	l.SetText("hi")
	wrote, err := l.Tick(ctx)
	require.NoError(t, err)
	require.True(t, wrote)

	wrote, err = l.Tick(ctx)
	require.NoError(t, err)
	require.False(t, wrote)
	require.Equal(t, 1, app.count())
	require.Equal(t, 1, stamp.calls, "skipped tick must not read presence")
}

func TestTick_ScenarioFromLiveTyping(t *testing.T) {
	ctx := context.Background()
	app, stamp, touch := &fakeAppender{}, &fakeStamper{active: true}, &fakeToucher{}
	l := NewLoop("alice", "bob", app, stamp, touch, domain.DraftState{})

	l.SetText("hi")
	_, err := l.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, "hi", app.messages[0].Text)
	require.True(t, app.messages[0].Seen)

	stamp.set(false)
	l.SetText("hi there")
	_, err = l.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, app.count())
	require.False(t, app.messages[1].Seen, "seen is recomputed from current presence")

	for i := 0; i < 3; i++ {
		wrote, err := l.Tick(ctx)
		require.NoError(t, err)
		require.False(t, wrote)
	}
	require.Equal(t, 2, app.count())
	require.Len(t, touch.touched, 2)

	snap := l.Snapshot()
	require.Equal(t, "hi there", snap.LastCommittedText)
	require.False(t, snap.LastCommittedRecipientActive)
}

func TestTick_PresenceFlipAloneNeverWrites(t *testing.T) {
	ctx := context.Background()
	app, stamp := &fakeAppender{}, &fakeStamper{active: true}
	l := NewLoop("alice", "bob", app, stamp, &fakeToucher{}, domain.DraftState{})

	l.SetText("hi")
	_, err := l.Tick(ctx)
	require.NoError(t, err)

	stamp.set(false)
	wrote, err := l.Tick(ctx)
	require.NoError(t, err)
	require.False(t, wrote)
	require.Equal(t, 1, app.count())
}

func TestTick_FailedAppendRetriesNextTick(t *testing.T) {
	ctx := context.Background()
	app := &fakeAppender{err: errors.New("unavailable")}
	l := NewLoop("alice", "bob", app, &fakeStamper{}, &fakeToucher{}, domain.DraftState{})

	l.SetText("hi")
	wrote, err := l.Tick(ctx)
	require.Error(t, err)
	require.False(t, wrote)
	require.Equal(t, "", l.Snapshot().LastCommittedText)

	app.mu.Lock()
	app.err = nil
	app.mu.Unlock()

	wrote, err = l.Tick(ctx)
	require.NoError(t, err)
	require.True(t, wrote)
	require.Equal(t, "hi", l.Snapshot().LastCommittedText)
}

func TestTick_TouchFailureStillAdvancesSnapshot(t *testing.T) {
	ctx := context.Background()
	app := &fakeAppender{}
	l := NewLoop("alice", "bob", app, &fakeStamper{}, &fakeToucher{err: errors.New("busy")}, domain.DraftState{})

	l.SetText("hi")
	wrote, err := l.Tick(ctx)
	require.NoError(t, err)
	require.True(t, wrote)

	wrote, _ = l.Tick(ctx)
	require.False(t, wrote)
	require.Equal(t, 1, app.count())
}

func TestTick_SeededStateSkipsExistingText(t *testing.T) {
	app := &fakeAppender{}
	seed := domain.DraftState{CurrentText: "left over", LastCommittedText: "left over"}
	l := NewLoop("alice", "bob", app, &fakeStamper{}, &fakeToucher{}, seed)

	wrote, err := l.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, wrote)
	require.Zero(t, app.count())
}

func TestTick_RequiresIdentity(t *testing.T) {
	app := &fakeAppender{}
	l := NewLoop("", "bob", app, &fakeStamper{}, &fakeToucher{}, domain.DraftState{})
	l.SetText("hi")

	_, err := l.Tick(context.Background())
	require.ErrorIs(t, err, domain.ErrNoIdentity)
	require.Zero(t, app.count())
}

func TestRun_CommitsAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &fakeAppender{}
	committed := make(chan domain.Message, 1)
	l := NewLoop("alice", "bob", app, &fakeStamper{}, &fakeToucher{}, domain.DraftState{},
		WithCommitHook(func(m domain.Message) { committed <- m }))

	done := make(chan struct{})
	go func() {
		l.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	l.SetText("typed")
	select {
	case msg := <-committed:
		require.Equal(t, "typed", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("loop never committed the draft")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	require.Equal(t, 1, app.count())
}
