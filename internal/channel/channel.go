// Package channel implements the directional conversation log: an
// append-only stream of messages from one participant to another.
//
// The two directions of a conversation are independent channels. Within one
// direction timestamps are strictly increasing; nothing orders messages
// across directions.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/metrics"
	"github.com/ashureev/pairchat/internal/watch"
)

// Repository is the slice of the store the channel needs.
type Repository interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	AppendMessage(ctx context.Context, msg *domain.Message) error
	LatestMessage(ctx context.Context, fromID, toID string) (*domain.Message, error)
	ListMessages(ctx context.Context, fromID, toID string, limit int) ([]*domain.Message, error)
	MarkMessageSeen(ctx context.Context, fromID, toID, messageID string) (bool, error)
}

// Channel appends to and observes messages/{fromID}/{toID}.
type Channel struct {
	repo Repository
	hub  *watch.Hub[domain.Message]
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		c.now = now
	}
}

// New creates a channel over repo.
func New(repo Repository, opts ...Option) *Channel {
	c := &Channel{
		repo:  repo,
		hub:   watch.NewHub[domain.Message](watch.WithSubscriberGauge(metrics.SubscriberGauge("messages"))),
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(fromID, toID string) string {
	return fromID + "/" + toID
}

// directionLock serializes appends within one direction so timestamps stay
// strictly increasing for writers in this process.
func (c *Channel) directionLock(fromID, toID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(fromID, toID)
	l, ok := c.locks[k]
	if !ok {
		l = &sync.Mutex{}
		c.locks[k] = l
	}
	return l
}

// senderLabel returns the display label of userID, falling back to the ID.
func (c *Channel) senderLabel(ctx context.Context, userID string) string {
	user, err := c.repo.GetUser(ctx, userID)
	if err != nil {
		slog.Warn("failed to look up sender label", "user_id", userID, "error", err)
		return userID
	}
	if user == nil {
		return userID
	}
	return user.DisplayName()
}

// Append creates a new message in the fromID -> toID direction with
// timestamp now (bumped past the current latest if the clock did not advance).
func (c *Channel) Append(ctx context.Context, fromID, toID, text string, seen bool) (domain.Message, error) {
	if err := domain.ValidatePair(fromID, toID); err != nil {
		return domain.Message{}, err
	}

	l := c.directionLock(fromID, toID)
	l.Lock()
	defer l.Unlock()

	ts := c.now()
	latest, err := c.repo.LatestMessage(ctx, fromID, toID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("read latest message: %w", err)
	}
	if latest != nil && !ts.After(latest.Timestamp) {
		ts = latest.Timestamp.Add(time.Nanosecond)
	}

	msg := domain.Message{
		ID:        uuid.New().String(),
		FromID:    fromID,
		ToID:      toID,
		Text:      text,
		Timestamp: ts,
		Seen:      seen,
		Sender:    c.senderLabel(ctx, fromID),
	}
	if err := c.repo.AppendMessage(ctx, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}

	c.hub.Publish(key(fromID, toID), msg)
	return msg, nil
}

// Latest returns the newest message in the fromID -> toID direction, or nil.
func (c *Channel) Latest(ctx context.Context, fromID, toID string) (*domain.Message, error) {
	msg, err := c.repo.LatestMessage(ctx, fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("read latest message: %w", err)
	}
	return msg, nil
}

// SubscribeLatest subscribes to the newest message of one direction. The
// current latest message (if any) is delivered first; only the newest message
// is ever observed, never the full history.
func (c *Channel) SubscribeLatest(ctx context.Context, fromID, toID string) (*watch.Subscription[domain.Message], error) {
	if err := domain.ValidatePair(fromID, toID); err != nil {
		return nil, err
	}
	sub := c.hub.Subscribe(key(fromID, toID))
	latest, err := c.Latest(ctx, fromID, toID)
	if err != nil {
		slog.Warn("failed to read initial latest message", "from_id", fromID, "to_id", toID, "error", err)
	}
	if latest != nil {
		sub.OfferInitial(*latest)
	}
	return sub, nil
}

// History returns up to limit messages of one direction, newest first.
func (c *Channel) History(ctx context.Context, fromID, toID string, limit int) ([]*domain.Message, error) {
	if err := domain.ValidatePair(fromID, toID); err != nil {
		return nil, err
	}
	msgs, err := c.repo.ListMessages(ctx, fromID, toID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// MarkSeen sets seen=true on one message and republishes it when it is still
// the latest of its direction. It reports whether the flag changed.
func (c *Channel) MarkSeen(ctx context.Context, msg domain.Message) (bool, error) {
	changed, err := c.repo.MarkMessageSeen(ctx, msg.FromID, msg.ToID, msg.ID)
	if err != nil {
		return false, fmt.Errorf("mark message seen: %w", err)
	}
	if !changed {
		return false, nil
	}

	latest, err := c.repo.LatestMessage(ctx, msg.FromID, msg.ToID)
	if err != nil {
		slog.Warn("failed to reread latest message after seen", "message_id", msg.ID, "error", err)
		return true, nil
	}
	if latest != nil && latest.ID == msg.ID {
		c.hub.Publish(key(msg.FromID, msg.ToID), *latest)
	}
	return true, nil
}
