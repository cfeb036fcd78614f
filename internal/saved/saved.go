// Package saved mirrors explicitly saved messages into a per-pair side log
// and raises a trigger flag on the counterpart's side.
//
// The trigger is notify-then-self-clear: the writer only ever sets it, and the
// observing client clears it a fixed delay after rendering it. A flag that is
// never rendered is never cleared; a later save sets it again regardless.
package saved

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/metrics"
	"github.com/ashureev/pairchat/internal/watch"
)

// Repository is the slice of the store the mirror needs.
type Repository interface {
	AppendSaved(ctx context.Context, saved *domain.SavedMessage) error
	ListSaved(ctx context.Context, ownerID, peerID string, limit int) ([]*domain.SavedMessage, error)
	GetTrigger(ctx context.Context, recipientID, peerID string) (*domain.TriggerFlag, error)
	PutTrigger(ctx context.Context, flag *domain.TriggerFlag) error
}

const clearTimeout = 5 * time.Second

// Mirror writes saving_messages/{ownerID}/{peerID}/* and saving_trigger/{recipientID}/{peerID}.
type Mirror struct {
	repo       Repository
	hub        *watch.Hub[domain.TriggerFlag]
	now        func() time.Time
	clearDelay time.Duration
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) {
		m.now = now
	}
}

// WithClearDelay sets how long a rendered trigger stays pending.
func WithClearDelay(d time.Duration) Option {
	return func(m *Mirror) {
		m.clearDelay = d
	}
}

// NewMirror creates a mirror over repo.
func NewMirror(repo Repository, opts ...Option) *Mirror {
	m := &Mirror{
		repo:       repo,
		hub:        watch.NewHub[domain.TriggerFlag](watch.WithSubscriberGauge(metrics.SubscriberGauge("saving_trigger"))),
		now:        time.Now,
		clearDelay: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func key(recipientID, peerID string) string {
	return recipientID + "/" + peerID
}

// SaveMessage appends a copy of a message to ownerID's mirror for peerID and
// sets the trigger on peerID's side.
func (m *Mirror) SaveMessage(ctx context.Context, ownerID, peerID, sender, text string, sourceTimestamp time.Time) (domain.SavedMessage, error) {
	if err := domain.ValidatePair(ownerID, peerID); err != nil {
		return domain.SavedMessage{}, err
	}

	now := m.now()
	saved := domain.SavedMessage{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		PeerID:    peerID,
		Sender:    sender,
		Text:      text,
		Timestamp: sourceTimestamp,
		SavedAt:   now,
	}
	if err := m.repo.AppendSaved(ctx, &saved); err != nil {
		return domain.SavedMessage{}, fmt.Errorf("append saved message: %w", err)
	}

	flag := domain.TriggerFlag{RecipientID: peerID, PeerID: ownerID, Pending: true, UpdatedAt: now}
	if err := m.repo.PutTrigger(ctx, &flag); err != nil {
		// The copy is stored; only the notification is lost.
		return saved, fmt.Errorf("set saving trigger: %w", err)
	}
	metrics.TriggerEvents.WithLabelValues("set").Inc()
	m.hub.Publish(key(peerID, ownerID), flag)
	return saved, nil
}

// SaveFromMessage saves msg into ownerID's mirror for the other participant.
func (m *Mirror) SaveFromMessage(ctx context.Context, ownerID string, msg domain.Message) (domain.SavedMessage, error) {
	peerID := msg.ToID
	if msg.ToID == ownerID {
		peerID = msg.FromID
	}
	return m.SaveMessage(ctx, ownerID, peerID, msg.Sender, msg.Text, msg.Timestamp)
}

// List returns up to limit saved messages of ownerID's mirror for peerID, newest first.
func (m *Mirror) List(ctx context.Context, ownerID, peerID string, limit int) ([]*domain.SavedMessage, error) {
	if err := domain.ValidatePair(ownerID, peerID); err != nil {
		return nil, err
	}
	saved, err := m.repo.ListSaved(ctx, ownerID, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list saved messages: %w", err)
	}
	return saved, nil
}

// Trigger reads the flag; a missing flag reads as not pending.
func (m *Mirror) Trigger(ctx context.Context, recipientID, peerID string) (domain.TriggerFlag, error) {
	flag, err := m.repo.GetTrigger(ctx, recipientID, peerID)
	if err != nil {
		return domain.TriggerFlag{RecipientID: recipientID, PeerID: peerID}, fmt.Errorf("get saving trigger: %w", err)
	}
	if flag == nil {
		return domain.TriggerFlag{RecipientID: recipientID, PeerID: peerID}, nil
	}
	return *flag, nil
}

// WatchTrigger subscribes to the flag recipientID observes for peerID. The
// current value is delivered first.
func (m *Mirror) WatchTrigger(ctx context.Context, recipientID, peerID string) (*watch.Subscription[domain.TriggerFlag], error) {
	if err := domain.ValidatePair(recipientID, peerID); err != nil {
		return nil, err
	}
	sub := m.hub.Subscribe(key(recipientID, peerID))
	flag, err := m.Trigger(ctx, recipientID, peerID)
	if err != nil {
		slog.Warn("failed to read initial saving trigger", "user_id", recipientID, "peer_id", peerID, "error", err)
	}
	sub.OfferInitial(flag)
	return sub, nil
}

// ClearTrigger resets a pending flag the observer rendered. A flag set again
// after observed was taken is left pending so the newer save is not lost.
func (m *Mirror) ClearTrigger(ctx context.Context, observed domain.TriggerFlag) (bool, error) {
	current, err := m.Trigger(ctx, observed.RecipientID, observed.PeerID)
	if err != nil {
		return false, err
	}
	if !current.Pending || current.UpdatedAt.After(observed.UpdatedAt) {
		return false, nil
	}

	cleared := domain.TriggerFlag{
		RecipientID: observed.RecipientID,
		PeerID:      observed.PeerID,
		Pending:     false,
		UpdatedAt:   m.now(),
	}
	if err := m.repo.PutTrigger(ctx, &cleared); err != nil {
		return false, fmt.Errorf("clear saving trigger: %w", err)
	}
	metrics.TriggerEvents.WithLabelValues("cleared").Inc()
	m.hub.Publish(key(observed.RecipientID, observed.PeerID), cleared)
	return true, nil
}

// Rendered schedules the self-clear of a flag the observer just displayed.
// Stopping the returned timer cancels the clear.
func (m *Mirror) Rendered(observed domain.TriggerFlag) *time.Timer {
	return time.AfterFunc(m.clearDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
		defer cancel()
		if _, err := m.ClearTrigger(ctx, observed); err != nil {
			slog.Warn("failed to self-clear saving trigger",
				"user_id", observed.RecipientID,
				"peer_id", observed.PeerID,
				"error", err)
		}
	})
}

// ClearDelay returns the configured self-clear delay.
func (m *Mirror) ClearDelay() time.Duration {
	return m.clearDelay
}
