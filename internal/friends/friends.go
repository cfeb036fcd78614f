// Package friends maintains the participant's live, sorted peer list.
package friends

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/metrics"
	"github.com/ashureev/pairchat/internal/watch"
)

// Repository is the slice of the store the read model needs.
type Repository interface {
	ListFriends(ctx context.Context, ownerID string) ([]*domain.FriendEntry, error)
	TouchFriend(ctx context.Context, ownerID, peerID string, latest time.Time, unseen bool) error
	ClearFriendUnseen(ctx context.Context, ownerID, peerID string) (bool, error)
	SetFriendFlags(ctx context.Context, ownerID, peerID string, pinned, muted bool) error
}

// Model projects friends/{ownerID}/* into a sorted list and republishes it on
// every change.
type Model struct {
	repo Repository
	hub  *watch.Hub[[]domain.FriendEntry]
}

// NewModel creates a read model over repo.
func NewModel(repo Repository) *Model {
	return &Model{
		repo: repo,
		hub:  watch.NewHub[[]domain.FriendEntry](watch.WithSubscriberGauge(metrics.SubscriberGauge("friends"))),
	}
}

// Sort orders entries in place: pinned first, then unpinned; each bucket by
// LatestMessageAt descending with missing timestamps last. Ties keep peer ID order.
func Sort(entries []domain.FriendEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if !a.LatestMessageAt.Equal(b.LatestMessageAt) {
			return a.LatestMessageAt.After(b.LatestMessageAt)
		}
		return a.PeerID < b.PeerID
	})
}

// List returns ownerID's entries, sorted.
func (m *Model) List(ctx context.Context, ownerID string) ([]domain.FriendEntry, error) {
	if ownerID == "" {
		return nil, domain.ErrNoIdentity
	}
	rows, err := m.repo.ListFriends(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	entries := make([]domain.FriendEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, *row)
	}
	Sort(entries)
	return entries, nil
}

// Observe subscribes to ownerID's sorted list. The current list is delivered
// first, then a full re-sort after every change.
func (m *Model) Observe(ctx context.Context, ownerID string) (*watch.Subscription[[]domain.FriendEntry], error) {
	if ownerID == "" {
		return nil, domain.ErrNoIdentity
	}
	sub := m.hub.Subscribe(ownerID)
	entries, err := m.List(ctx, ownerID)
	if err != nil {
		slog.Warn("failed to read initial friend list", "user_id", ownerID, "error", err)
		return sub, nil
	}
	sub.OfferInitial(entries)
	return sub, nil
}

func (m *Model) republish(ctx context.Context, ownerID string) {
	if m.hub.Count(ownerID) == 0 {
		return
	}
	entries, err := m.List(ctx, ownerID)
	if err != nil {
		slog.Warn("failed to refresh friend list", "user_id", ownerID, "error", err)
		return
	}
	m.hub.Publish(ownerID, entries)
}

// Touch bumps both participants' entries for a new message. The sender's
// entry is marked seen; the recipient's entry is unseen unless the message
// was already seen at write time.
func (m *Model) Touch(ctx context.Context, msg domain.Message) error {
	if err := m.repo.TouchFriend(ctx, msg.FromID, msg.ToID, msg.Timestamp, false); err != nil {
		return fmt.Errorf("touch sender entry: %w", err)
	}
	if err := m.repo.TouchFriend(ctx, msg.ToID, msg.FromID, msg.Timestamp, !msg.Seen); err != nil {
		return fmt.Errorf("touch recipient entry: %w", err)
	}
	m.republish(ctx, msg.FromID)
	m.republish(ctx, msg.ToID)
	return nil
}

// ClearUnseen clears ownerID's unseen flag for peerID. It reports whether the
// flag was set.
func (m *Model) ClearUnseen(ctx context.Context, ownerID, peerID string) (bool, error) {
	changed, err := m.repo.ClearFriendUnseen(ctx, ownerID, peerID)
	if err != nil {
		return false, fmt.Errorf("clear unseen: %w", err)
	}
	if changed {
		m.republish(ctx, ownerID)
	}
	return changed, nil
}

// SetFlags writes the pinned and muted flags of ownerID's entry for peerID.
func (m *Model) SetFlags(ctx context.Context, ownerID, peerID string, pinned, muted bool) error {
	if err := domain.ValidatePair(ownerID, peerID); err != nil {
		return err
	}
	if err := m.repo.SetFriendFlags(ctx, ownerID, peerID, pinned, muted); err != nil {
		return fmt.Errorf("set friend flags: %w", err)
	}
	m.republish(ctx, ownerID)
	return nil
}
