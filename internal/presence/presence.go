// Package presence records whether a participant is currently viewing the
// conversation with a peer, and lets the peer observe that flag live.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/metrics"
	"github.com/ashureev/pairchat/internal/watch"
)

// Repository is the slice of the store the presence store needs.
type Repository interface {
	GetPresence(ctx context.Context, ownerID, subjectID string) (*domain.PresenceRecord, error)
	PutPresence(ctx context.Context, rec *domain.PresenceRecord) error
	ListStalePresence(ctx context.Context, cutoff time.Time) ([]*domain.PresenceRecord, error)
}

// Store reads and writes activeStatus/{ownerID}/{subjectID}.
type Store struct {
	repo Repository
	hub  *watch.Hub[domain.PresenceRecord]
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a presence store over repo.
func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo: repo,
		hub:  watch.NewHub[domain.PresenceRecord](watch.WithSubscriberGauge(metrics.SubscriberGauge("presence"))),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(ownerID, subjectID string) string {
	return ownerID + "/" + subjectID
}

// SetActive overwrites the (ownerID, subjectID) record and stamps LastActiveAt.
// Calling it again with the same flag is harmless; it only refreshes the stamp.
func (s *Store) SetActive(ctx context.Context, ownerID, subjectID string, active bool) error {
	if err := domain.ValidatePair(ownerID, subjectID); err != nil {
		return err
	}
	rec := domain.PresenceRecord{
		OwnerID:      ownerID,
		SubjectID:    subjectID,
		IsActive:     active,
		LastActiveAt: s.now(),
	}
	if err := s.repo.PutPresence(ctx, &rec); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	s.hub.Publish(key(ownerID, subjectID), rec)
	return nil
}

// expire flips a stale record inactive without touching LastActiveAt, so the
// last-seen label keeps the owner's real activity time. A record refreshed
// since cutoff, or already inactive, is left alone.
func (s *Store) expire(ctx context.Context, ownerID, subjectID string, cutoff time.Time) (bool, error) {
	current, err := s.repo.GetPresence(ctx, ownerID, subjectID)
	if err != nil {
		return false, fmt.Errorf("get presence: %w", err)
	}
	if current == nil || !current.IsActive || !current.LastActiveAt.Before(cutoff) {
		return false, nil
	}

	rec := *current
	rec.IsActive = false
	if err := s.repo.PutPresence(ctx, &rec); err != nil {
		return false, fmt.Errorf("expire presence: %w", err)
	}
	s.hub.Publish(key(ownerID, subjectID), rec)
	return true, nil
}

// Get returns the current record. A missing record reads as inactive with a
// zero LastActiveAt.
func (s *Store) Get(ctx context.Context, ownerID, subjectID string) (domain.PresenceRecord, error) {
	rec, err := s.repo.GetPresence(ctx, ownerID, subjectID)
	if err != nil {
		return domain.PresenceRecord{OwnerID: ownerID, SubjectID: subjectID}, fmt.Errorf("get presence: %w", err)
	}
	if rec == nil {
		return domain.PresenceRecord{OwnerID: ownerID, SubjectID: subjectID}, nil
	}
	return *rec, nil
}

// IsActive reports whether ownerID is currently viewing the conversation with subjectID.
func (s *Store) IsActive(ctx context.Context, ownerID, subjectID string) (bool, error) {
	rec, err := s.Get(ctx, ownerID, subjectID)
	if err != nil {
		return false, err
	}
	return rec.IsActive, nil
}

// Observe subscribes to the (ownerID, subjectID) record. The current value is
// delivered first, followed by every later change.
func (s *Store) Observe(ctx context.Context, ownerID, subjectID string) (*watch.Subscription[domain.PresenceRecord], error) {
	if err := domain.ValidatePair(ownerID, subjectID); err != nil {
		return nil, err
	}
	sub := s.hub.Subscribe(key(ownerID, subjectID))
	rec, err := s.Get(ctx, ownerID, subjectID)
	if err != nil {
		slog.Warn("failed to read initial presence", "owner_id", ownerID, "subject_id", subjectID, "error", err)
	}
	sub.OfferInitial(rec)
	return sub, nil
}

// Label renders the presence indicator for rec as seen by the subject.
func Label(rec domain.PresenceRecord, now time.Time) string {
	switch {
	case rec.IsActive:
		return "active now"
	case rec.LastActiveAt.IsZero():
		return "offline"
	default:
		return "last seen " + humanizeSince(rec.LastActiveAt, now)
	}
}
