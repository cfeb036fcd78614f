package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/ashureev/pairchat/internal/metrics"
)

// Sweeper marks presence records inactive when their owner stopped
// refreshing them, so a client that vanished without leaving the view
// does not stay "active" forever.
type Sweeper struct {
	store      *Store
	staleAfter time.Duration
	cron       string
}

// NewSweeper creates a sweeper that runs on the cron schedule and flips
// records older than staleAfter.
func NewSweeper(store *Store, staleAfter time.Duration, cron string) *Sweeper {
	return &Sweeper{store: store, staleAfter: staleAfter, cron: cron}
}

// Start runs the sweeper in a background goroutine until ctx is cancelled.
func (w *Sweeper) Start(ctx context.Context) {
	go func() {
		slog.Info("Presence sweeper started", "cron", w.cron, "stale_after", w.staleAfter)
		for {
			next, err := gronx.NextTickAfter(w.cron, w.store.now().UTC(), false)
			wait := time.Until(next)
			if err != nil {
				slog.Error("Presence sweeper failed to compute next tick", "cron", w.cron, "error", err)
				wait = 30 * time.Second
			}
			if wait < 0 {
				wait = 0
			}

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				if _, err := w.SweepOnce(ctx); err != nil {
					slog.Warn("Presence sweep failed", "error", err)
				}
			case <-ctx.Done():
				timer.Stop()
				slog.Info("Presence sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepOnce flips every stale active record to inactive and returns how many
// records it changed.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := w.store.now().Add(-w.staleAfter)
	stale, err := w.store.repo.ListStalePresence(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	swept := 0
	for _, rec := range stale {
		cleared, err := w.store.expire(ctx, rec.OwnerID, rec.SubjectID, cutoff)
		if err != nil {
			slog.Warn("Presence sweeper failed to clear record",
				"owner_id", rec.OwnerID,
				"subject_id", rec.SubjectID,
				"error", err)
			continue
		}
		if cleared {
			swept++
		}
	}
	metrics.PresenceSwept.Add(float64(swept))
	slog.Info("Presence sweep completed", "stale", len(stale), "cleared", swept)
	return swept, nil
}
