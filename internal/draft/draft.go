// Package draft runs the live-draft reconciliation loop of one conversation
// view: on every tick the sender's current draft is committed to the outgoing
// channel if, and only if, its text changed since the last commit.
package draft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/metrics"
)

// Appender writes a new message to a directional channel.
type Appender interface {
	Append(ctx context.Context, fromID, toID, text string, seen bool) (domain.Message, error)
}

// SeenStamper returns the seen flag a new message gets at write time.
type SeenStamper interface {
	RecipientActive(ctx context.Context, senderID, recipientID string) (bool, error)
}

// Toucher bumps both participants' friend entries for a new message.
type Toucher interface {
	Touch(ctx context.Context, msg domain.Message) error
}

// Loop owns the DraftState of one (self, peer) conversation.
type Loop struct {
	selfID string
	peerID string

	appender Appender
	stamper  SeenStamper
	toucher  Toucher

	onCommit func(domain.Message)
	onError  func(error)

	mu    sync.Mutex
	state domain.DraftState

	tickMu sync.Mutex // one tick at a time
}

// Option configures a Loop.
type Option func(*Loop)

// WithCommitHook is called after every committed message.
func WithCommitHook(fn func(domain.Message)) Option {
	return func(l *Loop) {
		l.onCommit = fn
	}
}

// WithErrorHook is called with every failed tick.
func WithErrorHook(fn func(error)) Option {
	return func(l *Loop) {
		l.onError = fn
	}
}

// NewLoop creates a loop for selfID writing to peerID, starting from seed.
func NewLoop(selfID, peerID string, appender Appender, stamper SeenStamper, toucher Toucher, seed domain.DraftState, opts ...Option) *Loop {
	l := &Loop{
		selfID:   selfID,
		peerID:   peerID,
		appender: appender,
		stamper:  stamper,
		toucher:  toucher,
		state:    seed,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetText replaces the current draft text. It never writes; the next tick does.
func (l *Loop) SetText(text string) {
	l.mu.Lock()
	l.state.CurrentText = text
	l.mu.Unlock()
}

// Snapshot returns a copy of the current draft state.
func (l *Loop) Snapshot() domain.DraftState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Tick runs one reconciliation step and reports whether it wrote a message.
//
// A tick with unchanged text is skipped without reading or writing anything,
// even if the recipient's presence flipped since the last commit. On a failed
// append the committed snapshot is left alone so the next tick retries.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	if l.selfID == "" {
		return false, domain.ErrNoIdentity
	}

	snap := l.Snapshot()
	if !snap.Dirty() {
		metrics.DraftTicks.WithLabelValues(metrics.TickSkipped).Inc()
		return false, nil
	}
	text := snap.CurrentText

	active, err := l.stamper.RecipientActive(ctx, l.selfID, l.peerID)
	if err != nil {
		metrics.DraftTicks.WithLabelValues(metrics.TickFailed).Inc()
		return false, fmt.Errorf("draft tick: %w", err)
	}

	msg, err := l.appender.Append(ctx, l.selfID, l.peerID, text, active)
	if err != nil {
		metrics.DraftTicks.WithLabelValues(metrics.TickFailed).Inc()
		return false, fmt.Errorf("draft tick: %w", err)
	}

	l.mu.Lock()
	l.state.LastCommittedText = text
	l.state.LastCommittedRecipientActive = active
	l.mu.Unlock()

	metrics.DraftTicks.WithLabelValues(metrics.TickCommitted).Inc()
	metrics.MessagesAppended.WithLabelValues(metrics.OriginDraft).Inc()

	if err := l.toucher.Touch(ctx, msg); err != nil {
		// The message is already stored; a later commit bumps the entries again.
		slog.Warn("failed to update friend entries after draft commit",
			"user_id", l.selfID,
			"peer_id", l.peerID,
			"message_id", msg.ID,
			"error", err)
	}

	if l.onCommit != nil {
		l.onCommit(msg)
	}
	return true, nil
}

// Run ticks every interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("draft tick failed", "user_id", l.selfID, "peer_id", l.peerID, "error", err)
				if l.onError != nil {
					l.onError(err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
