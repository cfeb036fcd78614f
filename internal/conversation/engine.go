// Package conversation wires the presence, channel, seen, draft, saved and
// friends components into an Engine, and runs one Session per open
// conversation view.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pairchat/internal/channel"
	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/friends"
	"github.com/ashureev/pairchat/internal/metrics"
	"github.com/ashureev/pairchat/internal/presence"
	"github.com/ashureev/pairchat/internal/saved"
	"github.com/ashureev/pairchat/internal/seen"
	"github.com/ashureev/pairchat/internal/store"
)

// Config holds the engine timings.
type Config struct {
	TickInterval      time.Duration
	TriggerClearDelay time.Duration
	Now               func() time.Time
}

// Engine owns the shared components. Sessions borrow them; nothing in the
// engine is global state.
type Engine struct {
	repo store.Repository

	Presence *presence.Store
	Channel  *channel.Channel
	Seen     *seen.Tracker
	Saved    *saved.Mirror
	Friends  *friends.Model

	tickInterval time.Duration

	viewsMu sync.Mutex
	views   map[string]*viewCount
}

// viewCount is the number of open views of one (self, peer) pair. Its lock
// also orders the presence writes of entering and leaving that pair.
type viewCount struct {
	mu   sync.Mutex
	open int
}

// NewEngine builds an engine on repo.
func NewEngine(repo store.Repository, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}

	ps := presence.NewStore(repo, presence.WithClock(cfg.Now))
	ch := channel.New(repo, channel.WithClock(cfg.Now))
	fm := friends.NewModel(repo)

	savedOpts := []saved.Option{saved.WithClock(cfg.Now)}
	if cfg.TriggerClearDelay > 0 {
		savedOpts = append(savedOpts, saved.WithClearDelay(cfg.TriggerClearDelay))
	}

	return &Engine{
		repo:         repo,
		Presence:     ps,
		Channel:      ch,
		Seen:         seen.NewTracker(ps, ch, fm),
		Saved:        saved.NewMirror(repo, savedOpts...),
		Friends:      fm,
		tickInterval: cfg.TickInterval,
		views:        make(map[string]*viewCount),
	}
}

// Send appends text as an explicit message, stamped seen when the recipient
// is viewing the conversation, and bumps both friend entries.
func (e *Engine) Send(ctx context.Context, fromID, toID, text string) (domain.Message, error) {
	if err := domain.ValidatePair(fromID, toID); err != nil {
		return domain.Message{}, err
	}
	active, err := e.Seen.RecipientActive(ctx, fromID, toID)
	if err != nil {
		return domain.Message{}, err
	}
	msg, err := e.Channel.Append(ctx, fromID, toID, text, active)
	if err != nil {
		return domain.Message{}, err
	}
	metrics.MessagesAppended.WithLabelValues(metrics.OriginSend).Inc()

	if err := e.Friends.Touch(ctx, msg); err != nil {
		slog.Warn("failed to update friend entries after send",
			"user_id", fromID,
			"peer_id", toID,
			"message_id", msg.ID,
			"error", err)
	}
	return msg, nil
}

// MarkLatestAsSeen marks the newest peerID -> viewerID message as seen.
func (e *Engine) MarkLatestAsSeen(ctx context.Context, viewerID, peerID string) (bool, error) {
	return e.Seen.MarkLatestAsSeen(ctx, viewerID, peerID)
}

// DisplayName returns the label of userID, falling back to the ID.
func (e *Engine) DisplayName(ctx context.Context, userID string) string {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		slog.Warn("failed to look up display name", "user_id", userID, "error", err)
	}
	if user == nil {
		return userID
	}
	return user.DisplayName()
}

// Snapshot is the one-shot state of a conversation as seen by selfID.
type Snapshot struct {
	PeerID        string                `json:"peer_id"`
	Inbound       *domain.Message       `json:"inbound"`
	Outbound      *domain.Message       `json:"outbound"`
	PeerPresence  domain.PresenceRecord `json:"peer_presence"`
	PresenceLabel string                `json:"presence_label"`
	Trigger       domain.TriggerFlag    `json:"trigger"`
}

// Snapshot reads the latest inbound and outbound messages, the peer's
// presence toward selfID and the pending trigger.
func (e *Engine) Snapshot(ctx context.Context, selfID, peerID string, now time.Time) (*Snapshot, error) {
	if err := domain.ValidatePair(selfID, peerID); err != nil {
		return nil, err
	}
	in, err := e.Channel.Latest(ctx, peerID, selfID)
	if err != nil {
		return nil, err
	}
	out, err := e.Channel.Latest(ctx, selfID, peerID)
	if err != nil {
		return nil, err
	}
	rec, err := e.Presence.Get(ctx, peerID, selfID)
	if err != nil {
		return nil, err
	}
	flag, err := e.Saved.Trigger(ctx, selfID, peerID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		PeerID:        peerID,
		Inbound:       in,
		Outbound:      out,
		PeerPresence:  rec,
		PresenceLabel: presence.Label(rec, now),
		Trigger:       flag,
	}, nil
}

// Open enters the conversation view of selfID with peerID: it marks selfID
// active toward peerID, seeds the draft from the latest outbound message and
// starts the session's loop and subscriptions.
func (e *Engine) Open(ctx context.Context, selfID, peerID string) (*Session, error) {
	if err := domain.ValidatePair(selfID, peerID); err != nil {
		return nil, err
	}

	s := newSession(e, selfID, peerID)

	if err := e.enter(ctx, selfID, peerID); err != nil {
		slog.Warn("failed to mark presence active", "user_id", selfID, "peer_id", peerID, "error", err)
		s.status(err)
	}

	var seed domain.DraftState
	latest, err := e.Channel.Latest(ctx, selfID, peerID)
	if err != nil {
		slog.Warn("failed to seed draft", "user_id", selfID, "peer_id", peerID, "error", err)
		s.status(err)
	} else if latest != nil {
		seed = domain.DraftState{
			CurrentText:                  latest.Text,
			LastCommittedText:            latest.Text,
			LastCommittedRecipientActive: latest.Seen,
		}
	}

	if err := s.start(ctx, seed); err != nil {
		s.Close()
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	return s, nil
}

func (e *Engine) pairViews(selfID, peerID string) *viewCount {
	e.viewsMu.Lock()
	defer e.viewsMu.Unlock()
	k := selfID + "/" + peerID
	vc, ok := e.views[k]
	if !ok {
		vc = &viewCount{}
		e.views[k] = vc
	}
	return vc
}

// enter counts a new view of the pair and marks selfID active toward peerID.
func (e *Engine) enter(ctx context.Context, selfID, peerID string) error {
	vc := e.pairViews(selfID, peerID)
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.open++
	return e.Presence.SetActive(ctx, selfID, peerID, true)
}

// leave uncounts a view and marks selfID inactive only when it was the last
// open view of the pair. A replaced connection closing after its successor
// opened leaves the successor's presence alone.
func (e *Engine) leave(ctx context.Context, selfID, peerID string) error {
	vc := e.pairViews(selfID, peerID)
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.open > 0 {
		vc.open--
	}
	if vc.open > 0 {
		return nil
	}
	return e.Presence.SetActive(ctx, selfID, peerID, false)
}

// OpenViews returns how many views of (selfID, peerID) are open.
func (e *Engine) OpenViews(selfID, peerID string) int {
	vc := e.pairViews(selfID, peerID)
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.open
}
