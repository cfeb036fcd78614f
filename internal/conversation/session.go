package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pairchat/internal/domain"
	"github.com/ashureev/pairchat/internal/draft"
	"github.com/ashureev/pairchat/internal/metrics"
	"github.com/ashureev/pairchat/internal/shared"
	"github.com/ashureev/pairchat/internal/watch"
)

// EventKind identifies what changed in a Session event.
type EventKind string

// Event kinds delivered by a Session.
const (
	EventPresence EventKind = "presence"
	EventInbound  EventKind = "inbound"
	EventOutbound EventKind = "outbound"
	EventTrigger  EventKind = "trigger"
	EventStatus   EventKind = "status"
)

// Event is one update for the conversation view.
type Event struct {
	Kind     EventKind              `json:"kind"`
	Presence *domain.PresenceRecord `json:"presence,omitempty"`
	Message  *domain.Message        `json:"message,omitempty"`
	Trigger  *domain.TriggerFlag    `json:"trigger,omitempty"`
	Status   string                 `json:"status,omitempty"`
}

const (
	eventBuffer  = 16
	leaveTimeout = 5 * time.Second
)

// Session is one open conversation view. It owns the draft loop, the
// subscriptions and the trigger self-clear timer, and tears all of them down
// on Close together with marking the view inactive.
type Session struct {
	engine *Engine
	selfID string
	peerID string

	loop   *draft.Loop
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	running    bool
	foreground bool
	inbound    *domain.Message
	outbound   *domain.Message
	clearTimer *time.Timer
	subs       []interface{ Close() }

	closeOnce sync.Once
}

func newSession(e *Engine, selfID, peerID string) *Session {
	return &Session{
		engine:     e,
		selfID:     selfID,
		peerID:     peerID,
		events:     make(chan Event, eventBuffer),
		foreground: true,
	}
}

// SelfID returns the viewing participant.
func (s *Session) SelfID() string { return s.selfID }

// PeerID returns the other participant.
func (s *Session) PeerID() string { return s.peerID }

// Events returns the update stream. It is closed after Close.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) start(ctx context.Context, seed domain.DraftState) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.loop = draft.NewLoop(s.selfID, s.peerID, s.engine.Channel, s.engine.Seen, s.engine.Friends, seed,
		draft.WithErrorHook(s.status))

	peerPresence, err := s.engine.Presence.Observe(s.ctx, s.peerID, s.selfID)
	if err != nil {
		return err
	}
	s.track(peerPresence)

	inbound, err := s.engine.Channel.SubscribeLatest(s.ctx, s.peerID, s.selfID)
	if err != nil {
		return err
	}
	s.track(inbound)

	outbound, err := s.engine.Channel.SubscribeLatest(s.ctx, s.selfID, s.peerID)
	if err != nil {
		return err
	}
	s.track(outbound)

	trigger, err := s.engine.Saved.WatchTrigger(s.ctx, s.selfID, s.peerID)
	if err != nil {
		return err
	}
	s.track(trigger)

	s.wg.Add(5)
	go func() {
		defer s.wg.Done()
		s.loop.Run(s.ctx, s.engine.tickInterval)
	}()
	go pump(s, peerPresence, func(rec domain.PresenceRecord) Event {
		return Event{Kind: EventPresence, Presence: &rec}
	}, nil)
	go pump(s, inbound, func(msg domain.Message) Event {
		s.remember(&s.inbound, msg)
		return Event{Kind: EventInbound, Message: &msg}
	}, nil)
	go pump(s, outbound, func(msg domain.Message) Event {
		s.remember(&s.outbound, msg)
		return Event{Kind: EventOutbound, Message: &msg}
	}, nil)
	go pump(s, trigger, func(flag domain.TriggerFlag) Event {
		return Event{Kind: EventTrigger, Trigger: &flag}
	}, func(flag domain.TriggerFlag) {
		if flag.Pending {
			s.scheduleClear(flag)
		}
	})

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()
	slog.Info("Conversation opened", "user_id", s.selfID, "peer_id", s.peerID)
	return nil
}

func (s *Session) track(sub interface{ Close() }) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *Session) remember(slot **domain.Message, msg domain.Message) {
	s.mu.Lock()
	*slot = &msg
	s.mu.Unlock()
}

// pump forwards subscription values to the event stream until the session
// closes. delivered runs after the view accepted the event.
func pump[T any](s *Session, sub *watch.Subscription[T], toEvent func(T) Event, delivered func(T)) {
	defer s.wg.Done()
	for v := range sub.C() {
		select {
		case s.events <- toEvent(v):
			if delivered != nil {
				delivered(v)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// status reports a non-fatal condition to the view without blocking.
func (s *Session) status(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- Event{Kind: EventStatus, Status: shared.Status(err)}:
	default:
	}
}

// scheduleClear arms the self-clear of a rendered trigger, replacing an
// earlier pending timer.
func (s *Session) scheduleClear(flag domain.TriggerFlag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.clearTimer != nil {
		s.clearTimer.Stop()
	}
	s.clearTimer = s.engine.Saved.Rendered(flag)
}

// SetDraft replaces the current draft text. The loop commits it on the next tick.
func (s *Session) SetDraft(text string) {
	s.loop.SetText(text)
}

// Draft returns the current draft state.
func (s *Session) Draft() domain.DraftState {
	return s.loop.Snapshot()
}

// Flush runs one reconciliation tick immediately.
func (s *Session) Flush(ctx context.Context) (bool, error) {
	return s.loop.Tick(ctx)
}

// MarkSeen marks the latest inbound message as seen.
func (s *Session) MarkSeen(ctx context.Context) (bool, error) {
	changed, err := s.engine.MarkLatestAsSeen(ctx, s.selfID, s.peerID)
	if err != nil {
		s.status(err)
	}
	return changed, err
}

// Save copies a message of this conversation into the viewer's saved mirror.
// The sender label is taken from the latest inbound or outbound message with
// the same timestamp, or the viewer's own label otherwise.
func (s *Session) Save(ctx context.Context, text string, sourceTimestamp time.Time) (domain.SavedMessage, error) {
	sender := ""
	s.mu.Lock()
	for _, msg := range []*domain.Message{s.inbound, s.outbound} {
		if msg != nil && msg.Timestamp.Equal(sourceTimestamp) {
			sender = msg.Sender
			break
		}
	}
	s.mu.Unlock()
	if sender == "" {
		sender = s.engine.DisplayName(ctx, s.selfID)
	}

	sm, err := s.engine.Saved.SaveMessage(ctx, s.selfID, s.peerID, sender, text, sourceTimestamp)
	if err != nil {
		s.status(err)
	}
	return sm, err
}

// SetForeground maps the application gaining or losing foreground to the
// viewer's presence, keeping subscriptions alive.
func (s *Session) SetForeground(ctx context.Context, foreground bool) error {
	s.mu.Lock()
	s.foreground = foreground
	s.mu.Unlock()

	if err := s.engine.Presence.SetActive(ctx, s.selfID, s.peerID, foreground); err != nil {
		slog.Warn("failed to update presence", "user_id", s.selfID, "peer_id", s.peerID, "active", foreground, "error", err)
		s.status(err)
		return err
	}
	return nil
}

// Heartbeat refreshes the viewer's active stamp while in the foreground.
func (s *Session) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	foreground := s.foreground
	s.mu.Unlock()
	if !foreground {
		return nil
	}
	return s.engine.Presence.SetActive(ctx, s.selfID, s.peerID, true)
}

// Close leaves the conversation view: it stops the loop, closes every
// subscription, cancels the trigger timer and marks the viewer inactive.
// It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.clearTimer != nil {
			s.clearTimer.Stop()
			s.clearTimer = nil
		}
		subs := s.subs
		s.subs = nil
		running := s.running
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		for _, sub := range subs {
			sub.Close()
		}
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := s.engine.leave(ctx, s.selfID, s.peerID); err != nil {
			slog.Warn("failed to mark presence inactive", "user_id", s.selfID, "peer_id", s.peerID, "error", err)
		}

		close(s.events)
		if running {
			metrics.ActiveSessions.Dec()
		}
		slog.Info("Conversation closed", "user_id", s.selfID, "peer_id", s.peerID)
	})
}
