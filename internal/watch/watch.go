// Package watch provides keyed change subscriptions with latest-value delivery.
//
// A Hub fans out values published under a key (a store document path) to every
// Subscription on that key. Each subscription buffers at most one value: a new
// value replaces an undelivered one, so a slow consumer always sees the most
// recent state and never blocks a publisher.
package watch

import (
	"sync"
)

// Subscription is a cancellable handle on one key of a Hub.
type Subscription[T any] struct {
	hub *Hub[T]
	key string
	id  uint64

	mu     sync.Mutex
	ch     chan T
	done   chan struct{}
	closed bool
}

// C returns the delivery channel. It is closed when the subscription closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Done is closed when the subscription closes.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Key returns the key the subscription listens on.
func (s *Subscription[T]) Key() string {
	return s.key
}

// Close detaches the subscription from its hub. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
	s.mu.Unlock()

	s.hub.remove(s)
}

// Offer delivers v, replacing any value the consumer has not read yet.
func (s *Subscription[T]) Offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- v:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- v:
	default:
	}
}

// OfferInitial delivers v only if nothing is queued. Callers use it for the
// snapshot read after subscribing, so a change published in between wins.
func (s *Subscription[T]) OfferInitial(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- v:
	default:
	}
}

// Option configures a Hub.
type Option func(*options)

type options struct {
	onChange func(delta int)
}

// WithSubscriberGauge registers fn to be called with +1/-1 as subscriptions
// open and close.
func WithSubscriberGauge(fn func(delta int)) Option {
	return func(o *options) {
		o.onChange = fn
	}
}

// Hub fans out published values to subscriptions by key.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription[T]
	nextID uint64
	opts   options
}

// NewHub creates an empty hub.
func NewHub[T any](opts ...Option) *Hub[T] {
	h := &Hub[T]{subs: make(map[string]map[uint64]*Subscription[T])}
	for _, opt := range opts {
		opt(&h.opts)
	}
	return h
}

// Subscribe registers a new subscription on key.
func (h *Hub[T]) Subscribe(key string) *Subscription[T] {
	h.mu.Lock()
	h.nextID++
	sub := &Subscription[T]{
		hub:  h,
		key:  key,
		id:   h.nextID,
		ch:   make(chan T, 1),
		done: make(chan struct{}),
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[uint64]*Subscription[T])
	}
	h.subs[key][sub.id] = sub
	h.mu.Unlock()

	if h.opts.onChange != nil {
		h.opts.onChange(1)
	}
	return sub
}

// Publish delivers v to every subscription on key.
func (h *Hub[T]) Publish(key string, v T) {
	h.mu.RLock()
	targets := make([]*Subscription[T], 0, len(h.subs[key]))
	for _, sub := range h.subs[key] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.Offer(v)
	}
}

// Count returns the number of open subscriptions on key.
func (h *Hub[T]) Count(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

func (h *Hub[T]) remove(sub *Subscription[T]) {
	h.mu.Lock()
	subs, ok := h.subs[sub.key]
	if ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.subs, sub.key)
		}
	}
	h.mu.Unlock()

	if ok && h.opts.onChange != nil {
		h.opts.onChange(-1)
	}
}
