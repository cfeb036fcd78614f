package watch

import (
	"sync"
	"testing"
	"time"
)

func recv[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestHub_PublishReachesSubscribersOnKey(t *testing.T) {
	h := NewHub[string]()
	a := h.Subscribe("messages/alice/bob")
	b := h.Subscribe("messages/alice/bob")
	other := h.Subscribe("messages/bob/alice")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	h.Publish("messages/alice/bob", "hi")

	if got := recv(t, a); got != "hi" {
		t.Errorf("a: expected hi, got %q", got)
	}
	if got := recv(t, b); got != "hi" {
		t.Errorf("b: expected hi, got %q", got)
	}
	select {
	case v := <-other.C():
		t.Errorf("unexpected delivery on other key: %q", v)
	default:
	}
}

func TestSubscription_LatestValueWins(t *testing.T) {
	h := NewHub[int]()
	sub := h.Subscribe("k")
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		h.Publish("k", i)
	}
	if got := recv(t, sub); got != 5 {
		t.Errorf("expected latest value 5, got %d", got)
	}
}

func TestSubscription_OfferInitialDoesNotReplace(t *testing.T) {
	h := NewHub[string]()
	sub := h.Subscribe("k")
	defer sub.Close()

	h.Publish("k", "newer")
	sub.OfferInitial("snapshot")
	if got := recv(t, sub); got != "newer" {
		t.Errorf("expected published value to win over snapshot, got %q", got)
	}

	sub.OfferInitial("snapshot")
	if got := recv(t, sub); got != "snapshot" {
		t.Errorf("expected snapshot on empty buffer, got %q", got)
	}
}

func TestSubscription_CloseIsIdempotentAndDetaches(t *testing.T) {
	var mu sync.Mutex
	open := 0
	h := NewHub[int](WithSubscriberGauge(func(delta int) {
		mu.Lock()
		open += delta
		mu.Unlock()
	}))

	sub := h.Subscribe("k")
	if h.Count("k") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Count("k"))
	}
	sub.Close()
	sub.Close()

	if h.Count("k") != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", h.Count("k"))
	}
	select {
	case <-sub.Done():
	default:
		t.Error("expected Done to be closed")
	}
	if _, ok := <-sub.C(); ok {
		t.Error("expected delivery channel to be closed")
	}

	// Publishing after close must not panic.
	h.Publish("k", 1)
	sub.Offer(2)

	mu.Lock()
	defer mu.Unlock()
	if open != 0 {
		t.Errorf("expected gauge back at 0, got %d", open)
	}
}

func TestHub_ConcurrentPublishAndClose(t *testing.T) {
	h := NewHub[int]()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := h.Subscribe("k")
			for j := 0; j < 50; j++ {
				h.Publish("k", j)
			}
			sub.Close()
		}()
	}
	wg.Wait()
	if h.Count("k") != 0 {
		t.Errorf("expected all subscriptions detached, got %d", h.Count("k"))
	}
}
