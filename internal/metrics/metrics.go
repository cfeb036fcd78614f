// Package metrics holds the prometheus collectors of the conversation engine.
// They register with the default registry served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Draft tick results.
const (
	TickSkipped   = "skipped"
	TickCommitted = "committed"
	TickFailed    = "failed"
)

// Message origins.
const (
	OriginDraft = "draft"
	OriginSend  = "send"
)

var (
	// DraftTicks counts reconciliation ticks by result.
	DraftTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairchat",
		Name:      "draft_ticks_total",
		Help:      "Draft reconciliation ticks by result.",
	}, []string{"result"})

	// MessagesAppended counts channel appends by origin.
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairchat",
		Name:      "messages_appended_total",
		Help:      "Messages appended to conversation channels by origin.",
	}, []string{"origin"})

	// MessagesSeen counts false->true seen transitions.
	MessagesSeen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairchat",
		Name:      "messages_seen_total",
		Help:      "Messages transitioned from unseen to seen.",
	})

	// TriggerEvents counts trigger flag writes by state ("set" or "cleared").
	TriggerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairchat",
		Name:      "trigger_events_total",
		Help:      "Saved-mirror trigger flag transitions.",
	}, []string{"state"})

	// PresenceSwept counts presence records flipped inactive by the sweeper.
	PresenceSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairchat",
		Name:      "presence_swept_total",
		Help:      "Stale presence records marked inactive.",
	})

	// ActiveSubscriptions tracks open change subscriptions per hub.
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pairchat",
		Name:      "active_subscriptions",
		Help:      "Open change subscriptions by document kind.",
	}, []string{"kind"})

	// ActiveSessions tracks open conversation views.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairchat",
		Name:      "active_sessions",
		Help:      "Open conversation views.",
	})

	// HTTPRequests counts API requests by route pattern, method and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairchat",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})
)

// SubscriberGauge returns a +1/-1 callback bound to the subscription gauge of kind.
func SubscriberGauge(kind string) func(delta int) {
	g := ActiveSubscriptions.WithLabelValues(kind)
	return func(delta int) {
		g.Add(float64(delta))
	}
}
