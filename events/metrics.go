package events

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the EventBus Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Subscribers   prometheus.Gauge
	QueueDepth    prometheus.Gauge
	Subscriptions *prometheus.CounterVec

	// Published is labelled by event type and, for contract events, the event name
	Published *prometheus.CounterVec
	Delivered *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Filtered  *prometheus.CounterVec

	Broadcast prometheus.Histogram
}

// NewMetrics creates and registers the EventBus metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	if namespace == "" {
		namespace = "watcher"
	}
	if subsystem == "" {
		subsystem = "eventbus"
	}

	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
	}

	return &Metrics{
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscribers",
			Help:      "Active subscriptions, including GraphQL onEvent streams and relays",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Events waiting in the publish queue",
		}),
		Subscriptions: promauto.NewCounterVec(opts("subscription_changes_total",
			"Subscriptions added and removed"), []string{"action"}),
		Published: promauto.NewCounterVec(opts("events_published_total",
			"Events published on the bus"), []string{"event_type", "event_name"}),
		Delivered: promauto.NewCounterVec(opts("events_delivered_total",
			"Events delivered to subscribers"), []string{"event_type"}),
		Dropped: promauto.NewCounterVec(opts("events_dropped_total",
			"Events dropped because a subscriber channel was full"), []string{"event_type"}),
		Filtered: promauto.NewCounterVec(opts("events_filtered_total",
			"Events skipped by subscriber filters"), []string{"event_type"}),
		Broadcast: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan one event out to all subscribers",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8), // 10µs to ~160ms
		}),
	}
}

func (m *Metrics) publish(event Event, queued int) {
	if m == nil {
		return
	}
	name := ""
	if ce, ok := event.(*ContractEvent); ok {
		name = ce.EventName
	}
	m.Published.WithLabelValues(string(event.Type()), name).Inc()
	m.QueueDepth.Set(float64(queued))
}

func (m *Metrics) deliver(t EventType) {
	if m != nil {
		m.Delivered.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) drop(t EventType) {
	if m != nil {
		m.Dropped.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) filter(t EventType) {
	if m != nil {
		m.Filtered.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) observeBroadcast(d time.Duration) {
	if m != nil {
		m.Broadcast.Observe(d.Seconds())
	}
}

func (m *Metrics) subscribed(total int) {
	if m == nil {
		return
	}
	m.Subscriptions.WithLabelValues("add").Inc()
	m.Subscribers.Set(float64(total))
}

func (m *Metrics) unsubscribed(total int) {
	if m == nil {
		return
	}
	m.Subscriptions.WithLabelValues("remove").Inc()
	m.Subscribers.Set(float64(total))
}
