package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentdevsl/claudorc-sub000/internal/metrics"
)

// Metrics exports fan-out counters. A nil *Metrics records nothing.
type Metrics struct {
	published        *prometheus.CounterVec
	delivered        prometheus.Counter
	dropped          prometheus.Counter
	callbackFailures *prometheus.CounterVec
	subscribers      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "stream",
			Name:      "events_published_total",
			Help:      "Events appended to the durable log, by event type.",
		}, []string{"type"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "stream",
			Name:      "events_delivered_total",
			Help:      "Events handed to local subscriber callbacks without error.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}),
		callbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "stream",
			Name:      "subscriber_failures_total",
			Help:      "Subscriber callbacks that returned an error or panicked.",
		}, []string{"reason"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "stream",
			Name:      "subscribers_active",
			Help:      "Local subscriber callbacks currently registered.",
		}),
	}

	var err error
	if m.published, err = metrics.Register(reg, m.published); err != nil {
		return nil, err
	}
	if m.delivered, err = metrics.Register(reg, m.delivered); err != nil {
		return nil, err
	}
	if m.dropped, err = metrics.Register(reg, m.dropped); err != nil {
		return nil, err
	}
	if m.callbackFailures, err = metrics.Register(reg, m.callbackFailures); err != nil {
		return nil, err
	}
	if m.subscribers, err = metrics.Register(reg, m.subscribers); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordPublished(t EventType) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) recordDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) recordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) recordFailure(reason string) {
	if m == nil {
		return
	}
	m.callbackFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) subscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) subscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
