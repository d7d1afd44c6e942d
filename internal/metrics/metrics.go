// Package metrics exposes Prometheus counters/histograms/gauges for the
// poll loop, grounded on the teacher's internal/escrow/metrics.go
// promauto pattern: one struct of pre-registered vectors, constructed once
// at startup and threaded through the components that record against it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series helvaultd exposes on /metrics,
// plus the dedicated registry they're registered against (rather than the
// global DefaultRegisterer) so a process — or a test — can construct more
// than one Metrics without a duplicate-registration panic.
type Metrics struct {
	Registry *prometheus.Registry

	TickTotal      *prometheus.CounterVec
	TickDuration   *prometheus.HistogramVec
	RetryTotal     *prometheus.CounterVec
	CircuitState   *prometheus.GaugeVec
	SinkQueueDepth prometheus.Gauge
	DroppedEvents  *prometheus.CounterVec
	DedupeHits     *prometheus.CounterVec
	EventsEmitted  *prometheus.CounterVec
}

// New constructs and registers every series against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		TickTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helvault_tick_total",
				Help: "Total poll ticks per source and outcome",
			},
			[]string{"source_id", "outcome"}, // outcome: success, error
		),
		TickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helvault_tick_duration_seconds",
				Help:    "Duration of a full poll tick, including every page",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source_id"},
		),
		RetryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helvault_retry_total",
				Help: "Total HTTP retries per source and response status class",
			},
			[]string{"source_id", "status_class"}, // status_class: 4xx, 5xx, timeout, network
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helvault_circuit_state",
				Help: "Current circuit state per source (0=closed, 1=half_open, 2=open)",
			},
			[]string{"source_id"},
		),
		SinkQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "helvault_sink_queue_depth",
				Help: "Current depth of the backpressure sink's bounded queue",
			},
		),
		DroppedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helvault_dropped_events_total",
				Help: "Total events dropped by the sink, labeled by reason",
			},
			[]string{"dropped_reason"}, // queue_full, max_queue_age, disk_buffer_full
		),
		DedupeHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helvault_dedupe_hits_total",
				Help: "Total events discarded as duplicates per source",
			},
			[]string{"source_id"},
		),
		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helvault_events_emitted_total",
				Help: "Total events written to the sink per source",
			},
			[]string{"source_id"},
		),
	}
}

// RecordTick records a tick outcome and its wall-clock duration.
func (m *Metrics) RecordTick(sourceID, outcome string, durationSecs float64) {
	m.TickTotal.WithLabelValues(sourceID, outcome).Inc()
	m.TickDuration.WithLabelValues(sourceID).Observe(durationSecs)
}

// RecordRetry records one retried request.
func (m *Metrics) RecordRetry(sourceID, statusClass string) {
	m.RetryTotal.WithLabelValues(sourceID, statusClass).Inc()
}

// SetCircuitState records a breaker's numeric state (0 closed, 1 half-open,
// 2 open) for gauge exposition.
func (m *Metrics) SetCircuitState(sourceID string, numericState float64) {
	m.CircuitState.WithLabelValues(sourceID).Set(numericState)
}

// RecordDroppedEvent records one event lost to sink backpressure.
func (m *Metrics) RecordDroppedEvent(reason string) {
	m.DroppedEvents.WithLabelValues(reason).Inc()
}

// RecordDedupeHit records one duplicate event discarded before emission.
func (m *Metrics) RecordDedupeHit(sourceID string) {
	m.DedupeHits.WithLabelValues(sourceID).Inc()
}

// RecordEventEmitted records one event successfully written to the sink.
func (m *Metrics) RecordEventEmitted(sourceID string) {
	m.EventsEmitted.WithLabelValues(sourceID).Inc()
}
