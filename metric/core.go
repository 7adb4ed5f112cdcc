package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all writer-level metrics (not acquisition content)
type Metrics struct {
	// Message metrics
	MessagesReceived  *prometheus.CounterVec
	MessagesProcessed *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	// Writer metrics
	WritersActive        prometheus.Gauge
	ActiveProducers      *prometheus.GaugeVec
	WritesTotal          *prometheus.CounterVec
	FlushesTotal         *prometheus.CounterVec
	FlushDuration        *prometheus.HistogramVec
	SideChannelEvictions *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all writer metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "odin",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of meta messages received",
			},
			[]string{"acquisition", "type"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "odin",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of meta messages processed",
			},
			[]string{"acquisition", "type", "status"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "odin",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"acquisition", "type"},
		),

		WritersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "odin",
				Subsystem: "writer",
				Name:      "active",
				Help:      "Number of acquisition writers currently managed",
			},
		),

		ActiveProducers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "odin",
				Subsystem: "writer",
				Name:      "active_producers",
				Help:      "Number of producer processes started but not yet stopped",
			},
			[]string{"acquisition"},
		),

		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "odin",
				Subsystem: "writer",
				Name:      "writes_total",
				Help:      "Total number of write frame messages processed",
			},
			[]string{"acquisition"},
		),

		FlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "odin",
				Subsystem: "writer",
				Name:      "flushes_total",
				Help:      "Total number of dataset flushes",
			},
			[]string{"acquisition"},
		),

		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "odin",
				Subsystem: "writer",
				Name:      "flush_duration_seconds",
				Help:      "Dataset flush duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"acquisition"},
		),

		SideChannelEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "odin",
				Subsystem: "writer",
				Name:      "side_channel_evictions_total",
				Help:      "Total number of side channel records evicted before their offset arrived",
			},
			[]string{"acquisition"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "odin",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "odin",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordMessageReceived increments received message counter
func (c *Metrics) RecordMessageReceived(acquisition, messageType string) {
	c.MessagesReceived.WithLabelValues(acquisition, messageType).Inc()
}

// RecordMessageProcessed increments processed message counter
func (c *Metrics) RecordMessageProcessed(acquisition, messageType, status string) {
	c.MessagesProcessed.WithLabelValues(acquisition, messageType, status).Inc()
}

// RecordError increments error counter
func (c *Metrics) RecordError(acquisition, errorType string) {
	c.ErrorsTotal.WithLabelValues(acquisition, errorType).Inc()
}

// RecordWritersActive updates the managed writer gauge
func (c *Metrics) RecordWritersActive(count int) {
	c.WritersActive.Set(float64(count))
}

// RecordActiveProducers updates the producer gauge for an acquisition
func (c *Metrics) RecordActiveProducers(acquisition string, count int) {
	c.ActiveProducers.WithLabelValues(acquisition).Set(float64(count))
}

// RecordWrite increments the write counter for an acquisition
func (c *Metrics) RecordWrite(acquisition string) {
	c.WritesTotal.WithLabelValues(acquisition).Inc()
}

// RecordFlush increments the flush counter and records its duration
func (c *Metrics) RecordFlush(acquisition string, duration time.Duration) {
	c.FlushesTotal.WithLabelValues(acquisition).Inc()
	c.FlushDuration.WithLabelValues(acquisition).Observe(duration.Seconds())
}

// RecordSideChannelEviction increments the eviction counter
func (c *Metrics) RecordSideChannelEviction(acquisition string) {
	c.SideChannelEvictions.WithLabelValues(acquisition).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
