// Package metrics exposes the Prometheus instrumentation for the streaming
// pipeline. All methods are nil-receiver safe so core packages can run
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a panel client or broker.
type Metrics struct {
	registry *prometheus.Registry

	FramesSentTotal    *prometheus.CounterVec
	FramesDroppedTotal *prometheus.CounterVec
	QueueDropsTotal    prometheus.Counter
	ReconnectsTotal    prometheus.Counter
	ParseErrorsTotal   prometheus.Counter
	Connected          prometheus.Gauge
	PanelsRegistered   prometheus.Gauge
	UtterancesTotal    prometheus.Counter
	OrphanFlushesTotal prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coview"
	}
	registry := prometheus.NewRegistry()

	framesSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames written to the duplex channel",
		},
		[]string{"kind"},
	)
	framesDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Media frames dropped because the channel was not open",
		},
		[]string{"kind"},
	)
	queueDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_queue_drops_total",
		Help:      "Control/text frames evicted from the full pending queue",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnect_attempts_total",
		Help:      "Reconnect attempts scheduled after an abrupt close",
	})
	parseErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_parse_errors_total",
		Help:      "Malformed inbound frames dropped",
	})
	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_connected",
		Help:      "1 when the duplex channel is open",
	})
	panels := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_panels_registered",
		Help:      "Panels currently registered with the ownership broker",
	})
	utterances := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "utterances_total",
		Help:      "Completed speech utterances",
	})
	orphanFlushes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphan_flushes_total",
		Help:      "Interim transcripts force-finalized after the orphan timeout",
	})

	registry.MustRegister(framesSent, framesDropped, queueDrops, reconnects,
		parseErrors, connected, panels, utterances, orphanFlushes)

	return &Metrics{
		registry:           registry,
		FramesSentTotal:    framesSent,
		FramesDroppedTotal: framesDropped,
		QueueDropsTotal:    queueDrops,
		ReconnectsTotal:    reconnects,
		ParseErrorsTotal:   parseErrors,
		Connected:          connected,
		PanelsRegistered:   panels,
		UtterancesTotal:    utterances,
		OrphanFlushesTotal: orphanFlushes,
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FrameSent records an outbound frame of the given kind.
func (m *Metrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.FramesSentTotal.WithLabelValues(kind).Inc()
}

// FrameDropped records a media frame dropped while disconnected.
func (m *Metrics) FrameDropped(kind string) {
	if m == nil {
		return
	}
	m.FramesDroppedTotal.WithLabelValues(kind).Inc()
}

// QueueDrop records an eviction from the pending queue.
func (m *Metrics) QueueDrop() {
	if m == nil {
		return
	}
	m.QueueDropsTotal.Inc()
}

// Reconnect records a scheduled reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// ParseError records a dropped malformed inbound frame.
func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.ParseErrorsTotal.Inc()
}

// SetConnected flips the connection gauge.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// SetPanels updates the registered-panels gauge.
func (m *Metrics) SetPanels(n int) {
	if m == nil {
		return
	}
	m.PanelsRegistered.Set(float64(n))
}

// Utterance records a completed utterance.
func (m *Metrics) Utterance() {
	if m == nil {
		return
	}
	m.UtterancesTotal.Inc()
}

// OrphanFlush records a force-finalized interim transcript.
func (m *Metrics) OrphanFlush() {
	if m == nil {
		return
	}
	m.OrphanFlushesTotal.Inc()
}
