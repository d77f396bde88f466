package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the relay.
// Every Record method is safe on a nil *Metrics.
type Metrics struct {
	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	// Question metrics
	Questions       *prometheus.CounterVec
	ProducerErrors  prometheus.Counter
	AnswerLatency   prometheus.Histogram
	FragmentsStored prometheus.Counter
	FragmentsLost   prometheus.Counter

	// Relay metrics
	RelaysActive  prometheus.Gauge
	RelayOutcomes *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec

	// Retention metrics
	EntriesTrimmed prometheus.Counter
}

var globalMetrics *Metrics

// ListenerCounter is satisfied by the listener registry.
type ListenerCounter interface {
	ActiveCount() int
}

// InitMetrics initializes the Prometheus metrics
func InitMetrics(connManager *ConnectionManager, listeners ListenerCounter) *Metrics {
	metrics := &Metrics{
		// WebSocket active connections (gauge - can go up and down)
		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamrelay_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		// WebSocket messages by type (counter - only goes up)
		WebSocketMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrelay_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		Questions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrelay_questions_total",
			Help: "Total number of questions accepted",
		}, []string{"mode"}), // mode: "stream" or "sync"

		ProducerErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_producer_errors_total",
			Help: "Total number of answers that ended with a producer error",
		}),

		AnswerLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamrelay_answer_duration_seconds",
			Help:    "Time from question accepted to END appended",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		FragmentsStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_fragments_appended_total",
			Help: "Total number of answer fragments appended to the log",
		}),

		FragmentsLost: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_fragments_dropped_total",
			Help: "Total number of answer fragments lost to append failures",
		}),

		RelaysActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamrelay_relays_active",
			Help: "Number of relay loops currently running",
		}),

		RelayOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrelay_relays_finished_total",
			Help: "Relay loops finished, by strategy and outcome",
		}, []string{"strategy", "outcome"}),

		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamrelay_deliveries_total",
			Help: "Entries pushed to connections, by kind",
		}, []string{"kind"}),

		EntriesTrimmed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamrelay_entries_trimmed_total",
			Help: "Stream entries removed by the retention job",
		}),
	}

	// Register collectors that read live counts on scrape
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "streamrelay_websocket_connections_current",
			Help: "Current number of WebSocket connections (from connection manager)",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "streamrelay_listeners_active",
			Help: "Connections currently flagged active in the listener registry",
		},
		func() float64 {
			if listeners != nil {
				return float64(listeners.ActiveCount())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordQuestion records an accepted question
func (m *Metrics) RecordQuestion(mode string) {
	if m == nil {
		return
	}
	m.Questions.WithLabelValues(mode).Inc()
}

// RecordAnswer records a framed answer
func (m *Metrics) RecordAnswer(seconds float64, fragments, dropped int, failed bool) {
	if m == nil {
		return
	}
	m.AnswerLatency.Observe(seconds)
	m.FragmentsStored.Add(float64(fragments))
	m.FragmentsLost.Add(float64(dropped))
	if failed {
		m.ProducerErrors.Inc()
	}
}

// RecordProducerError records a failed non-streaming answer
func (m *Metrics) RecordProducerError() {
	if m == nil {
		return
	}
	m.ProducerErrors.Inc()
}

// RecordRelayStart records a relay loop starting
func (m *Metrics) RecordRelayStart() {
	if m == nil {
		return
	}
	m.RelaysActive.Inc()
}

// RecordRelayEnd records a relay loop finishing
func (m *Metrics) RecordRelayEnd(strategy, outcome string) {
	if m == nil {
		return
	}
	m.RelaysActive.Dec()
	m.RelayOutcomes.WithLabelValues(strategy, outcome).Inc()
}

// RecordDelivery records an entry pushed to a connection
func (m *Metrics) RecordDelivery(kind string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(kind).Inc()
}

// RecordTrimmed records entries removed by retention
func (m *Metrics) RecordTrimmed(n int64) {
	if m == nil {
		return
	}
	m.EntriesTrimmed.Add(float64(n))
}
