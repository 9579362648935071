package solace

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Ingest outcomes, also used as metric label values.
type IngestResult string

const (
	IngestAppended   IngestResult = "appended"
	IngestReconciled IngestResult = "reconciled"
	IngestDuplicate  IngestResult = "duplicate"
	IngestRouted     IngestResult = "routed"
)

// Send paths.
const (
	sendPathRealtime = "realtime"
	sendPathREST     = "rest"
)

// Metrics instruments the messaging core. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ingested      *prometheus.CounterVec
	droppedEvents *prometheus.CounterVec
	sends         *prometheus.CounterVec
	reconnects    prometheus.Counter
	staleLoads    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solace",
			Subsystem: "messaging",
			Name:      "ingested_messages_total",
			Help:      "Messages passed through ingestion, by outcome.",
		}, []string{"outcome"}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solace",
			Subsystem: "messaging",
			Name:      "dropped_events_total",
			Help:      "Malformed live-channel events dropped, by event type.",
		}, []string{"event"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "solace",
			Subsystem: "messaging",
			Name:      "sends_total",
			Help:      "Outgoing message dispatches, by path and result.",
		}, []string{"path", "result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "solace",
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		staleLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "solace",
			Subsystem: "messaging",
			Name:      "stale_loads_total",
			Help:      "Page loads discarded after a conversation switch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ingested, m.droppedEvents, m.sends, m.reconnects, m.staleLoads)
	}
	return m
}

func (m *Metrics) ingest(result IngestResult) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(string(result)).Inc()
}

func (m *Metrics) droppedEvent(eventType string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) send(path string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sends.WithLabelValues(path, result).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) staleLoad() {
	if m == nil {
		return
	}
	m.staleLoads.Inc()
}
