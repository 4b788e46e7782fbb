package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uabridge"

// Metrics is safe to use through a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry       *prometheus.Registry
	sessionState   *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	batchSize      *prometheus.HistogramVec
	transactions   *prometheus.CounterVec
	outstanding    *prometheus.GaugeVec
	updates        *prometheus.CounterVec
	overrides      *prometheus.CounterVec
	sinkDeliveries *prometheus.CounterVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	sessionState := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "session_state",
		Help: "Session state (0 disconnected, 1 connecting, 2 connected, 3 degraded)"}, []string{"session"})
	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "session_reconnects_total",
		Help: "Connection losses followed by a reconnect attempt"}, []string{"session"})
	batchSize := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "batch_size",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12)}, []string{"session", "kind"})
	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "transactions_total"},
		[]string{"session", "kind", "result"})
	outstanding := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "outstanding_transactions"},
		[]string{"session"})
	updates := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "updates_total"},
		[]string{"binding", "reason"})
	overrides := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "update_overrides_total",
		Help: "Updates dropped by full client queues"}, []string{"binding"})
	sinkDeliveries := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sink_deliveries_total"},
		[]string{"sink", "result"})
	r.MustRegister(sessionState, reconnects, batchSize, transactions, outstanding, updates, overrides, sinkDeliveries)

	return &Metrics{
		registry:       r,
		sessionState:   sessionState,
		reconnects:     reconnects,
		batchSize:      batchSize,
		transactions:   transactions,
		outstanding:    outstanding,
		updates:        updates,
		overrides:      overrides,
		sinkDeliveries: sinkDeliveries,
	}
}

func (m *Metrics) SessionState(session string, state int) {
	if m == nil {
		return
	}
	m.sessionState.WithLabelValues(session).Set(float64(state))
}

func (m *Metrics) Reconnect(session string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(session).Inc()
}

func (m *Metrics) Batch(session, kind string, size int) {
	if m == nil {
		return
	}
	m.batchSize.WithLabelValues(session, kind).Observe(float64(size))
}

func (m *Metrics) Transaction(session, kind, result string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(session, kind, result).Inc()
}

func (m *Metrics) Outstanding(session string, n int) {
	if m == nil {
		return
	}
	m.outstanding.WithLabelValues(session).Set(float64(n))
}

func (m *Metrics) Update(binding, reason string, overrides uint64) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(binding, reason).Inc()
	if overrides > 0 {
		m.overrides.WithLabelValues(binding).Add(float64(overrides))
	}
}

func (m *Metrics) SinkDelivery(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkDeliveries.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
