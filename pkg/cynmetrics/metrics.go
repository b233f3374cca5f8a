// Package cynmetrics exposes Prometheus metrics for the cynagora
// daemon: rule counts, query latency, and the current change id.
package cynmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RulesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cynagora_rules_total",
			Help: "Total number of stored rules by backend",
		},
		[]string{"backend"},
	)

	ChangeID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cynagora_changeid",
			Help: "Current database change id",
		},
	)

	ConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cynagora_connections_total",
			Help: "Number of open connections by socket",
		},
		[]string{"socket"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cynagora_query_duration_seconds",
			Help:    "Time taken to resolve a check/test query in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cynagora_queries_total",
			Help: "Total number of queries by kind and verdict",
		},
		[]string{"kind", "verdict"},
	)

	AgentInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cynagora_agent_invocations_total",
			Help: "Total number of agent callouts by agent name",
		},
		[]string{"agent"},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cynagora_transactions_total",
			Help: "Total number of committed/rolled back transactions",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RulesTotal,
		ChangeID,
		ConnectionsTotal,
		QueryDuration,
		QueriesTotal,
		AgentInvocationsTotal,
		TransactionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler, served alongside the
// admin socket.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing query and transaction operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
