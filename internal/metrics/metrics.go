// Package metrics exposes tusq's Prometheus instrumentation: pool
// occupancy, acquire/transaction timing, exhaustion counts, and
// handshake failures, all keyed by database alias.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for tusq.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	dirtyDisconnects    *prometheus.CounterVec
	handshakeFailures   *prometheus.CounterVec
	protocolViolations  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on a fresh registry.
// Safe to call more than once (e.g. in tests) — each call returns an
// independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tusq_connections_active",
				Help: "Number of checked-out backend connections per database",
			},
			[]string{"database"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tusq_connections_idle",
				Help: "Number of idle backend connections per database",
			},
			[]string{"database"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tusq_connections_total",
				Help: "Total backend connections (idle + active) per database",
			},
			[]string{"database"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tusq_connections_waiting",
				Help: "Number of sessions waiting for a backend connection per database",
			},
			[]string{"database"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tusq_pool_exhausted_total",
				Help: "Total number of times a checkout had to wait because the pool was at its max size",
			},
			[]string{"database"},
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tusq_transactions_total",
				Help: "Total completed transaction-pooled transactions",
			},
			[]string{"database"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tusq_transaction_duration_seconds",
				Help:    "Duration from backend checkout to return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tusq_acquire_duration_seconds",
				Help:    "Time spent waiting inside DBPool.Checkout",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tusq_dirty_disconnects_total",
				Help: "Client disconnects observed mid-transaction, forcing the backend to be retired",
			},
			[]string{"database"},
		),
		handshakeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tusq_handshake_failures_total",
				Help: "Client or backend startup handshake failures by reason",
			},
			[]string{"database", "reason"},
		),
		protocolViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tusq_protocol_violations_total",
				Help: "Client messages at the idle boundary that were neither Query nor Terminate",
			},
			[]string{"database"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.dirtyDisconnects,
		c.handshakeFailures,
		c.protocolViolations,
	)

	return c
}

// UpdatePoolStats sets the occupancy gauges for one database alias.
func (c *Collector) UpdatePoolStats(alias string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(alias).Set(float64(active))
	c.connectionsIdle.WithLabelValues(alias).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(alias).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(alias).Set(float64(waiting))
}

// PoolExhausted increments the exhaustion counter for alias.
func (c *Collector) PoolExhausted(alias string) {
	c.poolExhausted.WithLabelValues(alias).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(alias string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(alias).Inc()
	c.transactionDuration.WithLabelValues(alias).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a backend connection.
func (c *Collector) AcquireDuration(alias string, d time.Duration) {
	c.acquireDuration.WithLabelValues(alias).Observe(d.Seconds())
}

// DirtyDisconnect increments the dirty disconnect counter for alias.
func (c *Collector) DirtyDisconnect(alias string) {
	c.dirtyDisconnects.WithLabelValues(alias).Inc()
}

// ProtocolViolation increments the protocol-violation counter for alias.
func (c *Collector) ProtocolViolation(alias string) {
	c.protocolViolations.WithLabelValues(alias).Inc()
}

// HandshakeFailure increments the handshake failure counter for alias and
// reason. alias may be empty when the failure occurs before the client's
// database parameter is known.
func (c *Collector) HandshakeFailure(alias, reason string) {
	c.handshakeFailures.WithLabelValues(alias, reason).Inc()
}

// RemoveDatabase clears every series for alias, for use when a config
// reload drops a database that previously had a live pool.
func (c *Collector) RemoveDatabase(alias string) {
	c.connectionsActive.DeleteLabelValues(alias)
	c.connectionsIdle.DeleteLabelValues(alias)
	c.connectionsTotal.DeleteLabelValues(alias)
	c.connectionsWaiting.DeleteLabelValues(alias)
	c.poolExhausted.DeleteLabelValues(alias)
	c.transactionsTotal.DeletePartialMatch(prometheus.Labels{"database": alias})
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"database": alias})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"database": alias})
	c.dirtyDisconnects.DeleteLabelValues(alias)
	c.handshakeFailures.DeletePartialMatch(prometheus.Labels{"database": alias})
	c.protocolViolations.DeleteLabelValues(alias)
}
