/*
Package metrics publishes the storage engine's Prometheus instrumentation.

PURPOSE:
  The transaction engine, persister, and stream each report a handful of
  counters/gauges so an operator can see commit throughput and latency,
  rollback rate, persister appends and failures, and subscriber fan-out
  without reading logs.
  Everything is registered against an injected prometheus.Registerer
  (never the global DefaultRegisterer) so test suites that construct many
  storages don't collide on metric registration.

SEE ALSO:
  - storage/transaction.go: TransactionCommitted/TransactionRolledBack/ObserveCommitDuration
  - stream/stream.go: PersisterAppend/PersisterAppendFailed and SetStreamSubscribers
*/
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every Prometheus collector the engine touches.
type Metrics struct {
	transactionsCommitted  prometheus.Counter
	transactionsRolledBack prometheus.Counter
	commitDuration         prometheus.Histogram
	persisterAppends       prometheus.Counter
	persisterAppendFailed  prometheus.Counter
	streamSubscribers      prometheus.Gauge
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid cross-test collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transactionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_transactions_committed_total",
			Help: "Number of transactions that committed a non-empty journal.",
		}),
		transactionsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_transactions_rolled_back_total",
			Help: "Number of transactions rolled back (explicit signal or error).",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storage_commit_duration_seconds",
			Help:    "Wall time spent holding the storage mutex during a committing transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		persisterAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_persister_append_total",
			Help: "Number of records appended to the persister.",
		}),
		persisterAppendFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_persister_append_failed_total",
			Help: "Number of persister append failures (each one poisons its storage).",
		}),
		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storage_stream_subscribers",
			Help: "Current number of subscribers attached to the stream.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.transactionsCommitted,
			m.transactionsRolledBack,
			m.commitDuration,
			m.persisterAppends,
			m.persisterAppendFailed,
			m.streamSubscribers,
		)
	}
	return m
}

// NoOp returns a Metrics whose collectors are never registered anywhere;
// safe default for constructors that don't want to thread a registry
// through every call site.
func NoOp() *Metrics {
	return New(nil)
}

func (m *Metrics) TransactionCommitted() {
	if m == nil {
		return
	}
	m.transactionsCommitted.Inc()
}

func (m *Metrics) TransactionRolledBack() {
	if m == nil {
		return
	}
	m.transactionsRolledBack.Inc()
}

func (m *Metrics) ObserveCommitDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(d.Seconds())
}

func (m *Metrics) PersisterAppend() {
	if m == nil {
		return
	}
	m.persisterAppends.Inc()
}

func (m *Metrics) PersisterAppendFailed() {
	if m == nil {
		return
	}
	m.persisterAppendFailed.Inc()
}

func (m *Metrics) SetStreamSubscribers(n int) {
	if m == nil {
		return
	}
	m.streamSubscribers.Set(float64(n))
}
