// Package metrics defines the prometheus collectors shared across the
// coordinator engine, following the injected-registry style used by
// cuemby-warren/pkg/metrics and marmos91-dittofs/pkg/metrics/prometheus
// (collectors are constructed once and passed in, never referenced via
// the global default registry, so tests can assert on them in
// isolation with prometheus/client_golang/prometheus/testutil).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the coordinator emits.
type Metrics struct {
	// LockCallFailures counts cluster lock-protocol calls (lock,
	// relock, unlock) whose aggregate result was "failure", labeled by
	// call and locker token (spec.md 4.C).
	LockCallFailures *prometheus.CounterVec

	// OperationsInFlight is a per-operation-name gauge. It is registered
	// on the registry, but nothing in this module sets or changes it, so
	// it reports zero for every name.
	OperationsInFlight *prometheus.GaugeVec

	// PollWaitSeconds histograms how long each poller wait took end to
	// end, labeled by terminal outcome.
	PollWaitSeconds *prometheus.HistogramVec
}

// New registers and returns a fresh Metrics bundle on reg. Passing a
// prometheus.NewRegistry() in tests keeps assertions isolated from the
// process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockCallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "astacus_lock_call_failure",
			Help: "Count of cluster lock protocol calls that resolved to LockResult.failure.",
		}, []string{"call", "locker"}),
		OperationsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "astacus_operations_in_flight",
			Help: "Number of operations currently running, by operation name.",
		}, []string{"op_name"}),
		PollWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astacus_poll_wait_seconds",
			Help:    "Wall-clock duration of poller waits, by terminal outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.LockCallFailures, m.OperationsInFlight, m.PollWaitSeconds)
	return m
}
