// Package metrics exposes the per-helper load and lock-promotion state
// the load balancer and auto-async scheduler need to observe, in the
// package-level prometheus.Collector-vars-plus-sync.Once style the
// storage-worker committee node uses for its round gauges.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HelperOpLoad counts ops redirected to a helper, labeled by helper
	// world rank. The op_counting policy does not read it; rma's Balancer
	// keeps its own per-helper op counts.
	HelperOpLoad = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asp_helper_op_total",
			Help: "Total ops redirected to a helper rank.",
		},
		[]string{"helper_rank"},
	)

	// HelperByteLoad counts payload bytes redirected to a helper, labeled
	// by helper world rank. The byte_counting policy does not read it; rma's
	// Balancer keeps its own per-helper byte counts.
	HelperByteLoad = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asp_helper_bytes_total",
			Help: "Total payload bytes redirected to a helper rank.",
		},
		[]string{"helper_rank"},
	)

	// LockState reports the current lock-promotion state machine state
	// (spec.md §4.5) for a given target rank's lock, as a gauge over the
	// small enumerated states (0=reset,1=op_issued,2=granted).
	LockState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asp_lock_promotion_state",
			Help: "Current lock-promotion state for a target rank's passive-epoch lock.",
		},
		[]string{"target_rank"},
	)

	// AutoAsyncTransitions counts scheduler on/off transitions, labeled by
	// direction, so the hysteresis thresholds' real-world flip frequency
	// is observable.
	AutoAsyncTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asp_auto_async_transitions_total",
			Help: "Auto-async scheduler on/off transitions.",
		},
		[]string{"direction"},
	)

	// CircuitBreakerState mirrors gobreaker's own state (0=closed,
	// 1=half-open, 2=open) per helper, so an excluded helper is visible
	// alongside the load it would otherwise have carried.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asp_helper_circuit_state",
			Help: "gobreaker state for a helper's circuit breaker.",
		},
		[]string{"helper_rank"},
	)

	collectors = []prometheus.Collector{
		HelperOpLoad,
		HelperByteLoad,
		LockState,
		AutoAsyncTransitions,
		CircuitBreakerState,
	}

	registerOnce sync.Once
)

// Register adds every collector to reg exactly once per process, even if
// called from multiple windows' setup paths concurrently.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		for _, c := range collectors {
			reg.MustRegister(c)
		}
	})
}
