// Package metrics holds the Prometheus collectors shared by the host and
// remote sides of a session.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lstrpc"

var (
	Registry = prometheus.NewRegistry()

	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of calls by side, method and outcome.",
		},
		[]string{"side", "method", "outcome"},
	)

	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Latency of calls.",
			// 1ms .. ~65s; a cold parse of a large solution is slow.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 17),
		},
		[]string{"side", "method"},
	)

	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Envelope payload bytes by direction.",
		},
		[]string{"direction"},
	)

	RefLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ref_lookups_total",
			Help:      "Reference cache lookups by side, namespace and result.",
		},
		[]string{"side", "namespace", "result"},
	)

	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state transitions by target state.",
		},
		[]string{"state"},
	)

	FailedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_sessions_total",
			Help:      "Sessions that ended in the Failed state.",
		},
	)

	ProcessStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "Remote processes spawned.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(CallsTotal, CallDuration, BytesTotal, RefLookups,
		StateTransitions, FailedSessions, ProcessStarts, uptime)
}

// Handler exposes /metrics. Mount it with mux.Handle("/metrics", metrics.Handler()).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveCall records the outcome and latency of one call.
func ObserveCall(side, method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	CallsTotal.WithLabelValues(side, method, outcome).Inc()
	CallDuration.WithLabelValues(side, method).Observe(time.Since(start).Seconds())
}

// RefObserver returns a function counting reference cache lookups for side.
func RefObserver(side string) func(namespace string, hit bool) {
	return func(ns string, hit bool) {
		result := "miss"
		if hit {
			result = "hit"
		}
		RefLookups.WithLabelValues(side, ns, result).Inc()
	}
}
