package telemetry

import "github.com/prometheus/client_golang/prometheus"

var PullsEnqueuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "imagegw",
		Subsystem: "pulls",
		Name:      "enqueued_total",
		Help:      "Total number of new pulls enqueued.",
	},
)

var PullsPiggybackedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "imagegw",
		Subsystem: "pulls",
		Name:      "piggybacked_total",
		Help:      "Total number of pull requests that piggybacked on an in-flight pull.",
	},
)

var PullsServedCachedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "imagegw",
		Subsystem: "pulls",
		Name:      "served_cached_total",
		Help:      "Total number of pull requests served from a cached READY record.",
	},
)

var ReconcilerEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imagegw",
		Subsystem: "reconciler",
		Name:      "events_total",
		Help:      "Total number of worker status events processed, by outcome.",
	},
	[]string{"outcome"},
)

var ReconcilerEventErrorsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "imagegw",
		Subsystem: "reconciler",
		Name:      "event_errors_total",
		Help:      "Total number of worker status events that failed to reconcile and were logged.",
	},
)

var StoreRetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "imagegw",
		Subsystem: "store",
		Name:      "retries_total",
		Help:      "Total number of RecordStore operations retried after a transient connection loss.",
	},
)

var AutoexpireGCTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imagegw",
		Subsystem: "autoexpire",
		Name:      "gc_total",
		Help:      "Total number of records garbage-collected or dispatched for reclamation by autoexpire.",
	},
	[]string{"platform"},
)

// All returns all imagegw-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		PullsEnqueuedTotal,
		PullsPiggybackedTotal,
		PullsServedCachedTotal,
		ReconcilerEventsTotal,
		ReconcilerEventErrorsTotal,
		StoreRetriesTotal,
		AutoexpireGCTotal,
	}
}

// ManagerMetrics implements the narrow pkg/manager.Metrics interface over
// the package-level Prometheus counters, so cmd/imagegw can wire real
// metrics into the Manager without pkg/manager importing Prometheus.
type ManagerMetrics struct{}

func (ManagerMetrics) IncPullsEnqueued()     { PullsEnqueuedTotal.Inc() }
func (ManagerMetrics) IncPullsPiggybacked()  { PullsPiggybackedTotal.Inc() }
func (ManagerMetrics) IncPullsServedCached() { PullsServedCachedTotal.Inc() }

func (ManagerMetrics) AddAutoexpireGC(platform string, n int) {
	AutoexpireGCTotal.WithLabelValues(platform).Add(float64(n))
}

// ReconcilerMetrics implements the narrow pkg/reconciler.Metrics interface
// over the package-level Prometheus counters.
type ReconcilerMetrics struct{}

func (ReconcilerMetrics) IncEvent(outcome string) { ReconcilerEventsTotal.WithLabelValues(outcome).Inc() }
func (ReconcilerMetrics) IncEventError()          { ReconcilerEventErrorsTotal.Inc() }
