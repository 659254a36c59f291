// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StepsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagecollab_steps_committed_total",
		Help: "Steps committed to pages by the merge engine",
	})

	StepsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagecollab_steps_dropped_total",
		Help: "Submitted steps dropped because a concurrent edit invalidated them",
	})

	MergeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecollab_merge_results_total",
		Help: "Step batch submissions by outcome",
	}, []string{"outcome"})

	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagecollab_merge_duration_seconds",
		Help:    "Time from batch receipt to committed version",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	})

	StepLogRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagecollab_step_log_rebuilds_total",
		Help: "Merges that rebuilt intervening steps from stored versions",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagecollab_sessions_active",
		Help: "Collaboration sessions currently open on this node",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecollab_sessions_ended_total",
		Help: "Collaboration sessions ended, by reason",
	}, []string{"reason"})

	BroadcastEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecollab_broadcast_events_total",
		Help: "Events fanned out to page subscribers, by kind",
	}, []string{"kind"})

	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagecollab_broadcast_dropped_total",
		Help: "Events dropped because a subscriber queue was full",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecollab_page_cache_lookups_total",
		Help: "Page cache lookups, by result",
	}, []string{"result"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagecollab_bus_events_total",
		Help: "Committed-step events sent to the event bus, by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
