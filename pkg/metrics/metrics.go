package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle metrics
	LifecyclePhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flink_mesos_lifecycle_phase",
			Help: "Current lifecycle phase (1 for the active phase, 0 otherwise)",
		},
		[]string{"phase"},
	)

	LifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flink_mesos_lifecycle_transitions_total",
			Help: "Total number of lifecycle transitions by event",
		},
		[]string{"event"},
	)

	Faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flink_mesos_faults_total",
			Help: "Total number of registration errors and uncaught faults",
		},
		[]string{"kind"},
	)

	Resubscriptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flink_mesos_resubscriptions_total",
			Help: "Total number of re-subscriptions after master failover",
		},
	)

	// Offer metrics
	OffersReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flink_mesos_offers_received_total",
			Help: "Total number of resource offers received",
		},
	)

	OffersDeclined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flink_mesos_offers_declined_total",
			Help: "Total number of resource offers declined",
		},
	)

	// Task metrics
	TasksLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flink_mesos_tasks_launched_total",
			Help: "Total number of tasks launched by task group",
		},
		[]string{"group"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flink_mesos_tasks_failed_total",
			Help: "Total number of tasks that ended in a failure state",
		},
		[]string{"group"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flink_mesos_tasks",
			Help: "Number of known tasks by state",
		},
		[]string{"state"},
	)

	MatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flink_mesos_offer_match_seconds",
			Help:    "Time taken to match an offer batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flink_mesos_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flink_mesos_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(LifecyclePhase)
	prometheus.MustRegister(LifecycleTransitions)
	prometheus.MustRegister(Faults)
	prometheus.MustRegister(Resubscriptions)
	prometheus.MustRegister(OffersReceived)
	prometheus.MustRegister(OffersDeclined)
	prometheus.MustRegister(TasksLaunched)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(MatchLatency)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// SetPhase marks phase as the only active lifecycle phase
func SetPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		LifecyclePhase.WithLabelValues(p).Set(v)
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
