/*
Package metrics provides Prometheus metrics and component health for the
framework.

All collectors are registered with the default Prometheus registry when
the package initializes. Handler exposes them; the admin API mounts it at
/metrics.

# Metrics

Lifecycle:

	flink_mesos_lifecycle_phase{phase}            1 for the current phase, 0 otherwise
	flink_mesos_lifecycle_transitions_total{event}
	flink_mesos_faults_total{kind}
	flink_mesos_resubscriptions_total

Offers and tasks:

	flink_mesos_offers_received_total
	flink_mesos_offers_declined_total
	flink_mesos_offer_match_seconds               time spent in Tracker.Match
	flink_mesos_tasks_launched_total{group}
	flink_mesos_tasks_failed_total{group}
	flink_mesos_tasks{state}                      sampled by the Collector

Admin API:

	flink_mesos_api_requests_total{method,route,status}
	flink_mesos_api_request_duration_seconds{route}

# Collector

Gauges that mirror tracker state are refreshed on an interval rather than on
every change:

	c := metrics.NewCollector(tracker, 15*time.Second)
	c.Start()
	defer c.Stop()

States that disappear from the tracker are reset to zero so stale series do
not linger.

# Timing

	timer := metrics.NewTimer()
	launches, declines := tracker.Match(offers)
	timer.ObserveDuration(metrics.MatchLatency)

# Health

HealthChecker records the health of named components. Readiness requires
every critical component (lifecycle, storage, api by default) to be healthy;
ReadyHandler and DetailHandler serve it as JSON.
*/
package metrics
