/*
Package api implements the framework's HTTP control surface.

The surface comes up in two steps that follow the framework lifecycle:

	SUBSCRIBED ──► MountAPI   admin routes under /api/<version>
	READY      ──► Activate   /health, /ready, /metrics and the TCP listener

No socket is opened before Activate, and Activate binds at most once no matter
how often the framework reports readiness. A bind that fails because the port
is taken returns an error wrapping types.ErrAddressInUse.

# Routes

	GET  /health                                  "OK" once activated
	GET  /ready                                   component readiness (JSON)
	GET  /metrics                                 Prometheus exposition
	GET  /api/v1/framework                        name, ID, phase, failover
	GET  /api/v1/groups                           task groups with counts
	GET  /api/v1/groups/{name}                    one task group
	PUT  /api/v1/groups/{name}/scale/{instances}  resize a scalable group
	GET  /api/v1/tasks[?group=]                   launched tasks
	GET  /api/v1/events[?limit=]                  framework events as NDJSON
	GET  /api/v1/events/recent[?limit=]           retained event history as JSON

Mutating routes go through a token-bucket limiter and answer 429 when it is
exhausted. Every request is counted and timed in the flink_mesos_api_*
metrics.

When Options.GRPCHealthAddr is set, Activate also serves the standard
grpc.health.v1 service so orchestrators can probe the framework over gRPC.
*/
package api
