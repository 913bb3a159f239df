// Package mesos implements engine.Engine on top of the Mesos v1 scheduler
// HTTP API. The event stream is RecordIO framed JSON; calls are plain JSON
// POSTs tagged with the Mesos-Stream-Id of the current subscription.
package mesos
