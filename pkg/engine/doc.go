// Package engine defines the boundary between the lifecycle and a cluster
// manager. Scripted is an in-process Engine driven by tests and dry runs.
package engine
