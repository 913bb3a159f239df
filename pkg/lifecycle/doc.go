/*
Package lifecycle drives the framework from registration to readiness.

Transition is a pure function over State: given an event it returns the next
state and the commands to run. The Controller owns the only State and applies
events from a single goroutine, executing commands (subscribe, mount the admin
API, launch task groups, activate the listener) as Transition asks.

	unregistered -> subscribing -> subscribed -> ready
	                     |              |
	                     +----> failed <+

A registration error is always fatal. Other faults follow the FaultPolicy:
FaultCrash fails the controller, FaultContinue logs and keeps going.
*/
package lifecycle
