/*
Package scheduler decides where Flink tasks run.

The Tracker holds the desired instance count of every task group and the
tasks currently placed for it. It does not talk to Mesos itself: the engine
hands it resource offers and status updates and acts on what it returns.

# Offer matching

Match walks groups in priority order (JobManagers before TaskManagers) and
places missing instances first-fit onto the offers, subtracting CPU, memory,
disk and host ports from each offer as tasks are packed onto it. Offers that
received no task are returned for declining. Until Enable is called every
offer is declined, which keeps a subscribed but not yet ready framework from
launching anything.

# Task identity

Task IDs have the form "<group>.<uuid>". GroupOf recovers the group from an
ID, which lets status updates for restored tasks be attributed without extra
bookkeeping.

# State changes

UpdateStatus records a task state reported by the master. Terminal states
free the slot so the next offer round replaces the task. Scale changes the
desired count of a scalable group and returns the surplus tasks the caller
should kill. Every change is passed to the OnChange callback, which the
framework uses to persist records.
*/
package scheduler
