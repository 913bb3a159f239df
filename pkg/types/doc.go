/*
Package types defines the framework's domain model: the validated Framework
configuration, task groups and their container descriptors, and the sentinel
errors shared across packages.

A TaskGroup is immutable once built by NewTaskGroup. The With* methods
return modified copies, which keeps a Framework safe to share between the
lifecycle, the scheduler and the admin API without locking.

A group may bind its memory requirement to an environment variable of the
container (the TaskManager heap size). WithResolvedResources reads that
variable through a Lookup and keeps the requirement and the variable equal.
*/
package types
