/*
Package storage persists framework state in a BoltDB file under the data
directory.

Three things survive a restart:

  - the framework ID assigned by the master, so the framework re-registers
    as itself and keeps its running tasks
  - one record per non-terminal task with its placement and host ports
  - the last fatal failure, for post-mortem inspection

The framework ID and last failure live in the "framework" bucket, tasks in
"tasks"; values are JSON. Store is the interface
the rest of the code depends on, BoltStore the only implementation.
*/
package storage
