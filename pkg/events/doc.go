// Package events is an in-memory broker that fans lifecycle and task events
// out to subscribers such as the admin API's event stream. Slow subscribers
// miss events rather than blocking publishers.
package events
