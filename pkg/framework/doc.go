// Package framework assembles the Flink framework process: it opens the
// state store, restores tasks and the framework ID, and connects the
// scheduling engine, the offer tracker, the control surface and the
// lifecycle controller that sequences them.
package framework
