package engine

import (
	"context"
	"time"

	"github.com/cuemby/flink-mesos/pkg/types"
)

// EventType names a notification delivered by the scheduling engine
type EventType string

const (
	EventSubscribed EventType = "subscribed"
	EventReady      EventType = "ready"
	EventError      EventType = "error"
	EventTaskUpdate EventType = "task_update"
)

// SubscribedPayload accompanies EventSubscribed
type SubscribedPayload struct {
	FrameworkID     string
	FailoverTimeout time.Duration
}

// ErrorPayload accompanies EventError
type ErrorPayload struct {
	Message string
	Stack   string
}

// TaskUpdatePayload accompanies EventTaskUpdate
type TaskUpdatePayload struct {
	TaskID  string
	Group   string
	State   string
	Message string
}

// Event is a notification from the engine. Exactly one payload is set for
// subscribed, error and task_update events; ready carries none.
type Event struct {
	Type       EventType
	Subscribed *SubscribedPayload
	Error      *ErrorPayload
	TaskUpdate *TaskUpdatePayload
}

// Engine is the resource-offer matching runtime the framework plugs into.
// It owns the connection to the cluster master and reports progress on the
// Events channel. Subscribe must not block on the subscription itself.
type Engine interface {
	// Subscribe starts registration. frameworkID is empty on first start and
	// the previously assigned ID when re-registering after a restart.
	Subscribe(ctx context.Context, fw *types.Framework, frameworkID string) error

	// Launch hands the task groups over for offer matching. It is only
	// called once the subscription is established.
	Launch(ctx context.Context, groups []*types.TaskGroup) error

	// Kill asks the cluster to stop the given tasks
	Kill(ctx context.Context, taskIDs []string) error

	// Events delivers engine notifications in order
	Events() <-chan Event

	// Close releases the engine connection
	Close() error
}
