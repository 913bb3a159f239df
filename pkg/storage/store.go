package storage

import (
	"errors"
	"time"

	"github.com/cuemby/flink-mesos/pkg/scheduler"
)

// ErrNotFound is returned when a key has no stored value
var ErrNotFound = errors.New("not found")

// Failure is the persisted record of the last fatal lifecycle error
type Failure struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	At      time.Time `json:"at"`
}

// Store defines the interface for framework state storage
type Store interface {
	// Subscription
	SaveFrameworkID(id string) error
	GetFrameworkID() (string, error)

	// Tasks
	SaveTask(task scheduler.Task) error
	ListTasks() ([]scheduler.Task, error)
	DeleteTask(id string) error

	// Failures
	SaveFailure(f Failure) error
	LastFailure() (*Failure, error)

	// Utility
	Close() error
}
