package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/flink-mesos/pkg/types"
)

// Scripted is an Engine whose events are injected by the caller. It records
// every call so tests and dry runs can assert on the interaction.
type Scripted struct {
	mu           sync.Mutex
	events       chan Event
	closed       bool
	subscribes   []string
	launches     [][]*types.TaskGroup
	kills        []string
	subscribeErr error
}

// NewScripted creates a scripted engine with a buffered event channel
func NewScripted() *Scripted {
	return &Scripted{events: make(chan Event, 64)}
}

// FailSubscribe makes the next Subscribe calls return err
func (s *Scripted) FailSubscribe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

func (s *Scripted) Subscribe(ctx context.Context, fw *types.Framework, frameworkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.subscribes = append(s.subscribes, frameworkID)
	return nil
}

func (s *Scripted) Launch(ctx context.Context, groups []*types.TaskGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launches = append(s.launches, groups)
	return nil
}

func (s *Scripted) Kill(ctx context.Context, taskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kills = append(s.kills, taskIDs...)
	return nil
}

func (s *Scripted) Events() <-chan Event {
	return s.events
}

func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit queues an event for delivery
func (s *Scripted) Emit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("engine closed")
	}
	s.events <- ev
	return nil
}

// EmitSubscribed queues a subscribed event
func (s *Scripted) EmitSubscribed(frameworkID string, failover time.Duration) error {
	return s.Emit(Event{
		Type:       EventSubscribed,
		Subscribed: &SubscribedPayload{FrameworkID: frameworkID, FailoverTimeout: failover},
	})
}

// EmitReady queues a ready event
func (s *Scripted) EmitReady() error {
	return s.Emit(Event{Type: EventReady})
}

// EmitError queues an error event
func (s *Scripted) EmitError(message, stack string) error {
	return s.Emit(Event{
		Type:  EventError,
		Error: &ErrorPayload{Message: message, Stack: stack},
	})
}

// Subscribes returns the framework IDs passed to Subscribe, in order
func (s *Scripted) Subscribes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribes...)
}

// Launches returns the group batches passed to Launch, in order
func (s *Scripted) Launches() [][]*types.TaskGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*types.TaskGroup(nil), s.launches...)
}

// Kills returns the task IDs passed to Kill, in order
func (s *Scripted) Kills() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kills...)
}
