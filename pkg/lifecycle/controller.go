package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuemby/flink-mesos/pkg/engine"
	"github.com/cuemby/flink-mesos/pkg/events"
	"github.com/cuemby/flink-mesos/pkg/log"
	"github.com/cuemby/flink-mesos/pkg/metrics"
	"github.com/cuemby/flink-mesos/pkg/storage"
	"github.com/cuemby/flink-mesos/pkg/types"
	"github.com/rs/zerolog"
)

// Surface is the control surface driven by the lifecycle: the admin API is
// mounted on subscription and the listener is started on readiness.
type Surface interface {
	MountAPI(ctx context.Context) error
	Activate(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Launcher enables offer matching for task groups
type Launcher interface {
	Enable(groups ...*types.TaskGroup)
}

// Store is the subset of storage the controller writes to
type Store interface {
	SaveFrameworkID(id string) error
	SaveFailure(f storage.Failure) error
}

// Config wires a Controller to its collaborators. Store, Launcher, Broker and
// Health are optional.
type Config struct {
	Framework   *types.Framework
	Engine      engine.Engine
	Surface     Surface
	Store       Store
	Launcher    Launcher
	Broker      *events.Broker
	Health      *metrics.HealthChecker
	FaultPolicy FaultPolicy

	// FrameworkID is a previously assigned ID to re-register with
	FrameworkID string

	// ShutdownTimeout bounds the surface shutdown on failure
	ShutdownTimeout time.Duration
}

// Controller owns the lifecycle state. A single goroutine running Run applies
// every event; State may be called concurrently.
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.RWMutex
	state State

	faults chan Event
	done   chan struct{}
	now    func() time.Time
}

// New validates the configuration and creates a controller in the
// unregistered phase.
func New(cfg Config) (*Controller, error) {
	if cfg.Framework == nil {
		return nil, errors.New("lifecycle: framework configuration is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("lifecycle: engine is required")
	}
	if cfg.Surface == nil {
		return nil, errors.New("lifecycle: control surface is required")
	}
	if cfg.FaultPolicy == "" {
		cfg.FaultPolicy = FaultCrash
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	c := &Controller{
		cfg:    cfg,
		logger: log.WithComponent("lifecycle"),
		state:  State{Phase: PhaseUnregistered},
		faults: make(chan Event, 16),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	c.observePhase(PhaseUnregistered)
	return c, nil
}

// State returns a snapshot of the lifecycle state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	if s.LastError != nil {
		f := *s.LastError
		s.LastError = &f
	}
	return s
}

// Done is closed when Run returns
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// ReportFault delivers an uncaught runtime error to the event loop. It never
// blocks; when the fault queue is full the fault is only logged.
func (c *Controller) ReportFault(err error, stack string) {
	if err == nil {
		return
	}
	ev := Event{Type: EventFault, Message: err.Error(), Stack: stack}
	select {
	case c.faults <- ev:
	default:
		c.logger.Error().Err(err).Str("stack", stack).Msg("Fault queue full, dropping fault")
	}
}

// Go runs fn in a goroutine and reports a panic as a fault
func (c *Controller) Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.ReportFault(fmt.Errorf("panic in %s: %v", name, r), string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// Run starts registration and processes events until ctx is cancelled or the
// controller fails. A cancelled context is a clean stop and returns nil.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	if err := c.dispatch(ctx, Event{Type: EventStart}); err != nil {
		return err
	}

	stream := c.cfg.Engine.Events()
	for {
		if s := c.State(); s.Phase == PhaseFailed {
			return s.FailureError()
		}

		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Lifecycle stopping")
			c.shutdown()
			return nil

		case ev, ok := <-stream:
			if !ok {
				stream = nil
				c.dispatchLogged(ctx, Event{Type: EventError, Message: "engine event stream closed"})
				continue
			}
			c.handleEngineEvent(ctx, ev)

		case ev := <-c.faults:
			c.dispatchLogged(ctx, ev)
		}
	}
}

func (c *Controller) handleEngineEvent(ctx context.Context, ev engine.Event) {
	switch ev.Type {
	case engine.EventSubscribed:
		in := Event{Type: EventSubscribed}
		if ev.Subscribed != nil {
			in.SubscriptionID = ev.Subscribed.FrameworkID
			in.FailoverTimeout = ev.Subscribed.FailoverTimeout
		}
		c.dispatchLogged(ctx, in)

	case engine.EventReady:
		c.dispatchLogged(ctx, Event{Type: EventReady})

	case engine.EventError:
		in := Event{Type: EventError}
		if ev.Error != nil {
			in.Message = ev.Error.Message
			in.Stack = ev.Error.Stack
		}
		c.dispatchLogged(ctx, in)

	case engine.EventTaskUpdate:
		c.taskUpdate(ev.TaskUpdate)

	default:
		c.logger.Warn().Str("event", string(ev.Type)).Msg("Ignoring unknown engine event")
	}
}

func (c *Controller) taskUpdate(u *engine.TaskUpdatePayload) {
	if u == nil {
		return
	}
	logger := log.WithTaskID(u.TaskID)
	logger.Debug().Str("task_group", u.Group).Str("state", u.State).Msg("Task status update")

	t := events.EventTaskUpdated
	switch u.State {
	case "TASK_FAILED", "TASK_LOST", "TASK_ERROR", "TASK_DROPPED", "TASK_GONE":
		t = events.EventTaskFailed
		metrics.TasksFailed.WithLabelValues(u.Group).Inc()
		logger.Warn().Str("task_group", u.Group).Str("state", u.State).Str("reason", u.Message).Msg("Task failed")
	}
	c.publish(t, u.Message, "task_id", u.TaskID, "group", u.Group, "state", u.State)
}

// dispatchLogged dispatches and logs rejected transitions; out of order
// events never change the state.
func (c *Controller) dispatchLogged(ctx context.Context, ev Event) {
	if err := c.dispatch(ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Lifecycle event rejected")
	}
}

// dispatch applies one event and runs the resulting commands in order. A
// failing command is fed back as a new event.
func (c *Controller) dispatch(ctx context.Context, ev Event) error {
	c.mu.Lock()
	prev := c.state
	next, commands, err := Transition(prev, ev, c.cfg.FaultPolicy, c.now())
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = next
	c.mu.Unlock()

	metrics.LifecycleTransitions.WithLabelValues(string(ev.Type)).Inc()
	if next.Phase != prev.Phase {
		c.logger.Info().Str("from", string(prev.Phase)).Str("to", string(next.Phase)).Msg("Lifecycle phase changed")
		c.observePhase(next.Phase)
		c.publish(events.EventPhaseChanged, string(next.Phase), "from", string(prev.Phase), "to", string(next.Phase))
	}

	for _, cmd := range commands {
		if follow := c.execute(ctx, cmd, prev, next); follow != nil {
			c.dispatchLogged(ctx, *follow)
			// The follow-up may have failed the controller; remaining
			// commands belong to a superseded state.
			if c.State().Phase == PhaseFailed && next.Phase != PhaseFailed {
				return nil
			}
		}
	}
	return nil
}

// execute runs a single command. A non-nil return is an event to apply next.
func (c *Controller) execute(ctx context.Context, cmd Command, prev, next State) (follow *Event) {
	defer func() {
		if r := recover(); r != nil {
			follow = &Event{
				Type:    EventFault,
				Message: fmt.Sprintf("panic during %s: %v", cmd.Op, r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	fw := c.cfg.Framework
	switch cmd.Op {
	case OpSubscribe:
		c.logger.Info().
			Str("framework", fw.Name).
			Str("master", fw.MasterEndpoint().String()).
			Bool("resume", c.cfg.FrameworkID != "").
			Msg("Subscribing to master")
		if err := c.cfg.Engine.Subscribe(ctx, fw, c.cfg.FrameworkID); err != nil {
			return &Event{Type: EventError, Message: err.Error()}
		}
		c.setHealth(metrics.ComponentEngine, true, "subscribing")

	case OpLogFailover:
		resubscribed := prev.Phase == PhaseSubscribed || prev.Phase == PhaseReady
		c.logger.Info().
			Str("framework_id", next.SubscriptionID).
			Float64("failover_timeout_seconds", next.FailoverTimeout.Seconds()).
			Bool("resubscribed", resubscribed).
			Msg("Subscribed with failover timeout")
		if resubscribed {
			metrics.Resubscriptions.Inc()
		}
		c.publish(events.EventSubscribed, "framework subscribed", "framework_id", next.SubscriptionID)

	case OpPersistSubscription:
		if c.cfg.Store == nil {
			return nil
		}
		if err := c.cfg.Store.SaveFrameworkID(next.SubscriptionID); err != nil {
			c.logger.Error().Err(err).Msg("Failed to persist framework ID")
			c.setHealth(metrics.ComponentStorage, false, err.Error())
			return nil
		}
		c.setHealth(metrics.ComponentStorage, true, "")

	case OpMountAPI:
		if err := c.cfg.Surface.MountAPI(ctx); err != nil {
			return &Event{Type: EventFault, Message: "mount admin API: " + err.Error()}
		}

	case OpLaunchGroups:
		groups := fw.OrderedGroups()
		if c.cfg.Launcher != nil {
			c.cfg.Launcher.Enable(groups...)
		}
		if err := c.cfg.Engine.Launch(ctx, groups); err != nil {
			return &Event{Type: EventFault, Message: "launch task groups: " + err.Error()}
		}
		for _, g := range groups {
			logger := log.WithGroup(g.Name())
			logger.Info().
				Int("priority", g.Priority()).
				Int("instances", g.Instances()).
				Msg("Task group handed to scheduler")
		}

	case OpActivate:
		if err := c.cfg.Surface.Activate(ctx); err != nil {
			return &Event{Type: EventError, Kind: KindActivation, Message: err.Error()}
		}
		c.setHealth(metrics.ComponentLifecycle, true, string(next.Phase))
		c.publish(events.EventActivated, "control surface active", "listen", fw.Listen.String())

	case OpRecordFailure:
		f := next.LastError
		if f == nil {
			return nil
		}
		metrics.Faults.WithLabelValues(f.Kind).Inc()
		c.logger.Error().Str("kind", f.Kind).Str("stack", f.Stack).Msg(f.Message)
		if f.Kind == KindFault && next.Phase != PhaseFailed {
			c.publish(events.EventFault, f.Message, "kind", f.Kind)
		} else {
			c.publish(events.EventFailed, f.Message, "kind", f.Kind)
			c.setHealth(metrics.ComponentLifecycle, false, f.Message)
		}
		if c.cfg.Store != nil {
			if err := c.cfg.Store.SaveFailure(storage.Failure{Kind: f.Kind, Message: f.Message, Stack: f.Stack, At: f.At}); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to persist failure record")
			}
		}

	case OpShutdown:
		c.shutdown()
	}
	return nil
}

func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := c.cfg.Surface.Shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Control surface shutdown failed")
	}
	if err := c.cfg.Engine.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Engine close failed")
	}
	c.setHealth(metrics.ComponentEngine, false, "closed")
}

func (c *Controller) observePhase(p Phase) {
	names := make([]string, len(Phases))
	for i, ph := range Phases {
		names[i] = string(ph)
	}
	metrics.SetPhase(string(p), names)
	switch p {
	case PhaseReady:
		c.setHealth(metrics.ComponentLifecycle, true, string(p))
	case PhaseFailed:
		// set by record_failure with the cause
	default:
		c.setHealth(metrics.ComponentLifecycle, false, string(p))
	}
}

func (c *Controller) setHealth(component string, healthy bool, message string) {
	if c.cfg.Health != nil {
		c.cfg.Health.Set(component, healthy, message)
	}
}

func (c *Controller) publish(t events.EventType, message string, kv ...string) {
	if c.cfg.Broker != nil {
		c.cfg.Broker.Emit(t, message, kv...)
	}
}
