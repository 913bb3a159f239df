package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/flink-mesos/pkg/types"
)

// Phase is the framework's connection phase with the cluster master
type Phase string

const (
	PhaseUnregistered Phase = "unregistered"
	PhaseSubscribing  Phase = "subscribing"
	PhaseSubscribed   Phase = "subscribed"
	PhaseReady        Phase = "ready"
	PhaseFailed       Phase = "failed"
)

// Phases lists every phase in lifecycle order
var Phases = []Phase{PhaseUnregistered, PhaseSubscribing, PhaseSubscribed, PhaseReady, PhaseFailed}

// EventType is an input to the state machine
type EventType string

const (
	EventStart      EventType = "start"
	EventSubscribed EventType = "subscribed"
	EventReady      EventType = "ready"
	EventError      EventType = "error"
	EventFault      EventType = "fault"
)

// Failure kinds recorded in State.LastError
const (
	KindRegistration = "registration"
	KindActivation   = "activation"
	KindFault        = "fault"
)

// Event is a typed state machine input. Kind qualifies error events and
// defaults to KindRegistration.
type Event struct {
	Type            EventType
	Kind            string
	SubscriptionID  string
	FailoverTimeout time.Duration
	Message         string
	Stack           string
}

// Failure records the last error seen by the controller
type Failure struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	At      time.Time `json:"at"`
}

// State is the controller's lifecycle state
type State struct {
	Phase           Phase         `json:"phase"`
	SubscriptionID  string        `json:"subscriptionId,omitempty"`
	FailoverTimeout time.Duration `json:"failoverTimeout"`
	Activated       bool          `json:"activated"`
	LastError       *Failure      `json:"lastError,omitempty"`
}

// Op names a side effect the caller must perform after a transition
type Op string

const (
	OpSubscribe           Op = "subscribe"
	OpLogFailover         Op = "log_failover"
	OpPersistSubscription Op = "persist_subscription"
	OpMountAPI            Op = "mount_api"
	OpLaunchGroups        Op = "launch_groups"
	OpActivate            Op = "activate"
	OpRecordFailure       Op = "record_failure"
	OpShutdown            Op = "shutdown"
)

// Command is a side effect produced by Transition
type Command struct {
	Op Op
}

// FaultPolicy decides what an uncaught fault does to the lifecycle
type FaultPolicy string

const (
	// FaultCrash fails the controller so a supervisor restarts the process
	FaultCrash FaultPolicy = "crash"
	// FaultContinue logs the fault and keeps the current phase
	FaultContinue FaultPolicy = "continue"
)

// ParseFaultPolicy validates a policy name
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch p := FaultPolicy(s); p {
	case FaultCrash, FaultContinue:
		return p, nil
	case "":
		return FaultCrash, nil
	default:
		return "", fmt.Errorf("unknown fault policy %q", s)
	}
}

var (
	// ErrInvalidTransition is returned for events that are out of order
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrTerminal is returned for events delivered after the controller failed
	ErrTerminal = errors.New("lifecycle is terminal")
)

func cmds(ops ...Op) []Command {
	out := make([]Command, len(ops))
	for i, op := range ops {
		out[i] = Command{Op: op}
	}
	return out
}

// Transition applies ev to s and returns the next state and the commands to
// run, in order. It performs no I/O. On error the returned state equals s and
// no commands are produced.
func Transition(s State, ev Event, policy FaultPolicy, now time.Time) (State, []Command, error) {
	if s.Phase == PhaseFailed {
		return s, nil, fmt.Errorf("%w: %s after failure", ErrTerminal, ev.Type)
	}

	next := s
	switch ev.Type {
	case EventStart:
		if s.Phase != PhaseUnregistered {
			return s, nil, fmt.Errorf("%w: start in phase %s", ErrInvalidTransition, s.Phase)
		}
		next.Phase = PhaseSubscribing
		return next, cmds(OpSubscribe), nil

	case EventSubscribed:
		switch s.Phase {
		case PhaseSubscribing:
			next.Phase = PhaseSubscribed
			next.SubscriptionID = ev.SubscriptionID
			next.FailoverTimeout = ev.FailoverTimeout
			return next, cmds(OpLogFailover, OpPersistSubscription, OpMountAPI), nil
		case PhaseSubscribed, PhaseReady:
			// Re-subscription after a master failover; the API stays mounted
			next.SubscriptionID = ev.SubscriptionID
			next.FailoverTimeout = ev.FailoverTimeout
			return next, cmds(OpLogFailover, OpPersistSubscription), nil
		default:
			return s, nil, fmt.Errorf("%w: subscribed in phase %s", ErrInvalidTransition, s.Phase)
		}

	case EventReady:
		switch s.Phase {
		case PhaseSubscribed:
			next.Phase = PhaseReady
			next.Activated = true
			return next, cmds(OpLaunchGroups, OpActivate), nil
		case PhaseReady:
			return s, nil, nil
		default:
			return s, nil, fmt.Errorf("%w: ready in phase %s", ErrInvalidTransition, s.Phase)
		}

	case EventError:
		kind := ev.Kind
		if kind == "" {
			kind = KindRegistration
		}
		next.Phase = PhaseFailed
		next.LastError = &Failure{Kind: kind, Message: ev.Message, Stack: ev.Stack, At: now}
		return next, cmds(OpRecordFailure, OpShutdown), nil

	case EventFault:
		next.LastError = &Failure{Kind: KindFault, Message: ev.Message, Stack: ev.Stack, At: now}
		if policy == FaultContinue {
			return next, cmds(OpRecordFailure), nil
		}
		next.Phase = PhaseFailed
		return next, cmds(OpRecordFailure, OpShutdown), nil

	default:
		return s, nil, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Type)
	}
}

// FailureError converts the recorded failure into the matching sentinel
func (s State) FailureError() error {
	if s.LastError == nil {
		return nil
	}
	switch s.LastError.Kind {
	case KindRegistration:
		return fmt.Errorf("%w: %s", types.ErrRegistrationFailure, s.LastError.Message)
	case KindActivation:
		return fmt.Errorf("activation failed: %s", s.LastError.Message)
	default:
		return fmt.Errorf("%w: %s", types.ErrUncaughtFault, s.LastError.Message)
	}
}
