package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/flink-mesos/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config controls how Probe repeats a check
type Config struct {
	// Interval is the time between attempts
	Interval time.Duration

	// Timeout bounds a single attempt
	Timeout time.Duration

	// Retries is the number of attempts before giving up
	Retries int

	// StartPeriod is waited out before the first attempt
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 2 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// FromCheck builds a checker for a task group health check against a
// running instance. ports are the instance's assigned host ports.
// Command checks only run on the agent and cannot be probed from here.
func FromCheck(hc types.HealthCheck, host string, ports []uint64) (Checker, Config, error) {
	cfg := DefaultConfig()
	if hc.Interval > 0 {
		cfg.Interval = hc.Interval
	}
	if hc.Timeout > 0 {
		cfg.Timeout = hc.Timeout
	}
	if hc.ConsecutiveFailures > 0 {
		cfg.Retries = hc.ConsecutiveFailures
	}
	cfg.StartPeriod = hc.GracePeriod

	if hc.Type == types.HealthCheckCommand {
		return nil, cfg, fmt.Errorf("%s health checks run on the agent only", hc.Type)
	}
	if hc.PortIndex >= len(ports) {
		return nil, cfg, fmt.Errorf("health check uses port index %d but the task has %d ports", hc.PortIndex, len(ports))
	}
	addr := net.JoinHostPort(host, strconv.FormatUint(ports[hc.PortIndex], 10))

	switch hc.Type {
	case types.HealthCheckHTTP:
		return NewHTTPChecker("http://" + addr + hc.Path).WithTimeout(cfg.Timeout), cfg, nil
	case types.HealthCheckTCP:
		return NewTCPChecker(addr).WithTimeout(cfg.Timeout), cfg, nil
	default:
		return nil, cfg, fmt.Errorf("unknown health check type %q", hc.Type)
	}
}

// Status tracks consecutive outcomes of a repeated check
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
	Attempts             int
}

// Update folds a new result into the status. A single success is enough to
// be healthy; Retries consecutive failures make it unhealthy.
func (s *Status) Update(result Result, config Config) {
	s.Attempts++
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// Probe runs checker until it succeeds, Retries attempts fail, or ctx ends
func Probe(ctx context.Context, checker Checker, config Config) Status {
	if config.Retries < 1 {
		config.Retries = 1
	}
	st := Status{}

	if config.StartPeriod > 0 {
		select {
		case <-time.After(config.StartPeriod):
		case <-ctx.Done():
			st.LastResult = Result{Message: ctx.Err().Error(), CheckedAt: time.Now()}
			return st
		}
	}

	for {
		attemptCtx := ctx
		cancel := func() {}
		if config.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		}
		st.Update(checker.Check(attemptCtx), config)
		cancel()

		if st.Healthy || st.ConsecutiveFailures >= config.Retries {
			return st
		}

		select {
		case <-time.After(config.Interval):
		case <-ctx.Done():
			st.LastResult = Result{Message: ctx.Err().Error(), CheckedAt: time.Now()}
			return st
		}
	}
}
