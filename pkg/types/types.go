package types

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NetworkMode defines how a task container is attached to the network
type NetworkMode string

const (
	NetworkHost   NetworkMode = "host"
	NetworkBridge NetworkMode = "bridge"
	NetworkNone   NetworkMode = "none"
)

// ParseNetworkMode parses a network mode name, case-insensitively
func ParseNetworkMode(s string) (NetworkMode, error) {
	switch mode := NetworkMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case NetworkHost, NetworkBridge, NetworkNone:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: unrecognized network mode %q", ErrInvalidDescriptor, s)
	}
}

// EnvVar is a single environment variable passed to a task
type EnvVar struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Resources describes what a single task instance requires from an offer
type Resources struct {
	CPUs   float64 `json:"cpus" yaml:"cpus"`
	MemMB  int     `json:"mem" yaml:"mem"`
	Ports  int     `json:"ports" yaml:"ports"`
	DiskMB int     `json:"disk" yaml:"disk"`
}

// Validate checks that the requirements can be matched against offers
func (r Resources) Validate() error {
	if r.CPUs <= 0 {
		return fmt.Errorf("%w: cpus must be positive, got %v", ErrInvalidDescriptor, r.CPUs)
	}
	if r.MemMB <= 0 {
		return fmt.Errorf("%w: mem must be positive, got %d", ErrInvalidDescriptor, r.MemMB)
	}
	if r.Ports < 0 {
		return fmt.Errorf("%w: ports must not be negative, got %d", ErrInvalidDescriptor, r.Ports)
	}
	if r.DiskMB < 0 {
		return fmt.Errorf("%w: disk must not be negative, got %d", ErrInvalidDescriptor, r.DiskMB)
	}
	return nil
}

// HealthCheckType defines the type of a task health check
type HealthCheckType string

const (
	HealthCheckHTTP    HealthCheckType = "HTTP"
	HealthCheckTCP     HealthCheckType = "TCP"
	HealthCheckCommand HealthCheckType = "COMMAND"
)

// HealthCheck is a task health check executed by the cluster agents
type HealthCheck struct {
	Type                HealthCheckType `json:"type" yaml:"type"`
	PortIndex           int             `json:"portIndex" yaml:"portIndex"`
	Path                string          `json:"path,omitempty" yaml:"path,omitempty"`
	Command             string          `json:"command,omitempty" yaml:"command,omitempty"`
	GracePeriod         time.Duration   `json:"gracePeriod" yaml:"gracePeriod"`
	Interval            time.Duration   `json:"interval" yaml:"interval"`
	Timeout             time.Duration   `json:"timeout" yaml:"timeout"`
	ConsecutiveFailures int             `json:"consecutiveFailures" yaml:"consecutiveFailures"`
}

// Validate checks the health check definition
func (h HealthCheck) Validate() error {
	switch h.Type {
	case HealthCheckHTTP:
		if h.Path == "" {
			return fmt.Errorf("%w: HTTP health check requires a path", ErrInvalidDescriptor)
		}
	case HealthCheckTCP:
	case HealthCheckCommand:
		if h.Command == "" {
			return fmt.Errorf("%w: COMMAND health check requires a command", ErrInvalidDescriptor)
		}
	default:
		return fmt.Errorf("%w: unknown health check type %q", ErrInvalidDescriptor, h.Type)
	}

	if h.PortIndex < 0 {
		return fmt.Errorf("%w: health check port index must not be negative", ErrInvalidDescriptor)
	}
	if h.Interval < 0 || h.Timeout < 0 || h.GracePeriod < 0 {
		return fmt.Errorf("%w: health check durations must not be negative", ErrInvalidDescriptor)
	}
	return nil
}

// LoggingTarget describes where the framework writes its own logs
type LoggingTarget struct {
	Path     string `json:"path" yaml:"path"`
	FileName string `json:"fileName" yaml:"fileName"`
	Level    string `json:"level" yaml:"level"`
}

// Endpoint is a host and port pair
type Endpoint struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// String returns host:port
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Framework is the complete, validated framework configuration.
// It is built once and treated as read-only afterward.
type Framework struct {
	MasterAddress   string                `json:"masterAddress" yaml:"masterAddress"`
	MasterPort      int                   `json:"masterPort" yaml:"masterPort"`
	Name            string                `json:"name" yaml:"name"`
	User            string                `json:"user" yaml:"user"`
	Role            string                `json:"role,omitempty" yaml:"role,omitempty"`
	Checkpoint      bool                  `json:"checkpoint" yaml:"checkpoint"`
	FailoverTimeout time.Duration         `json:"failoverTimeout" yaml:"failoverTimeout"`
	UseHA           bool                  `json:"useHA" yaml:"useHA"`
	HAEndpoint      string                `json:"haEndpoint" yaml:"haEndpoint"`
	Logging         LoggingTarget         `json:"logging" yaml:"logging"`
	Listen          Endpoint              `json:"listen" yaml:"listen"`
	APIVersion      string                `json:"apiVersion" yaml:"apiVersion"`
	Environment     string                `json:"environment" yaml:"environment"`
	Groups          map[string]*TaskGroup `json:"groups" yaml:"groups"`
}

// MasterEndpoint returns the cluster master as an endpoint
func (f *Framework) MasterEndpoint() Endpoint {
	return Endpoint{Host: f.MasterAddress, Port: f.MasterPort}
}

// OrderedGroups returns the task groups sorted by priority, then name.
// Lower priority values are launched first when offers are scarce.
func (f *Framework) OrderedGroups() []*TaskGroup {
	groups := make([]*TaskGroup, 0, len(f.Groups))
	for _, g := range f.Groups {
		groups = append(groups, g)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Priority() != groups[j].Priority() {
			return groups[i].Priority() < groups[j].Priority()
		}
		return groups[i].Name() < groups[j].Name()
	})
	return groups
}

// Group returns the named task group
func (f *Framework) Group(name string) (*TaskGroup, bool) {
	g, ok := f.Groups[name]
	return g, ok
}
