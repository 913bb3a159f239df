package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Lookup resolves an override value by key, reporting whether it was defined
type Lookup func(key string) (string, bool)

// TaskGroupSpec is the input used to build a TaskGroup
type TaskGroupSpec struct {
	Name         string
	Priority     int
	Instances    int
	AllowScaling bool
	Descriptor   *ContainerDescriptor
	Resources    Resources
	HealthChecks []HealthCheck
	Labels       map[string]string

	// MemoryEnv names the environment variable that must always carry the
	// same value as Resources.MemMB (e.g. a heap size read by the task).
	MemoryEnv string
}

// TaskGroup is a named, prioritized bundle of identical task instances
type TaskGroup struct {
	name         string
	priority     int
	instances    int
	allowScaling bool
	descriptor   *ContainerDescriptor
	resources    Resources
	healthChecks []HealthCheck
	labels       map[string]string
	memoryEnv    string
}

// NewTaskGroup validates spec and builds a task group
func NewTaskGroup(spec TaskGroupSpec) (*TaskGroup, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: task group name is empty", ErrInvalidDescriptor)
	}
	if spec.Priority < 1 {
		return nil, fmt.Errorf("%w: group %s: priority must be >= 1, got %d", ErrInvalidDescriptor, spec.Name, spec.Priority)
	}
	if spec.Instances < 1 {
		return nil, fmt.Errorf("%w: group %s: instances must be >= 1, got %d", ErrInvalidDescriptor, spec.Name, spec.Instances)
	}
	if spec.Descriptor == nil {
		return nil, fmt.Errorf("%w: group %s: container descriptor is required", ErrInvalidDescriptor, spec.Name)
	}
	if err := spec.Resources.Validate(); err != nil {
		return nil, fmt.Errorf("group %s: %w", spec.Name, err)
	}
	for i, hc := range spec.HealthChecks {
		if err := hc.Validate(); err != nil {
			return nil, fmt.Errorf("group %s: health check %d: %w", spec.Name, i, err)
		}
	}

	descriptor := spec.Descriptor
	if spec.MemoryEnv != "" {
		want := strconv.Itoa(spec.Resources.MemMB)
		if got, ok := descriptor.EnvValue(spec.MemoryEnv); ok {
			if got != want {
				return nil, fmt.Errorf("%w: group %s: %s=%s but mem=%d",
					ErrResourceMismatch, spec.Name, spec.MemoryEnv, got, spec.Resources.MemMB)
			}
		} else {
			descriptor = descriptor.withEnv(spec.MemoryEnv, want)
		}
	}

	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}

	return &TaskGroup{
		name:         spec.Name,
		priority:     spec.Priority,
		instances:    spec.Instances,
		allowScaling: spec.AllowScaling,
		descriptor:   descriptor,
		resources:    spec.Resources,
		healthChecks: append([]HealthCheck(nil), spec.HealthChecks...),
		labels:       labels,
		memoryEnv:    spec.MemoryEnv,
	}, nil
}

func (g *TaskGroup) Name() string                     { return g.name }
func (g *TaskGroup) Priority() int                    { return g.priority }
func (g *TaskGroup) Instances() int                   { return g.instances }
func (g *TaskGroup) AllowScaling() bool               { return g.allowScaling }
func (g *TaskGroup) Descriptor() *ContainerDescriptor { return g.descriptor }
func (g *TaskGroup) Resources() Resources             { return g.resources }
func (g *TaskGroup) MemoryEnv() string                { return g.memoryEnv }

// HealthChecks returns a copy of the health check definitions
func (g *TaskGroup) HealthChecks() []HealthCheck {
	return append([]HealthCheck(nil), g.healthChecks...)
}

// Labels returns a copy of the labels
func (g *TaskGroup) Labels() map[string]string {
	out := make(map[string]string, len(g.labels))
	for k, v := range g.labels {
		out[k] = v
	}
	return out
}

// Spec returns the group as an editable TaskGroupSpec
func (g *TaskGroup) Spec() TaskGroupSpec {
	return TaskGroupSpec{
		Name:         g.name,
		Priority:     g.priority,
		Instances:    g.instances,
		AllowScaling: g.allowScaling,
		Descriptor:   g.descriptor,
		Resources:    g.resources,
		HealthChecks: g.HealthChecks(),
		Labels:       g.Labels(),
		MemoryEnv:    g.memoryEnv,
	}
}

// WithResolvedResources derives the final memory requirement from the override
// source and injects the same value into the descriptor environment. The
// override key is the group's MemoryEnv; groups without one are returned as-is.
func (g *TaskGroup) WithResolvedResources(lookup Lookup) (*TaskGroup, error) {
	if g.memoryEnv == "" || lookup == nil {
		return g, nil
	}

	raw, ok := lookup(g.memoryEnv)
	if !ok {
		return g, nil
	}

	mb, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || mb <= 0 {
		return nil, fmt.Errorf("%w: group %s: %s must be a positive integer, got %q",
			ErrInvalidDescriptor, g.name, g.memoryEnv, raw)
	}

	return g.WithMemory(mb), nil
}

// WithMemory returns a copy whose memory requirement and bound environment
// variable are both set to mb
func (g *TaskGroup) WithMemory(mb int) *TaskGroup {
	out := g.clone()
	out.resources.MemMB = mb
	if g.memoryEnv != "" {
		out.descriptor = g.descriptor.withEnv(g.memoryEnv, strconv.Itoa(mb))
	}
	return out
}

// WithEnv returns a copy with an environment variable set. Setting the
// memory-bound variable to anything other than the declared memory fails.
func (g *TaskGroup) WithEnv(name, value string) (*TaskGroup, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: environment variable with empty name", ErrInvalidDescriptor)
	}
	if name == g.memoryEnv && value != strconv.Itoa(g.resources.MemMB) {
		return nil, fmt.Errorf("%w: group %s: %s=%s but mem=%d",
			ErrResourceMismatch, g.name, name, value, g.resources.MemMB)
	}

	out := g.clone()
	out.descriptor = g.descriptor.withEnv(name, value)
	return out, nil
}

// WithResources returns a copy with new resource requirements. Changing memory
// through this path keeps the bound environment variable in step.
func (g *TaskGroup) WithResources(r Resources) (*TaskGroup, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("group %s: %w", g.name, err)
	}
	out := g.WithMemory(r.MemMB)
	out.resources = r
	return out, nil
}

func (g *TaskGroup) clone() *TaskGroup {
	out := *g
	out.healthChecks = g.HealthChecks()
	out.labels = g.Labels()
	return &out
}

type taskGroupView struct {
	Name         string            `json:"name" yaml:"name"`
	Priority     int               `json:"priority" yaml:"priority"`
	Instances    int               `json:"instances" yaml:"instances"`
	AllowScaling bool              `json:"allowScaling" yaml:"allowScaling"`
	Container    descriptorView    `json:"container" yaml:"container"`
	Resources    Resources         `json:"resources" yaml:"resources"`
	HealthChecks []HealthCheck     `json:"healthChecks,omitempty" yaml:"healthChecks,omitempty"`
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

func (g *TaskGroup) view() taskGroupView {
	return taskGroupView{
		Name:         g.name,
		Priority:     g.priority,
		Instances:    g.instances,
		AllowScaling: g.allowScaling,
		Container:    g.descriptor.view(),
		Resources:    g.resources,
		HealthChecks: g.HealthChecks(),
		Labels:       g.Labels(),
	}
}

// MarshalJSON renders the group for the admin API
func (g *TaskGroup) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.view())
}

// MarshalYAML renders the group for the config command
func (g *TaskGroup) MarshalYAML() (interface{}, error) {
	return g.view(), nil
}
