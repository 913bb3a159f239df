package types

import (
	"fmt"
	"strings"
)

// DescriptorSpec is the input used to build a ContainerDescriptor
type DescriptorSpec struct {
	Image     string
	Network   NetworkMode
	Command   []string
	Env       []EnvVar
	ForcePull bool
}

// ContainerDescriptor describes how a task process is packaged: a Docker image,
// its network mode, arguments and environment. It is immutable once built and
// is shared by reference across every instance of a task group.
type ContainerDescriptor struct {
	image     string
	network   NetworkMode
	command   []string
	env       []EnvVar
	forcePull bool
}

// NewContainerDescriptor validates spec and builds a descriptor
func NewContainerDescriptor(spec DescriptorSpec) (*ContainerDescriptor, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return nil, fmt.Errorf("%w: image reference is empty", ErrInvalidDescriptor)
	}

	network, err := ParseNetworkMode(string(spec.Network))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(spec.Env))
	for _, v := range spec.Env {
		if v.Name == "" {
			return nil, fmt.Errorf("%w: environment variable with empty name", ErrInvalidDescriptor)
		}
		if _, dup := seen[v.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate environment variable %q", ErrInvalidDescriptor, v.Name)
		}
		seen[v.Name] = struct{}{}
	}

	return &ContainerDescriptor{
		image:     spec.Image,
		network:   network,
		command:   append([]string(nil), spec.Command...),
		env:       append([]EnvVar(nil), spec.Env...),
		forcePull: spec.ForcePull,
	}, nil
}

func (d *ContainerDescriptor) Image() string        { return d.image }
func (d *ContainerDescriptor) Network() NetworkMode { return d.network }
func (d *ContainerDescriptor) ForcePull() bool      { return d.forcePull }

// Command returns a copy of the command arguments
func (d *ContainerDescriptor) Command() []string {
	return append([]string(nil), d.command...)
}

// Env returns a copy of the environment in declaration order
func (d *ContainerDescriptor) Env() []EnvVar {
	return append([]EnvVar(nil), d.env...)
}

// EnvValue looks up a single environment variable
func (d *ContainerDescriptor) EnvValue(name string) (string, bool) {
	for _, v := range d.env {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Spec returns the descriptor as an editable DescriptorSpec
func (d *ContainerDescriptor) Spec() DescriptorSpec {
	return DescriptorSpec{
		Image:     d.image,
		Network:   d.network,
		Command:   d.Command(),
		Env:       d.Env(),
		ForcePull: d.forcePull,
	}
}

// Equal reports whether two descriptors package tasks identically
func (d *ContainerDescriptor) Equal(other *ContainerDescriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.image != other.image || d.network != other.network || d.forcePull != other.forcePull {
		return false
	}
	if len(d.command) != len(other.command) || len(d.env) != len(other.env) {
		return false
	}
	for i := range d.command {
		if d.command[i] != other.command[i] {
			return false
		}
	}
	for i := range d.env {
		if d.env[i] != other.env[i] {
			return false
		}
	}
	return true
}

// Key returns a stable string identifying the packaging, for deduplication
func (d *ContainerDescriptor) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%t|%q|", d.image, d.network, d.forcePull, d.command)
	for _, v := range d.env {
		fmt.Fprintf(&b, "%q=%q;", v.Name, v.Value)
	}
	return b.String()
}

// withEnv returns a copy with name set to value, appending when absent
func (d *ContainerDescriptor) withEnv(name, value string) *ContainerDescriptor {
	out := &ContainerDescriptor{
		image:     d.image,
		network:   d.network,
		command:   d.Command(),
		env:       d.Env(),
		forcePull: d.forcePull,
	}
	for i := range out.env {
		if out.env[i].Name == name {
			out.env[i].Value = value
			return out
		}
	}
	out.env = append(out.env, EnvVar{Name: name, Value: value})
	return out
}

type descriptorView struct {
	Image     string      `json:"image" yaml:"image"`
	Network   NetworkMode `json:"network" yaml:"network"`
	Command   []string    `json:"command,omitempty" yaml:"command,omitempty"`
	Env       []EnvVar    `json:"env,omitempty" yaml:"env,omitempty"`
	ForcePull bool        `json:"forcePull" yaml:"forcePull"`
}

func (d *ContainerDescriptor) view() descriptorView {
	return descriptorView{
		Image:     d.image,
		Network:   d.network,
		Command:   d.Command(),
		Env:       d.Env(),
		ForcePull: d.forcePull,
	}
}
