package config

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cuemby/flink-mesos/pkg/types"
)

const (
	DefaultBaseName        = "Apache-Flink"
	DefaultMasterPort      = 5050
	DefaultFailoverTimeout = 300 * time.Second
	DefaultAPIVersion      = "v1"
	DefaultUser            = "root"
)

// Builder aggregates task groups and master parameters into a Framework
type Builder struct {
	baseName        string
	clusterName     string
	masterAddress   string
	masterPort      int
	user            string
	role            string
	checkpoint      bool
	failoverTimeout time.Duration
	useHA           bool
	haEndpoint      string
	logging         types.LoggingTarget
	listen          types.Endpoint
	apiVersion      string
	environment     string
	groups          []*types.TaskGroup
}

// NewBuilder returns a builder populated with defaults
func NewBuilder() *Builder {
	return &Builder{
		baseName:        DefaultBaseName,
		masterPort:      DefaultMasterPort,
		user:            DefaultUser,
		checkpoint:      true,
		failoverTimeout: DefaultFailoverTimeout,
		apiVersion:      DefaultAPIVersion,
	}
}

func (b *Builder) WithBaseName(name string) *Builder {
	b.baseName = name
	return b
}

func (b *Builder) WithClusterName(name string) *Builder {
	b.clusterName = name
	return b
}

func (b *Builder) WithMaster(address string, port int) *Builder {
	b.masterAddress = address
	b.masterPort = port
	return b
}

func (b *Builder) WithUser(user string) *Builder {
	b.user = user
	return b
}

func (b *Builder) WithRole(role string) *Builder {
	b.role = role
	return b
}

func (b *Builder) WithCheckpoint(enabled bool) *Builder {
	b.checkpoint = enabled
	return b
}

func (b *Builder) WithFailoverTimeout(d time.Duration) *Builder {
	b.failoverTimeout = d
	return b
}

// WithHA enables HA coordination through endpoint
func (b *Builder) WithHA(enabled bool, endpoint string) *Builder {
	b.useHA = enabled
	b.haEndpoint = endpoint
	return b
}

func (b *Builder) WithLogging(target types.LoggingTarget) *Builder {
	b.logging = target
	return b
}

func (b *Builder) WithListen(host string, port int) *Builder {
	b.listen = types.Endpoint{Host: host, Port: port}
	return b
}

func (b *Builder) WithAPIVersion(version string) *Builder {
	b.apiVersion = version
	return b
}

func (b *Builder) WithEnvironment(env string) *Builder {
	b.environment = env
	return b
}

// AddGroup appends a task group; uniqueness is checked by Build
func (b *Builder) AddGroup(groups ...*types.TaskGroup) *Builder {
	b.groups = append(b.groups, groups...)
	return b
}

// Build validates the accumulated configuration
func (b *Builder) Build() (*types.Framework, error) {
	if strings.TrimSpace(b.masterAddress) == "" {
		return nil, fmt.Errorf("%w: master address", types.ErrMissingRequiredValue)
	}
	if b.masterPort <= 0 || b.masterPort > 65535 {
		return nil, fmt.Errorf("invalid master port %d", b.masterPort)
	}
	if b.useHA && strings.TrimSpace(b.haEndpoint) == "" {
		return nil, fmt.Errorf("%w: HA coordination endpoint", types.ErrMissingRequiredValue)
	}
	if b.failoverTimeout < 0 {
		return nil, fmt.Errorf("failover timeout must not be negative")
	}

	groups := make(map[string]*types.TaskGroup, len(b.groups))
	for _, g := range b.groups {
		if g == nil {
			continue
		}
		if _, dup := groups[g.Name()]; dup {
			return nil, fmt.Errorf("%w: %s", types.ErrDuplicateGroupName, g.Name())
		}
		groups[g.Name()] = g
	}

	name := FrameworkName(b.baseName, b.clusterName)
	if name == "" {
		return nil, fmt.Errorf("%w: framework name", types.ErrMissingRequiredValue)
	}

	apiVersion := strings.TrimPrefix(b.apiVersion, "/")
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}

	return &types.Framework{
		MasterAddress:   b.masterAddress,
		MasterPort:      b.masterPort,
		Name:            name,
		User:            b.user,
		Role:            b.role,
		Checkpoint:      b.checkpoint,
		FailoverTimeout: b.failoverTimeout,
		UseHA:           b.useHA,
		HAEndpoint:      b.haEndpoint,
		Logging:         b.logging,
		Listen:          b.listen,
		APIVersion:      apiVersion,
		Environment:     b.environment,
		Groups:          groups,
	}, nil
}

// FrameworkName derives the display name registered with the master: the base
// name, plus "." and the cluster name with whitespace turned into hyphens
func FrameworkName(base, cluster string) string {
	base = normalizeWhitespace(strings.TrimSpace(base))
	cluster = strings.TrimSpace(cluster)
	if cluster == "" {
		return base
	}
	return base + "." + normalizeWhitespace(cluster)
}

func normalizeWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, s)
}
