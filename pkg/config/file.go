package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/flink-mesos/pkg/types"
	"gopkg.in/yaml.v3"
)

// File is the optional YAML configuration file. Every field is optional;
// zero values fall through to the environment and then to defaults.
type File struct {
	Master struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"master"`

	Framework struct {
		BaseName        string        `yaml:"baseName"`
		ClusterName     string        `yaml:"clusterName"`
		User            string        `yaml:"user"`
		Role            string        `yaml:"role"`
		Checkpoint      *bool         `yaml:"checkpoint"`
		FailoverTimeout time.Duration `yaml:"failoverTimeout"`
	} `yaml:"framework"`

	Listen types.Endpoint `yaml:"listen"`

	HA struct {
		Enabled  *bool  `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"ha"`

	Logging struct {
		Path     string `yaml:"path"`
		FileName string `yaml:"fileName"`
		Level    string `yaml:"level"`
	} `yaml:"logging"`

	Image          string               `yaml:"image"`
	TaskManagerMem int                  `yaml:"taskManagerMem"`
	APIVersion     string               `yaml:"apiVersion"`
	Environment    string               `yaml:"environment"`
	Groups         map[string]GroupFile `yaml:"groups"`
}

// GroupFile overrides parts of a built-in task group
type GroupFile struct {
	Priority     int                 `yaml:"priority"`
	Instances    int                 `yaml:"instances"`
	AllowScaling *bool               `yaml:"allowScaling"`
	Resources    *types.Resources    `yaml:"resources"`
	Labels       map[string]string   `yaml:"labels"`
	HealthChecks []types.HealthCheck `yaml:"healthChecks"`
	Env          []types.EnvVar      `yaml:"env"`
}

// LoadFile reads and parses a YAML configuration file
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &f, nil
}

// apply returns g with the file overrides applied
func (gf GroupFile) apply(g *types.TaskGroup) (*types.TaskGroup, error) {
	var err error
	if gf.Resources != nil {
		if g, err = g.WithResources(*gf.Resources); err != nil {
			return nil, err
		}
	}
	for _, v := range gf.Env {
		if g, err = g.WithEnv(v.Name, v.Value); err != nil {
			return nil, err
		}
	}

	spec := g.Spec()
	if gf.Priority != 0 {
		spec.Priority = gf.Priority
	}
	if gf.Instances != 0 {
		spec.Instances = gf.Instances
	}
	if gf.AllowScaling != nil {
		spec.AllowScaling = *gf.AllowScaling
	}
	if len(gf.Labels) > 0 {
		for k, v := range gf.Labels {
			spec.Labels[k] = v
		}
	}
	if len(gf.HealthChecks) > 0 {
		spec.HealthChecks = append(spec.HealthChecks, gf.HealthChecks...)
	}
	return types.NewTaskGroup(spec)
}
