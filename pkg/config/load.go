package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cuemby/flink-mesos/pkg/types"
)

// Environment variables read at startup
const (
	EnvHost           = "HOST"
	EnvPort           = "PORT0"
	EnvHAEndpoint     = "ZK_URL"
	EnvImage          = "FLINK_DOCKER_IMAGE"
	EnvTaskManagerMem = "TASKMANAGER_MEM"
	EnvMasterAddress  = "MASTER_IP"
	EnvClusterName    = "CLUSTER_NAME"
	EnvLogLevel       = "LOG_LEVEL"
	EnvEnvironment    = "NODE_ENV"
)

const (
	DefaultMasterAddress = "leader.mesos"
	DefaultLogLevel      = "info"
	DefaultEnvironment   = "production"
	DefaultLogPath       = "logs"
	DefaultLogFileName   = "flink-framework.log"
)

// Overrides are explicit values, typically from command line flags.
// Zero values mean "not set".
type Overrides struct {
	Host           string
	Port           int
	MasterAddress  string
	MasterPort     int
	HAEndpoint     string
	ClusterName    string
	Image          string
	TaskManagerMem int
	LogLevel       string
	LogPath        string
	Environment    string
	Role           string
}

// Options controls Load
type Options struct {
	Overrides Overrides
	File      *File
	Lookup    types.Lookup // environment; defaults to os.LookupEnv
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// Load resolves the full framework configuration. Every field is taken from
// the first layer that defines it: overrides, file, environment, default.
// Host, port and the HA endpoint have no default layer; a missing value is
// reported with ErrMissingRequiredValue before anything touches the network.
func Load(opts Options) (*types.Framework, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	f := opts.File
	if f == nil {
		f = &File{}
	}
	o := opts.Overrides
	env := func(key string) Resolver { return FromLookup(lookup, key) }

	haEnabled := true
	if f.HA.Enabled != nil {
		haEnabled = *f.HA.Enabled
	}

	host, err := Require("listen host ("+EnvHost+")", Value(o.Host), Value(f.Listen.Host), env(EnvHost))
	if err != nil {
		return nil, err
	}
	portStr, err := Require("listen port ("+EnvPort+")", Value(itoa(o.Port)), Value(itoa(f.Listen.Port)), env(EnvPort))
	if err != nil {
		return nil, err
	}
	port, err := parsePort(portStr)
	if err != nil {
		return nil, fmt.Errorf("listen port: %w", err)
	}

	var haEndpoint string
	if haEnabled {
		haEndpoint, err = Require("HA coordination endpoint ("+EnvHAEndpoint+")",
			Value(o.HAEndpoint), Value(f.HA.Endpoint), env(EnvHAEndpoint))
		if err != nil {
			return nil, err
		}
	}

	masterAddress, _ := Resolve(Value(o.MasterAddress), Value(f.Master.Address), env(EnvMasterAddress), Default(DefaultMasterAddress))
	masterPortStr, _ := Resolve(Value(itoa(o.MasterPort)), Value(itoa(f.Master.Port)), Default(strconv.Itoa(DefaultMasterPort)))
	masterPort, err := parsePort(masterPortStr)
	if err != nil {
		return nil, fmt.Errorf("master port: %w", err)
	}

	clusterName, _ := Resolve(Value(o.ClusterName), Value(f.Framework.ClusterName), env(EnvClusterName))
	image, _ := Resolve(Value(o.Image), Value(f.Image), env(EnvImage), Default(DefaultImage))
	logLevel, _ := Resolve(Value(o.LogLevel), Value(f.Logging.Level), env(EnvLogLevel), Default(DefaultLogLevel))
	logPath, _ := Resolve(Value(o.LogPath), Value(f.Logging.Path), Default(DefaultLogPath))
	logFile, _ := Resolve(Value(f.Logging.FileName), Default(DefaultLogFileName))
	environment, _ := Resolve(Value(o.Environment), Value(f.Environment), env(EnvEnvironment), Default(DefaultEnvironment))
	apiVersion, _ := Resolve(Value(f.APIVersion), Default(DefaultAPIVersion))
	baseName, _ := Resolve(Value(f.Framework.BaseName), Default(DefaultBaseName))
	user, _ := Resolve(Value(f.Framework.User), Default(DefaultUser))
	role, _ := Resolve(Value(o.Role), Value(f.Framework.Role))

	failover := DefaultFailoverTimeout
	if f.Framework.FailoverTimeout > 0 {
		failover = f.Framework.FailoverTimeout
	}
	checkpoint := true
	if f.Framework.Checkpoint != nil {
		checkpoint = *f.Framework.Checkpoint
	}

	groups, err := FlinkGroups(FlinkSettings{
		Image:          image,
		HAEndpoint:     haEndpoint,
		TaskManagerMem: DefaultTaskManagerMem,
	})
	if err != nil {
		return nil, err
	}

	heap := func(key string) (string, bool) {
		if key != TaskManagerHeapEnv {
			return "", false
		}
		var fileGroupMem string
		if gf, ok := f.Groups[GroupTaskManagers]; ok && gf.Resources != nil {
			fileGroupMem = itoa(gf.Resources.MemMB)
		}
		return Resolve(Value(itoa(o.TaskManagerMem)), Value(fileGroupMem), Value(itoa(f.TaskManagerMem)), env(EnvTaskManagerMem))
	}

	known := make(map[string]bool, len(groups))
	for i, g := range groups {
		known[g.Name()] = true
		if gf, ok := f.Groups[g.Name()]; ok {
			if g, err = gf.apply(g); err != nil {
				return nil, err
			}
		}
		if g, err = g.WithResolvedResources(heap); err != nil {
			return nil, err
		}
		groups[i] = g
	}
	for name := range f.Groups {
		if !known[name] {
			return nil, fmt.Errorf("config file references unknown task group %q", name)
		}
	}

	return NewBuilder().
		WithBaseName(baseName).
		WithClusterName(clusterName).
		WithMaster(masterAddress, masterPort).
		WithUser(user).
		WithRole(role).
		WithCheckpoint(checkpoint).
		WithFailoverTimeout(failover).
		WithHA(haEnabled, haEndpoint).
		WithLogging(types.LoggingTarget{Path: logPath, FileName: logFile, Level: logLevel}).
		WithListen(host, port).
		WithAPIVersion(apiVersion).
		WithEnvironment(environment).
		AddGroup(groups...).
		Build()
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
