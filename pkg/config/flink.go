package config

import (
	"fmt"
	"strconv"

	"github.com/cuemby/flink-mesos/pkg/types"
)

const (
	GroupJobManagers  = "jobmanagers"
	GroupTaskManagers = "taskmanagers"

	// TaskManagerHeapEnv is read by the Flink image as the taskmanager heap size
	TaskManagerHeapEnv = "flink_taskmanager_heap_mb"

	DefaultImage           = "mesoshq/flink:1.1.3"
	DefaultTaskManagerMem  = 1536
	DefaultZKStorageDir    = "/data/zk"
	DefaultTaskManagerTmp  = "/data/tasks"
	DefaultBlobStorageDir  = "/data/blobs"
	DefaultStateBackend    = "filesystem"
	DefaultTaskSlots       = 1
	DefaultJobManagerMem   = 256
	DefaultJobManagerCount = 3
	DefaultTaskManagerCnt  = 2
)

// FlinkSettings parameterizes the Flink cluster task groups
type FlinkSettings struct {
	Image          string
	HAEndpoint     string
	TaskManagerMem int
}

// FlinkGroups builds the jobmanager and taskmanager groups sharing one
// container packaging. Both groups run the same image in host networking.
func FlinkGroups(s FlinkSettings) ([]*types.TaskGroup, error) {
	if s.Image == "" {
		s.Image = DefaultImage
	}
	if s.TaskManagerMem == 0 {
		s.TaskManagerMem = DefaultTaskManagerMem
	}

	recovery := []types.EnvVar{
		{Name: "flink_recovery_mode", Value: "zookeeper"},
		{Name: "flink_recovery_zookeeper_quorum", Value: s.HAEndpoint},
		{Name: "flink_recovery_zookeeper_storageDir", Value: DefaultZKStorageDir},
	}

	jmDescriptor, err := types.NewContainerDescriptor(types.DescriptorSpec{
		Image:     s.Image,
		Network:   types.NetworkHost,
		Command:   []string{"jobmanager"},
		Env:       recovery,
		ForcePull: true,
	})
	if err != nil {
		return nil, fmt.Errorf("jobmanager descriptor: %w", err)
	}

	tmEnv := append(append([]types.EnvVar(nil), recovery...),
		types.EnvVar{Name: "flink_taskmanager_tmp_dirs", Value: DefaultTaskManagerTmp},
		types.EnvVar{Name: "flink_blob_storage_directory", Value: DefaultBlobStorageDir},
		types.EnvVar{Name: "flink_state_backend", Value: DefaultStateBackend},
		types.EnvVar{Name: "flink_taskmanager_numberOfTaskSlots", Value: strconv.Itoa(DefaultTaskSlots)},
	)
	tmDescriptor, err := types.NewContainerDescriptor(types.DescriptorSpec{
		Image:     s.Image,
		Network:   types.NetworkHost,
		Command:   []string{"taskmanager"},
		Env:       tmEnv,
		ForcePull: true,
	})
	if err != nil {
		return nil, fmt.Errorf("taskmanager descriptor: %w", err)
	}

	jobManagers, err := types.NewTaskGroup(types.TaskGroupSpec{
		Name:       GroupJobManagers,
		Priority:   1,
		Instances:  DefaultJobManagerCount,
		Descriptor: jmDescriptor,
		Resources:  types.Resources{CPUs: 0.5, MemMB: DefaultJobManagerMem, Ports: 2},
	})
	if err != nil {
		return nil, err
	}

	taskManagers, err := types.NewTaskGroup(types.TaskGroupSpec{
		Name:         GroupTaskManagers,
		Priority:     2,
		Instances:    DefaultTaskManagerCnt,
		AllowScaling: true,
		Descriptor:   tmDescriptor,
		Resources:    types.Resources{CPUs: 0.5, MemMB: s.TaskManagerMem, Ports: 3},
		MemoryEnv:    TaskManagerHeapEnv,
	})
	if err != nil {
		return nil, err
	}

	return []*types.TaskGroup{jobManagers, taskManagers}, nil
}
