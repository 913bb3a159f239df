package mesos

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/flink-mesos/pkg/scheduler"
	"github.com/cuemby/flink-mesos/pkg/types"
)

// LabelGroup is attached to every launched task
const LabelGroup = "flink-mesos.group"

// toOffer converts a wire offer into the tracker's view. Scalar resources
// of the same name are summed across roles.
func toOffer(o offer) scheduler.Offer {
	out := scheduler.Offer{
		ID:       o.ID.Value,
		AgentID:  o.AgentID.Value,
		Hostname: o.Hostname,
	}
	for _, r := range o.Resources {
		switch r.Name {
		case "cpus":
			if r.Scalar != nil {
				out.CPUs += r.Scalar.Value
			}
		case "mem":
			if r.Scalar != nil {
				out.MemMB += r.Scalar.Value
			}
		case "disk":
			if r.Scalar != nil {
				out.DiskMB += r.Scalar.Value
			}
		case "ports":
			if r.Ranges != nil {
				for _, rg := range r.Ranges.Range {
					out.Ports = append(out.Ports, scheduler.PortRange{Begin: rg.Begin, End: rg.End})
				}
			}
		}
	}
	return out
}

func scalarResource(name string, v float64) resource {
	return resource{Name: name, Type: "SCALAR", Scalar: &scalar{Value: v}}
}

func portResource(ports []uint64) resource {
	rs := make([]valueRange, len(ports))
	for i, p := range ports {
		rs[i] = valueRange{Begin: p, End: p}
	}
	return resource{Name: "ports", Type: "RANGES", Ranges: &ranges{Range: rs}}
}

func dockerNetwork(m types.NetworkMode) string {
	return strings.ToUpper(string(m))
}

// buildTaskInfo renders a placed task. The task sees its agent hostname as
// HOST and its assigned ports as PORT0..PORTn (PORT aliases PORT0).
func buildTaskInfo(task scheduler.Task, g *types.TaskGroup) taskInfo {
	res := g.Resources()
	d := g.Descriptor()

	resources := []resource{
		scalarResource("cpus", res.CPUs),
		scalarResource("mem", float64(res.MemMB)),
	}
	if res.DiskMB > 0 {
		resources = append(resources, scalarResource("disk", float64(res.DiskMB)))
	}
	if len(task.Ports) > 0 {
		resources = append(resources, portResource(task.Ports))
	}

	vars := make([]variable, 0, len(d.Env())+len(task.Ports)+2)
	for _, e := range d.Env() {
		vars = append(vars, variable{Name: e.Name, Value: e.Value})
	}
	vars = append(vars, variable{Name: "HOST", Value: task.Hostname})
	for i, p := range task.Ports {
		vars = append(vars, variable{Name: "PORT" + strconv.Itoa(i), Value: strconv.FormatUint(p, 10)})
	}
	if len(task.Ports) > 0 {
		vars = append(vars, variable{Name: "PORT", Value: strconv.FormatUint(task.Ports[0], 10)})
	}

	cmd := &commandInfo{Shell: false, Environment: &environment{Variables: vars}}
	if args := d.Command(); len(args) > 0 {
		cmd.Arguments = args
	}

	lbls := g.Labels()
	lbls[LabelGroup] = g.Name()
	keys := make([]string, 0, len(lbls))
	for k := range lbls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ls := &labels{}
	for _, k := range keys {
		ls.Labels = append(ls.Labels, label{Key: k, Value: lbls[k]})
	}

	info := taskInfo{
		Name:      g.Name(),
		TaskID:    value{Value: task.ID},
		AgentID:   value{Value: task.AgentID},
		Resources: resources,
		Command:   cmd,
		Container: &containerInfo{
			Type: "DOCKER",
			Docker: &dockerInfo{
				Image:          d.Image(),
				Network:        dockerNetwork(d.Network()),
				ForcePullImage: d.ForcePull(),
			},
		},
		Labels: ls,
	}
	if checks := g.HealthChecks(); len(checks) > 0 {
		info.HealthCheck = buildHealthCheck(checks[0], task.Ports)
	}
	return info
}

// buildHealthCheck maps the first declared check. The agent runs only one
// check per task.
func buildHealthCheck(hc types.HealthCheck, ports []uint64) *healthCheck {
	out := &healthCheck{
		Type:                string(hc.Type),
		DelaySeconds:        hc.GracePeriod.Seconds(),
		IntervalSeconds:     hc.Interval.Seconds(),
		TimeoutSeconds:      hc.Timeout.Seconds(),
		ConsecutiveFailures: hc.ConsecutiveFailures,
		GracePeriodSeconds:  hc.GracePeriod.Seconds(),
	}
	var port uint64
	if hc.PortIndex < len(ports) {
		port = ports[hc.PortIndex]
	}
	switch hc.Type {
	case types.HealthCheckHTTP:
		out.HTTP = &httpCheck{Port: port, Path: hc.Path}
	case types.HealthCheckTCP:
		out.TCP = &tcpCheck{Port: port}
	case types.HealthCheckCommand:
		out.Command = &commandInfo{Shell: true, Value: hc.Command}
	}
	return out
}
