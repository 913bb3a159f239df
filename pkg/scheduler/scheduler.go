package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/flink-mesos/pkg/log"
	"github.com/cuemby/flink-mesos/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrUnknownGroup      = errors.New("unknown task group")
	ErrScalingNotAllowed = errors.New("task group does not allow scaling")
	ErrInvalidInstances  = errors.New("instances must be at least 1")
	ErrUnknownTask       = errors.New("unknown task")
)

// TaskState mirrors the agent-reported task states
type TaskState string

const (
	TaskStaging     TaskState = "TASK_STAGING"
	TaskStarting    TaskState = "TASK_STARTING"
	TaskRunning     TaskState = "TASK_RUNNING"
	TaskKilling     TaskState = "TASK_KILLING"
	TaskFinished    TaskState = "TASK_FINISHED"
	TaskFailed      TaskState = "TASK_FAILED"
	TaskKilled      TaskState = "TASK_KILLED"
	TaskLost        TaskState = "TASK_LOST"
	TaskError       TaskState = "TASK_ERROR"
	TaskDropped     TaskState = "TASK_DROPPED"
	TaskGone        TaskState = "TASK_GONE"
	TaskUnreachable TaskState = "TASK_UNREACHABLE"
)

// Terminal reports whether the task no longer holds its slot
func (s TaskState) Terminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost, TaskError, TaskDropped, TaskGone:
		return true
	}
	return false
}

// PortRange is an inclusive range of host ports
type PortRange struct {
	Begin uint64 `json:"begin"`
	End   uint64 `json:"end"`
}

// Offer is a resource offer from one agent
type Offer struct {
	ID       string
	AgentID  string
	Hostname string
	CPUs     float64
	MemMB    float64
	DiskMB   float64
	Ports    []PortRange
}

// Task is a launched instance of a task group
type Task struct {
	ID        string    `json:"id"`
	Group     string    `json:"group"`
	AgentID   string    `json:"agentId,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	Ports     []uint64  `json:"ports,omitempty"`
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Launch is the set of tasks placed on a single offer
type Launch struct {
	Offer Offer
	Tasks []Task
}

// GroupStatus summarizes a group for the admin API
type GroupStatus struct {
	Name         string           `json:"name"`
	Priority     int              `json:"priority"`
	Desired      int              `json:"desired"`
	Active       int              `json:"active"`
	Running      int              `json:"running"`
	AllowScaling bool             `json:"allowScaling"`
	Group        *types.TaskGroup `json:"spec"`
}

// Tracker keeps desired instance counts per task group and the record of
// every launched task. It places missing instances onto offers first-fit in
// group priority order. Nothing is placed until Enable is called.
type Tracker struct {
	mu       sync.RWMutex
	groups   map[string]*types.TaskGroup
	desired  map[string]int
	tasks    map[string]*Task
	enabled  bool
	onChange func(Task)
	now      func() time.Time
}

// NewTracker creates a tracker for the given groups
func NewTracker(groups ...*types.TaskGroup) *Tracker {
	t := &Tracker{
		groups:  make(map[string]*types.TaskGroup),
		desired: make(map[string]int),
		tasks:   make(map[string]*Task),
		now:     time.Now,
	}
	t.register(groups)
	return t
}

func (t *Tracker) register(groups []*types.TaskGroup) {
	for _, g := range groups {
		t.groups[g.Name()] = g
		if _, ok := t.desired[g.Name()]; !ok {
			t.desired[g.Name()] = g.Instances()
		}
	}
}

// OnChange registers a callback invoked for every task record change.
// The callback runs without the tracker lock held.
func (t *Tracker) OnChange(fn func(Task)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

func (t *Tracker) notify(changed []Task) {
	t.mu.RLock()
	fn := t.onChange
	t.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, task := range changed {
		fn(task)
	}
}

// Enable registers any additional groups and starts placing tasks
func (t *Tracker) Enable(groups ...*types.TaskGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.register(groups)
	t.enabled = true
}

// Enabled reports whether offers are being matched
func (t *Tracker) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// Restore loads persisted task records, typically after a restart
func (t *Tracker) Restore(tasks []Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range tasks {
		task := tasks[i]
		t.tasks[task.ID] = &task
	}
}

func (t *Tracker) orderedGroups() []*types.TaskGroup {
	out := make([]*types.TaskGroup, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

func (t *Tracker) activeCount(group string) int {
	n := 0
	for _, task := range t.tasks {
		if task.Group == group && !task.State.Terminal() {
			n++
		}
	}
	return n
}

// Missing returns how many instances each group still needs
func (t *Tracker) Missing() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int)
	for name, want := range t.desired {
		if n := want - t.activeCount(name); n > 0 {
			out[name] = n
		}
	}
	return out
}

// offerSlot tracks what is left of an offer while placing tasks
type offerSlot struct {
	offer  Offer
	cpus   float64
	mem    float64
	disk   float64
	ports  []PortRange
	placed []Task
}

func (s *offerSlot) fits(r types.Resources) bool {
	return s.cpus >= r.CPUs && s.mem >= float64(r.MemMB) &&
		s.disk >= float64(r.DiskMB) && portCount(s.ports) >= uint64(r.Ports)
}

func (s *offerSlot) take(r types.Resources) []uint64 {
	s.cpus -= r.CPUs
	s.mem -= float64(r.MemMB)
	s.disk -= float64(r.DiskMB)
	var ports []uint64
	for len(ports) < r.Ports {
		pr := &s.ports[0]
		ports = append(ports, pr.Begin)
		if pr.Begin == pr.End {
			s.ports = s.ports[1:]
		} else {
			pr.Begin++
		}
	}
	return ports
}

func portCount(ranges []PortRange) uint64 {
	var n uint64
	for _, r := range ranges {
		if r.End >= r.Begin {
			n += r.End - r.Begin + 1
		}
	}
	return n
}

// Match places missing instances onto offers. It returns the launches to
// perform and the IDs of offers that received no task and should be declined.
func (t *Tracker) Match(offers []Offer) ([]Launch, []string) {
	t.mu.Lock()

	slots := make([]*offerSlot, len(offers))
	for i, o := range offers {
		ranges := append([]PortRange(nil), o.Ports...)
		slots[i] = &offerSlot{offer: o, cpus: o.CPUs, mem: o.MemMB, disk: o.DiskMB, ports: ranges}
	}

	var changed []Task
	if t.enabled {
		now := t.now()
		for _, g := range t.orderedGroups() {
			missing := t.desired[g.Name()] - t.activeCount(g.Name())
			for i := 0; i < missing; i++ {
				var slot *offerSlot
				for _, s := range slots {
					if s.fits(g.Resources()) {
						slot = s
						break
					}
				}
				if slot == nil {
					logger := log.WithGroup(g.Name())
					logger.Debug().Int("missing", missing-i).Msg("no offer fits task group")
					break
				}
				task := Task{
					ID:        taskID(g.Name()),
					Group:     g.Name(),
					AgentID:   slot.offer.AgentID,
					Hostname:  slot.offer.Hostname,
					Ports:     slot.take(g.Resources()),
					State:     TaskStaging,
					UpdatedAt: now,
				}
				rec := task
				t.tasks[task.ID] = &rec
				slot.placed = append(slot.placed, task)
				changed = append(changed, task)
			}
		}
	}

	var launches []Launch
	var decline []string
	for _, s := range slots {
		if len(s.placed) == 0 {
			decline = append(decline, s.offer.ID)
			continue
		}
		launches = append(launches, Launch{Offer: s.offer, Tasks: s.placed})
	}
	t.mu.Unlock()

	t.notify(changed)
	return launches, decline
}

func taskID(group string) string {
	return group + "." + uuid.New().String()
}

// GroupOf extracts the group name from a task ID
func GroupOf(taskID string) string {
	if i := strings.LastIndex(taskID, "."); i > 0 {
		return taskID[:i]
	}
	return ""
}

// Group returns the registered task group
func (t *Tracker) Group(name string) (*types.TaskGroup, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[name]
	return g, ok
}

// UpdateStatus records a state change reported for a task. Updates for task
// IDs the tracker has never seen are recorded when the ID names a known group.
func (t *Tracker) UpdateStatus(id string, state TaskState, message string) (Task, error) {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		group := GroupOf(id)
		if _, known := t.groups[group]; !known {
			t.mu.Unlock()
			return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
		task = &Task{ID: id, Group: group}
		t.tasks[id] = task
	}
	task.State = state
	task.Message = message
	task.UpdatedAt = t.now()
	out := *task
	t.mu.Unlock()

	t.notify([]Task{out})
	return out, nil
}

// Forget drops a terminal task record
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task, ok := t.tasks[id]; ok && task.State.Terminal() {
		delete(t.tasks, id)
	}
}

// ScaleChange is a committed change of a group's desired count. Kill holds
// the surplus tasks, newest first, which are now TASK_KILLING.
type ScaleChange struct {
	Group    string
	Previous int
	Kill     []Task

	prior   map[string]TaskState
	tracker *Tracker
}

// KillIDs returns the IDs of the tasks to kill
func (c *ScaleChange) KillIDs() []string {
	ids := make([]string, len(c.Kill))
	for i, task := range c.Kill {
		ids[i] = task.ID
	}
	return ids
}

// Revert restores the previous desired count and returns the surplus tasks
// to their earlier state. Used when the kill request could not be sent, so a
// later scale picks the same tasks again.
func (c *ScaleChange) Revert() {
	t := c.tracker
	t.mu.Lock()
	t.desired[c.Group] = c.Previous
	var changed []Task
	for id, state := range c.prior {
		if task, ok := t.tasks[id]; ok && task.State == TaskKilling {
			task.State = state
			task.UpdatedAt = t.now()
			changed = append(changed, *task)
		}
	}
	t.mu.Unlock()

	t.notify(changed)
}

// Scale changes the desired instance count of a scalable group. When scaling
// down the surplus tasks are marked TASK_KILLING and listed in the change;
// they hold their slot until the master reports them terminal.
func (t *Tracker) Scale(name string, instances int) (*ScaleChange, error) {
	if instances < 1 {
		return nil, ErrInvalidInstances
	}
	t.mu.Lock()
	g, ok := t.groups[name]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	if !g.AllowScaling() {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrScalingNotAllowed, name)
	}

	change := &ScaleChange{
		Group:    name,
		Previous: t.desired[name],
		prior:    make(map[string]TaskState),
		tracker:  t,
	}
	t.desired[name] = instances

	var active []*Task
	for _, task := range t.tasks {
		if task.Group == name && !task.State.Terminal() && task.State != TaskKilling {
			active = append(active, task)
		}
	}
	if excess := len(active) - instances; excess > 0 {
		sort.Slice(active, func(i, j int) bool { return active[i].UpdatedAt.After(active[j].UpdatedAt) })
		for _, task := range active[:excess] {
			change.prior[task.ID] = task.State
			task.State = TaskKilling
			task.UpdatedAt = t.now()
			change.Kill = append(change.Kill, *task)
		}
	}
	t.mu.Unlock()

	t.notify(change.Kill)
	return change, nil
}

// Tasks returns all task records ordered by ID
func (t *Tracker) Tasks() []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveTasks returns non-terminal task records
func (t *Tracker) ActiveTasks() []Task {
	var out []Task
	for _, task := range t.Tasks() {
		if !task.State.Terminal() {
			out = append(out, task)
		}
	}
	return out
}

// StateCounts returns the number of tasks in each state
func (t *Tracker) StateCounts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int)
	for _, task := range t.tasks {
		out[string(task.State)]++
	}
	return out
}

// Groups returns a status summary for every group, in priority order
func (t *Tracker) Groups() []GroupStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []GroupStatus
	for _, g := range t.orderedGroups() {
		out = append(out, t.status(g))
	}
	return out
}

// GroupStatus returns the status summary of one group
func (t *Tracker) GroupStatus(name string) (GroupStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.groups[name]
	if !ok {
		return GroupStatus{}, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	return t.status(g), nil
}

func (t *Tracker) status(g *types.TaskGroup) GroupStatus {
	st := GroupStatus{
		Name:         g.Name(),
		Priority:     g.Priority(),
		Desired:      t.desired[g.Name()],
		AllowScaling: g.AllowScaling(),
		Group:        g,
	}
	for _, task := range t.tasks {
		if task.Group != g.Name() || task.State.Terminal() {
			continue
		}
		st.Active++
		if task.State == TaskRunning {
			st.Running++
		}
	}
	return st
}
