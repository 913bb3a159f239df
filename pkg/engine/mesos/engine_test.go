package mesos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/flink-mesos/pkg/engine"
	"github.com/cuemby/flink-mesos/pkg/scheduler"
	"github.com/cuemby/flink-mesos/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStreamID = "stream-1"

func frame(b []byte) []byte {
	return append([]byte(strconv.Itoa(len(b))+"\n"), b...)
}

// fakeMaster serves the scheduler API: SUBSCRIBE gets a RecordIO stream fed
// from frames, every other call is recorded and accepted
type fakeMaster struct {
	t      *testing.T
	srv    *httptest.Server
	frames chan []byte

	mu              sync.Mutex
	subscribes      []call
	calls           []call
	subscribeStatus int
}

func newFakeMaster(t *testing.T) *fakeMaster {
	m := &fakeMaster{t: t, frames: make(chan []byte, 32)}
	m.srv = httptest.NewServer(m)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeMaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var c call
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if c.Type == callSubscribe {
		m.mu.Lock()
		m.subscribes = append(m.subscribes, c)
		status := m.subscribeStatus
		m.mu.Unlock()
		if status != 0 {
			http.Error(w, "framework rejected", status)
			return
		}

		w.Header().Set("Mesos-Stream-Id", testStreamID)
		w.Header().Set("Content-Type", "application/recordio")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case f, ok := <-m.frames:
				if !ok {
					return
				}
				_, _ = w.Write(frame(f))
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}

	if r.Header.Get("Mesos-Stream-Id") != testStreamID {
		http.Error(w, "missing stream id", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (m *fakeMaster) endpoint() string {
	return m.srv.URL + SchedulerPath
}

func (m *fakeMaster) send(ev event) {
	b, err := json.Marshal(ev)
	require.NoError(m.t, err)
	m.frames <- b
}

func (m *fakeMaster) subscribed(fwID string, heartbeat float64) {
	m.send(event{Type: eventSubscribed, Subscribed: &subscribedEvent{
		FrameworkID:              value{Value: fwID},
		HeartbeatIntervalSeconds: heartbeat,
	}})
}

func (m *fakeMaster) callsOf(typ string) []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []call
	for _, c := range m.calls {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func (m *fakeMaster) subscribeCalls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.subscribes...)
}

func testGroup(t *testing.T) *types.TaskGroup {
	t.Helper()
	d, err := types.NewContainerDescriptor(types.DescriptorSpec{
		Image:   "mesoshq/flink:1.1.3",
		Network: types.NetworkHost,
		Command: []string{"jobmanager"},
		Env:     []types.EnvVar{{Name: "flink_recovery_mode", Value: "zookeeper"}},
	})
	require.NoError(t, err)
	g, err := types.NewTaskGroup(types.TaskGroupSpec{
		Name:       "jobmanagers",
		Priority:   1,
		Instances:  1,
		Descriptor: d,
		Resources:  types.Resources{CPUs: 0.5, MemMB: 256, Ports: 2},
		HealthChecks: []types.HealthCheck{{
			Type: types.HealthCheckHTTP, PortIndex: 1, Path: "/overview",
			Interval: 10 * time.Second, Timeout: 5 * time.Second, ConsecutiveFailures: 3,
		}},
		Labels: map[string]string{"role": "jobmanager"},
	})
	require.NoError(t, err)
	return g
}

func testFramework() *types.Framework {
	return &types.Framework{
		Name:            "Apache-Flink",
		User:            "root",
		Checkpoint:      true,
		MasterAddress:   "leader.mesos",
		MasterPort:      5050,
		FailoverTimeout: 300 * time.Second,
		Listen:          types.Endpoint{Host: "10.0.0.5", Port: 31000},
		APIVersion:      "v1",
	}
}

func newTestEngine(t *testing.T, endpoint string, tracker *scheduler.Tracker, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{Tracker: tracker, Endpoint: endpoint}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func next(t *testing.T, e *Engine) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-e.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for engine event")
	}
	return engine.Event{}
}

func TestNewRequiresTracker(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSubscribeFollowsLeaderRedirect(t *testing.T) {
	leader := newFakeMaster(t)
	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "//"+leader.srv.Listener.Addr().String()+SchedulerPath)
		w.WriteHeader(http.StatusTemporaryRedirect)
	}))
	defer follower.Close()

	e := newTestEngine(t, follower.URL+SchedulerPath, scheduler.NewTracker(), nil)
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), "fw-previous"))

	leader.subscribed("fw-previous", 15)
	ev := next(t, e)
	require.Equal(t, engine.EventSubscribed, ev.Type)
	assert.Equal(t, "fw-previous", ev.Subscribed.FrameworkID)
	assert.Equal(t, 300*time.Second, ev.Subscribed.FailoverTimeout)
	assert.Equal(t, leader.endpoint(), e.Endpoint())
	assert.Equal(t, "fw-previous", e.FrameworkID())

	subs := leader.subscribeCalls()
	require.Len(t, subs, 1)
	info := subs[0].Subscribe.FrameworkInfo
	assert.Equal(t, "Apache-Flink", info.Name)
	assert.Equal(t, "root", info.User)
	assert.Equal(t, 300.0, info.FailoverTimeout)
	assert.True(t, info.Checkpoint)
	require.NotNil(t, info.ID)
	assert.Equal(t, "fw-previous", info.ID.Value)
	assert.Equal(t, "http://10.0.0.5:31000", info.WebUIURL)
}

func TestTooManyRedirects(t *testing.T) {
	var loop *httptest.Server
	loop = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, loop.URL+SchedulerPath, http.StatusTemporaryRedirect)
	}))
	defer loop.Close()

	e := newTestEngine(t, loop.URL+SchedulerPath, scheduler.NewTracker(), func(c *Config) { c.MaxRedirects = 2 })
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), ""))

	ev := next(t, e)
	require.Equal(t, engine.EventError, ev.Type)
	assert.Contains(t, ev.Error.Message, "too many leader redirects")
}

func TestSubscribeRejected(t *testing.T) {
	m := newFakeMaster(t)
	m.subscribeStatus = http.StatusForbidden
	e := newTestEngine(t, m.endpoint(), scheduler.NewTracker(), nil)
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), ""))

	ev := next(t, e)
	require.Equal(t, engine.EventError, ev.Type)
	assert.Contains(t, ev.Error.Message, "403")
	assert.Contains(t, ev.Error.Message, "framework rejected")
}

func TestReadyOnFirstHeartbeatOnly(t *testing.T) {
	m := newFakeMaster(t)
	e := newTestEngine(t, m.endpoint(), scheduler.NewTracker(), nil)
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), ""))

	m.subscribed("fw-1", 15)
	m.send(event{Type: eventHeartbeat})
	m.send(event{Type: eventHeartbeat})
	m.send(event{Type: eventError, Error: &errorEvent{Message: "Framework has been removed"}})

	assert.Equal(t, engine.EventSubscribed, next(t, e).Type)
	assert.Equal(t, engine.EventReady, next(t, e).Type)
	ev := next(t, e)
	require.Equal(t, engine.EventError, ev.Type)
	assert.Equal(t, "Framework has been removed", ev.Error.Message)
}

func TestStreamLossIsReported(t *testing.T) {
	m := newFakeMaster(t)
	e := newTestEngine(t, m.endpoint(), scheduler.NewTracker(), nil)
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), ""))

	m.subscribed("fw-1", 15)
	require.Equal(t, engine.EventSubscribed, next(t, e).Type)
	close(m.frames)

	ev := next(t, e)
	require.Equal(t, engine.EventError, ev.Type)
	assert.Contains(t, ev.Error.Message, "event stream lost")
}

func TestMissedHeartbeatsLoseStream(t *testing.T) {
	m := newFakeMaster(t)
	e := newTestEngine(t, m.endpoint(), scheduler.NewTracker(), func(c *Config) { c.MissedHeartbeats = 2 })
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), ""))

	m.subscribed("fw-1", 0.02)
	require.Equal(t, engine.EventSubscribed, next(t, e).Type)

	ev := next(t, e)
	require.Equal(t, engine.EventError, ev.Type)
	assert.Contains(t, ev.Error.Message, "no heartbeat")
}

func TestOffersAreAcceptedOrDeclined(t *testing.T) {
	m := newFakeMaster(t)
	tracker := scheduler.NewTracker(testGroup(t))
	tracker.Enable()
	e := newTestEngine(t, m.endpoint(), tracker, nil)
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), ""))

	m.subscribed("fw-1", 15)
	require.Equal(t, engine.EventSubscribed, next(t, e).Type)

	m.send(event{Type: eventOffers, Offers: &offersEvent{Offers: []offer{
		{
			ID: value{Value: "o-small"}, AgentID: value{Value: "agent-0"}, Hostname: "small.example",
			Resources: []resource{scalarResource("cpus", 0.1), scalarResource("mem", 128)},
		},
		{
			ID: value{Value: "o-big"}, AgentID: value{Value: "agent-1"}, Hostname: "big.example",
			Resources: []resource{
				scalarResource("cpus", 2), scalarResource("mem", 1024), scalarResource("disk", 1000),
				{Name: "ports", Type: "RANGES", Ranges: &ranges{Range: []valueRange{{Begin: 31000, End: 31010}}}},
			},
		},
	}}})
	assert.Equal(t, engine.EventReady, next(t, e).Type)

	require.Eventually(t, func() bool {
		return len(m.callsOf(callAccept)) == 1 && len(m.callsOf(callDecline)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	accept := m.callsOf(callAccept)[0]
	require.NotNil(t, accept.FrameworkID)
	assert.Equal(t, "fw-1", accept.FrameworkID.Value)
	require.Len(t, accept.Accept.OfferIDs, 1)
	assert.Equal(t, "o-big", accept.Accept.OfferIDs[0].Value)
	require.Len(t, accept.Accept.Operations, 1)
	infos := accept.Accept.Operations[0].Launch.TaskInfos
	require.Len(t, infos, 1)

	ti := infos[0]
	assert.Equal(t, "agent-1", ti.AgentID.Value)
	assert.Equal(t, "jobmanagers", scheduler.GroupOf(ti.TaskID.Value))
	assert.Equal(t, "mesoshq/flink:1.1.3", ti.Container.Docker.Image)
	assert.Equal(t, "HOST", ti.Container.Docker.Network)

	env := map[string]string{}
	for _, v := range ti.Command.Environment.Variables {
		env[v.Name] = v.Value
	}
	assert.Equal(t, "big.example", env["HOST"])
	assert.Equal(t, "31000", env["PORT0"])
	assert.Equal(t, "31001", env["PORT1"])
	assert.Equal(t, "31000", env["PORT"])
	assert.Equal(t, "zookeeper", env["flink_recovery_mode"])
	assert.Equal(t, []string{"jobmanager"}, ti.Command.Arguments)

	require.NotNil(t, ti.HealthCheck)
	assert.Equal(t, uint64(31001), ti.HealthCheck.HTTP.Port)

	decline := m.callsOf(callDecline)[0]
	require.Len(t, decline.Decline.OfferIDs, 1)
	assert.Equal(t, "o-small", decline.Decline.OfferIDs[0].Value)

	tasks := tracker.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, scheduler.TaskStaging, tasks[0].State)
	assert.Equal(t, []uint64{31000, 31001}, tasks[0].Ports)
}

func TestOffersDeclinedBeforeEnable(t *testing.T) {
	m := newFakeMaster(t)
	tracker := scheduler.NewTracker(testGroup(t))
	e := newTestEngine(t, m.endpoint(), tracker, nil)
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), ""))

	m.subscribed("fw-1", 15)
	m.send(event{Type: eventOffers, Offers: &offersEvent{Offers: []offer{{
		ID: value{Value: "o-1"}, AgentID: value{Value: "agent-1"},
		Resources: []resource{scalarResource("cpus", 8), scalarResource("mem", 8192)},
	}}}})
	require.Equal(t, engine.EventSubscribed, next(t, e).Type)
	require.Equal(t, engine.EventReady, next(t, e).Type)

	require.Eventually(t, func() bool { return len(m.callsOf(callDecline)) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, m.callsOf(callAccept))
	assert.Empty(t, tracker.Tasks())
}

func TestUpdateIsForwardedAndAcknowledged(t *testing.T) {
	m := newFakeMaster(t)
	tracker := scheduler.NewTracker(testGroup(t))
	tracker.Restore([]scheduler.Task{{ID: "jobmanagers.abc", Group: "jobmanagers", AgentID: "agent-1", State: scheduler.TaskRunning}})
	e := newTestEngine(t, m.endpoint(), tracker, nil)
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), "fw-1"))

	m.subscribed("fw-1", 15)
	require.Equal(t, engine.EventSubscribed, next(t, e).Type)

	// Restored tasks are reconciled on subscription
	require.Eventually(t, func() bool { return len(m.callsOf(callReconcile)) == 1 }, 5*time.Second, 10*time.Millisecond)
	rc := m.callsOf(callReconcile)[0].Reconcile
	require.Len(t, rc.Tasks, 1)
	assert.Equal(t, "jobmanagers.abc", rc.Tasks[0].TaskID.Value)

	m.send(event{Type: eventUpdate, Update: &updateEvent{Status: taskStatus{
		TaskID:  value{Value: "jobmanagers.abc"},
		State:   "TASK_FAILED",
		Message: "container exited",
		AgentID: &value{Value: "agent-1"},
		UUID:    "dXVpZA==",
	}}})

	ev := next(t, e)
	require.Equal(t, engine.EventTaskUpdate, ev.Type)
	assert.Equal(t, "jobmanagers.abc", ev.TaskUpdate.TaskID)
	assert.Equal(t, "jobmanagers", ev.TaskUpdate.Group)
	assert.Equal(t, "TASK_FAILED", ev.TaskUpdate.State)
	assert.Equal(t, "container exited", ev.TaskUpdate.Message)

	require.Eventually(t, func() bool {
		return len(m.callsOf(callAcknowledge)) == 1 && len(m.callsOf(callRevive)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	ack := m.callsOf(callAcknowledge)[0].Acknowledge
	assert.Equal(t, "dXVpZA==", ack.UUID)
	assert.Equal(t, "agent-1", ack.AgentID.Value)

	// The failed instance no longer holds its slot
	assert.Empty(t, tracker.Tasks())
	assert.Equal(t, map[string]int{"jobmanagers": 1}, tracker.Missing())
}

func TestPanicWhileHandlingEventIsReportedAsFault(t *testing.T) {
	m := newFakeMaster(t)
	tracker := scheduler.NewTracker(testGroup(t))
	tracker.Restore([]scheduler.Task{{ID: "jobmanagers.abc", Group: "jobmanagers", AgentID: "agent-1", State: scheduler.TaskRunning}})
	tracker.OnChange(func(scheduler.Task) { panic("record store unavailable") })

	var (
		mu     sync.Mutex
		faults []error
	)
	e := newTestEngine(t, m.endpoint(), tracker, func(c *Config) {
		c.OnFault = func(err error, stack string) {
			mu.Lock()
			defer mu.Unlock()
			assert.NotEmpty(t, stack)
			faults = append(faults, err)
		}
	})
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), "fw-1"))
	m.subscribed("fw-1", 15)
	require.Equal(t, engine.EventSubscribed, next(t, e).Type)

	m.send(event{Type: eventUpdate, Update: &updateEvent{Status: taskStatus{
		TaskID: value{Value: "jobmanagers.abc"}, State: "TASK_RUNNING",
	}}})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(faults) == 1
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Contains(t, faults[0].Error(), "record store unavailable")
	mu.Unlock()

	// The stream survives the fault
	m.send(event{Type: eventHeartbeat})
	assert.Equal(t, engine.EventReady, next(t, e).Type)
}

func TestLaunchRevivesAndKillTargetsAgent(t *testing.T) {
	m := newFakeMaster(t)
	tracker := scheduler.NewTracker(testGroup(t))
	tracker.Restore([]scheduler.Task{{ID: "jobmanagers.abc", Group: "jobmanagers", AgentID: "agent-1", State: scheduler.TaskRunning}})
	e := newTestEngine(t, m.endpoint(), tracker, nil)

	ctx := context.Background()
	assert.ErrorIs(t, e.Launch(ctx, []*types.TaskGroup{testGroup(t)}), ErrNotSubscribed)

	require.NoError(t, e.Subscribe(ctx, testFramework(), ""))
	m.subscribed("fw-1", 15)
	require.Equal(t, engine.EventSubscribed, next(t, e).Type)

	require.NoError(t, e.Launch(ctx, []*types.TaskGroup{testGroup(t)}))
	assert.Len(t, m.callsOf(callRevive), 1)

	require.NoError(t, e.Kill(ctx, []string{"jobmanagers.abc"}))
	kills := m.callsOf(callKill)
	require.Len(t, kills, 1)
	assert.Equal(t, "jobmanagers.abc", kills[0].Kill.TaskID.Value)
	require.NotNil(t, kills[0].Kill.AgentID)
	assert.Equal(t, "agent-1", kills[0].Kill.AgentID.Value)
}

func TestCloseClosesEvents(t *testing.T) {
	m := newFakeMaster(t)
	e := newTestEngine(t, m.endpoint(), scheduler.NewTracker(), nil)
	require.NoError(t, e.Subscribe(context.Background(), testFramework(), ""))
	m.subscribed("fw-1", 15)
	require.Equal(t, engine.EventSubscribed, next(t, e).Type)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	select {
	case _, ok := <-e.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("events channel not closed")
	}
	assert.ErrorIs(t, e.Subscribe(context.Background(), testFramework(), ""), ErrClosed)
}

func TestResolveLeader(t *testing.T) {
	tests := []struct {
		location string
		want     string
	}{
		{"//10.0.0.2:5050/api/v1/scheduler", "http://10.0.0.2:5050/api/v1/scheduler"},
		{"//10.0.0.2:5050", "http://10.0.0.2:5050/api/v1/scheduler"},
		{"http://master-2:5050/api/v1/scheduler", "http://master-2:5050/api/v1/scheduler"},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			got, err := resolveLeader("http://leader.mesos:5050/api/v1/scheduler", tt.location)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := resolveLeader("http://leader.mesos:5050/api/v1/scheduler", "")
	assert.Error(t, err)
}
