package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/flink-mesos/pkg/events"
	"github.com/cuemby/flink-mesos/pkg/lifecycle"
	"github.com/cuemby/flink-mesos/pkg/metrics"
	"github.com/cuemby/flink-mesos/pkg/scheduler"
	"github.com/cuemby/flink-mesos/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type staticState lifecycle.State

func (s staticState) State() lifecycle.State { return lifecycle.State(s) }

type recordingKiller struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (k *recordingKiller) Kill(ctx context.Context, ids []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return k.err
	}
	k.ids = append(k.ids, ids...)
	return nil
}

func (k *recordingKiller) fail(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.err = err
}

func (k *recordingKiller) killed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.ids...)
}

func group(t *testing.T, name string, priority, instances int, scalable bool) *types.TaskGroup {
	t.Helper()
	d, err := types.NewContainerDescriptor(types.DescriptorSpec{Image: "flink", Network: types.NetworkHost})
	require.NoError(t, err)
	g, err := types.NewTaskGroup(types.TaskGroupSpec{
		Name: name, Priority: priority, Instances: instances, AllowScaling: scalable,
		Descriptor: d, Resources: types.Resources{CPUs: 0.5, MemMB: 256, Ports: 1},
	})
	require.NoError(t, err)
	return g
}

func framework(t *testing.T, port int) *types.Framework {
	t.Helper()
	jm := group(t, "jobmanagers", 1, 1, false)
	tm := group(t, "taskmanagers", 2, 2, true)
	return &types.Framework{
		Name:            "Apache-Flink.test",
		MasterAddress:   "leader.mesos",
		MasterPort:      5050,
		FailoverTimeout: 300 * time.Second,
		UseHA:           true,
		HAEndpoint:      "zk://test:2181",
		Listen:          types.Endpoint{Host: "127.0.0.1", Port: port},
		APIVersion:      "v1",
		Groups:          map[string]*types.TaskGroup{"jobmanagers": jm, "taskmanagers": tm},
	}
}

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *scheduler.Tracker) {
	t.Helper()
	fw := framework(t, 0)
	tracker := scheduler.NewTracker(fw.OrderedGroups()...)
	opts := Options{
		Framework: fw,
		Tracker:   tracker,
		Health:    metrics.NewHealthChecker(metrics.ComponentAPI),
		RateLimit: rate.Inf,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := NewServer(opts)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, tracker
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestAdminAPINotMountedBeforeSubscription(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.False(t, s.Mounted())
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/v1/framework").Code)

	require.NoError(t, s.MountAPI(context.Background()))
	require.NoError(t, s.MountAPI(context.Background()))
	assert.True(t, s.Mounted())
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/api/v1/framework").Code)

	// Liveness only exists once activated
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/health").Code)
	assert.Equal(t, 0, s.BindCount())
	assert.Nil(t, s.Addr())
}

func TestActivateBindsOnce(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, s.MountAPI(ctx))
	require.NoError(t, s.Activate(ctx))
	require.NoError(t, s.Activate(ctx))
	assert.Equal(t, 1, s.BindCount())
	assert.True(t, s.Active())

	addr := s.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get("http://" + addr.String() + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.Active())
}

func TestActivateAddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	s, _ := newTestServer(t, func(o *Options) { o.Framework = framework(t, port) })
	err = s.Activate(context.Background())
	assert.ErrorIs(t, err, types.ErrAddressInUse)
	assert.Equal(t, 1, s.BindCount())
	assert.False(t, s.Active())
}

func TestGetFramework(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) { o.Version = "1.2.3" })
	s.SetStateSource(staticState{Phase: lifecycle.PhaseReady, SubscriptionID: "fw-9", FailoverTimeout: time.Minute, Activated: true})
	require.NoError(t, s.MountAPI(context.Background()))

	w := do(t, s.Handler(), http.MethodGet, "/api/v1/framework")
	require.Equal(t, http.StatusOK, w.Code)

	var info FrameworkInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, "Apache-Flink.test", info.Name)
	assert.Equal(t, "fw-9", info.ID)
	assert.Equal(t, lifecycle.PhaseReady, info.Phase)
	assert.Equal(t, 60.0, info.FailoverTimeoutSeconds)
	assert.Equal(t, "leader.mesos:5050", info.Master)
	assert.Equal(t, "zk://test:2181", info.HAEndpoint)
	assert.Equal(t, []string{"jobmanagers", "taskmanagers"}, info.Groups)
	assert.Equal(t, "1.2.3", info.Version)
}

func TestGroupRoutes(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.NoError(t, s.MountAPI(context.Background()))

	w := do(t, s.Handler(), http.MethodGet, "/api/v1/groups")
	require.Equal(t, http.StatusOK, w.Code)
	var groups []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&groups))
	require.Len(t, groups, 2)
	assert.Equal(t, "jobmanagers", groups[0]["name"])

	w = do(t, s.Handler(), http.MethodGet, "/api/v1/groups/taskmanagers")
	require.Equal(t, http.StatusOK, w.Code)
	var one map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&one))
	assert.Equal(t, true, one["allowScaling"])
	assert.Equal(t, 2.0, one["desired"])

	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/v1/groups/history").Code)
}

func TestScaleGroup(t *testing.T) {
	killer := &recordingKiller{}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	s, tracker := newTestServer(t, func(o *Options) {
		o.Killer = killer
		o.Broker = broker
	})
	require.NoError(t, s.MountAPI(context.Background()))

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/groups/jobmanagers/scale/3", http.StatusConflict},
		{"/api/v1/groups/taskmanagers/scale/0", http.StatusBadRequest},
		{"/api/v1/groups/taskmanagers/scale/many", http.StatusBadRequest},
		{"/api/v1/groups/history/scale/2", http.StatusNotFound},
		{"/api/v1/groups/taskmanagers/scale/4", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, do(t, s.Handler(), http.MethodPut, tt.path).Code)
		})
	}
	st, err := tracker.GroupStatus("taskmanagers")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Desired)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventGroupScaled, ev.Type)
		assert.Equal(t, "4", ev.Metadata["instances"])
	case <-time.After(2 * time.Second):
		t.Fatal("no scale event published")
	}

	// Scaling down kills the surplus
	tracker.Enable()
	offer := scheduler.Offer{ID: "o1", CPUs: 16, MemMB: 16384, Ports: []scheduler.PortRange{{Begin: 31000, End: 31100}}}
	launches, _ := tracker.Match([]scheduler.Offer{offer})
	require.NotEmpty(t, launches)

	w := do(t, s.Handler(), http.MethodPut, "/api/v1/groups/taskmanagers/scale/1")
	require.Equal(t, http.StatusOK, w.Code)
	killer.mu.Lock()
	assert.Len(t, killer.ids, 3)
	killer.mu.Unlock()
}

func TestScaleDownRevertedWhenKillFails(t *testing.T) {
	killer := &recordingKiller{}
	s, tracker := newTestServer(t, func(o *Options) { o.Killer = killer })
	require.NoError(t, s.MountAPI(context.Background()))

	require.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodPut, "/api/v1/groups/taskmanagers/scale/4").Code)
	tracker.Enable()
	offer := scheduler.Offer{ID: "o1", CPUs: 16, MemMB: 16384, Ports: []scheduler.PortRange{{Begin: 31000, End: 31100}}}
	launches, _ := tracker.Match([]scheduler.Offer{offer})
	require.NotEmpty(t, launches)

	killer.fail(errors.New("master unreachable"))
	w := do(t, s.Handler(), http.MethodPut, "/api/v1/groups/taskmanagers/scale/1")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, killer.killed())

	st, err := tracker.GroupStatus("taskmanagers")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Desired)
	for _, task := range tracker.Tasks() {
		assert.NotEqual(t, scheduler.TaskKilling, task.State, task.ID)
	}

	// A retry selects the same surplus again
	killer.fail(nil)
	w = do(t, s.Handler(), http.MethodPut, "/api/v1/groups/taskmanagers/scale/1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, killer.killed(), 3)

	st, err = tracker.GroupStatus("taskmanagers")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Desired)
}

func TestScaleRateLimited(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) {
		o.RateLimit = rate.Every(time.Hour)
		o.RateBurst = 1
	})
	require.NoError(t, s.MountAPI(context.Background()))

	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodPut, "/api/v1/groups/taskmanagers/scale/3").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, s.Handler(), http.MethodPut, "/api/v1/groups/taskmanagers/scale/3").Code)
	// Reads are not limited
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/api/v1/groups").Code)
}

func TestListTasks(t *testing.T) {
	s, tracker := newTestServer(t, nil)
	require.NoError(t, s.MountAPI(context.Background()))

	w := do(t, s.Handler(), http.MethodGet, "/api/v1/tasks")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	tracker.Restore([]scheduler.Task{
		{ID: "jobmanagers.1", Group: "jobmanagers", State: scheduler.TaskRunning},
		{ID: "taskmanagers.1", Group: "taskmanagers", State: scheduler.TaskStaging},
	})
	w = do(t, s.Handler(), http.MethodGet, "/api/v1/tasks?group=taskmanagers")
	var tasks []scheduler.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "taskmanagers.1", tasks[0].ID)
}

func TestEventStream(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s, _ := newTestServer(t, func(o *Options) { o.Broker = broker })
	ctx := context.Background()
	require.NoError(t, s.MountAPI(ctx))
	require.NoError(t, s.Activate(ctx))

	resp, err := http.Get("http://" + s.Addr().String() + "/api/v1/events?limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	broker.Emit(events.EventTaskLaunched, "launched", "task_id", "taskmanagers.1")
	broker.Emit(events.EventTaskUpdated, "running", "task_id", "taskmanagers.1")

	scanner := bufio.NewScanner(resp.Body)
	var got []events.Event
	for scanner.Scan() {
		var ev events.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, events.EventTaskLaunched, got[0].Type)
	assert.Equal(t, events.EventTaskUpdated, got[1].Type)

	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/api/v1/events?limit=x").Code)

	w := do(t, s.Handler(), http.MethodGet, "/api/v1/events/recent?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	var recent []events.Event
	require.NoError(t, json.NewDecoder(w.Body).Decode(&recent))
	require.Len(t, recent, 1)
	assert.Equal(t, events.EventTaskUpdated, recent[0].Type)
}

func TestGRPCHealthService(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) { o.GRPCHealthAddr = "127.0.0.1:0" })
	require.NoError(t, s.Activate(context.Background()))

	addr := s.GRPCHealthAddr()
	require.NotNil(t, addr)

	conn, err := grpc.NewClient(addr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: GRPCServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Nil(t, s.GRPCHealthAddr())
}

func TestRequestsAreCounted(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.NoError(t, s.MountAPI(context.Background()))
	for i := 0; i < 3; i++ {
		do(t, s.Handler(), http.MethodGet, "/api/v1/groups")
	}
	c := metrics.APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/groups", strconv.Itoa(http.StatusOK))
	assert.GreaterOrEqual(t, testutil.ToFloat64(c), 3.0)
}
