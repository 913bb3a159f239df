package mesos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuemby/flink-mesos/pkg/engine"
	"github.com/cuemby/flink-mesos/pkg/log"
	"github.com/cuemby/flink-mesos/pkg/metrics"
	"github.com/cuemby/flink-mesos/pkg/scheduler"
	"github.com/cuemby/flink-mesos/pkg/types"
	"github.com/rs/zerolog"
)

// SchedulerPath is the scheduler API path on the master
const SchedulerPath = "/api/v1/scheduler"

var (
	ErrNotSubscribed = errors.New("not subscribed")
	ErrClosed        = errors.New("engine closed")
	ErrTooManyHops   = errors.New("too many leader redirects")
)

// Config configures the Mesos engine
type Config struct {
	// Tracker places tasks onto offers and records task state. Required.
	Tracker *scheduler.Tracker

	// Endpoint overrides the scheduler URL derived from the framework's
	// master address
	Endpoint string

	HTTPClient *http.Client

	// RefuseSeconds is the decline filter for unused offers
	RefuseSeconds float64

	// MaxRedirects bounds leader redirects followed during SUBSCRIBE
	MaxRedirects int

	// MissedHeartbeats is how many heartbeat intervals may pass without an
	// event before the stream is considered lost
	MissedHeartbeats int

	// OnFault receives panics recovered while handling the event stream.
	// When nil they are only logged.
	OnFault func(err error, stack string)
}

// Engine talks to the Mesos master through the v1 scheduler HTTP API
type Engine struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	events chan engine.Event

	mu          sync.Mutex
	fw          *types.Framework
	endpoint    string
	streamID    string
	frameworkID string
	cancel      context.CancelFunc
	closed      bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Mesos engine
func New(cfg Config) (*Engine, error) {
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("mesos engine: tracker is required")
	}
	if cfg.RefuseSeconds <= 0 {
		cfg.RefuseSeconds = 5
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = 5
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	// Redirects are followed by hand so later calls go to the leader too
	redirecting := *client
	redirecting.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Engine{
		cfg:      cfg,
		client:   &redirecting,
		logger:   log.WithComponent("mesos"),
		events:   make(chan engine.Event, 64),
		endpoint: cfg.Endpoint,
	}, nil
}

func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

// FrameworkID returns the ID assigned by the master, if subscribed
func (e *Engine) FrameworkID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameworkID
}

// Endpoint returns the scheduler URL in use, following any leader redirect
func (e *Engine) Endpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint
}

// Subscribe opens the event stream in the background. The outcome is
// reported on the Events channel.
func (e *Engine) Subscribe(ctx context.Context, fw *types.Framework, frameworkID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.fw = fw
	e.frameworkID = frameworkID
	if e.endpoint == "" {
		e.endpoint = "http://" + fw.MasterEndpoint().String() + SchedulerPath
	}

	streamCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	info := frameworkInfo{
		ID:              id(frameworkID),
		User:            fw.User,
		Name:            fw.Name,
		Role:            fw.Role,
		Checkpoint:      fw.Checkpoint,
		FailoverTimeout: fw.FailoverTimeout.Seconds(),
		Hostname:        fw.Listen.Host,
		WebUIURL:        "http://" + fw.Listen.String(),
	}
	c := call{
		FrameworkID: id(frameworkID),
		Type:        callSubscribe,
		Subscribe:   &subscribeCall{FrameworkInfo: info},
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.fault(fmt.Errorf("panic in event stream: %v", r), string(debug.Stack()))
				e.emitError(streamCtx, fmt.Sprintf("event stream aborted: %v", r))
			}
		}()
		e.run(streamCtx, c, fw.FailoverTimeout)
	}()
	return nil
}

// Launch asks the master to resend offers now that tasks are wanted
func (e *Engine) Launch(ctx context.Context, groups []*types.TaskGroup) error {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name()
	}
	e.logger.Info().Strs("groups", names).Msg("Task groups handed over for offer matching")
	return e.post(ctx, call{Type: callRevive})
}

// Kill stops the given tasks
func (e *Engine) Kill(ctx context.Context, taskIDs []string) error {
	agents := make(map[string]string)
	for _, t := range e.cfg.Tracker.Tasks() {
		agents[t.ID] = t.AgentID
	}
	var errs []error
	for _, tid := range taskIDs {
		c := call{Type: callKill, Kill: &killCall{TaskID: value{Value: tid}, AgentID: id(agents[tid])}}
		if err := e.post(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("kill %s: %w", tid, err))
			continue
		}
		e.logger.Info().Str("task_id", tid).Msg("Kill requested")
	}
	return errors.Join(errs...)
}

// Close stops the event stream and closes the Events channel. Running tasks
// are left alone so a restarted framework can take them over.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()
		e.wg.Wait()
		close(e.events)
	})
	return nil
}

func (e *Engine) fault(err error, stack string) {
	e.logger.Error().Err(err).Str("stack", stack).Msg("Recovered from panic")
	if e.cfg.OnFault != nil {
		e.cfg.OnFault(err, stack)
	}
}

// guard runs the handler for one stream event. A panic is reported as a fault
// and the stream keeps going.
func (e *Engine) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.fault(fmt.Errorf("panic handling %s: %v", what, r), string(debug.Stack()))
		}
	}()
	fn()
}

func (e *Engine) emit(ctx context.Context, ev engine.Event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

func (e *Engine) emitError(ctx context.Context, msg string) {
	e.emit(ctx, engine.Event{Type: engine.EventError, Error: &engine.ErrorPayload{Message: msg}})
}

// run owns one subscription: it opens the stream and dispatches events
// until the stream ends or ctx is cancelled
func (e *Engine) run(ctx context.Context, c call, failover time.Duration) {
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	resp, err := e.subscribe(streamCtx, c)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("Subscription failed")
			e.emitError(ctx, err.Error())
		}
		return
	}
	defer resp.Body.Close()

	var (
		watchdog *time.Timer
		deadline time.Duration
		ready    bool
	)
	defer func() {
		if watchdog != nil {
			watchdog.Stop()
		}
	}()

	records := newRecordReader(resp.Body)
	for {
		rec, err := records.Next()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case streamCtx.Err() != nil:
				e.logger.Error().Dur("deadline", deadline).Msg("Heartbeats missed, event stream lost")
				e.emitError(ctx, "event stream lost: no heartbeat within "+deadline.String())
			default:
				e.logger.Error().Err(err).Msg("Event stream lost")
				e.emitError(ctx, "event stream lost: "+err.Error())
			}
			return
		}
		if watchdog != nil {
			watchdog.Reset(deadline)
		}

		var ev event
		if err := json.Unmarshal(rec, &ev); err != nil {
			e.logger.Warn().Err(err).Msg("Skipping undecodable event")
			continue
		}

		switch ev.Type {
		case eventSubscribed:
			if ev.Subscribed == nil {
				continue
			}
			if interval := ev.Subscribed.HeartbeatIntervalSeconds; interval > 0 && watchdog == nil {
				deadline = time.Duration(interval * float64(e.cfg.MissedHeartbeats) * float64(time.Second))
				watchdog = time.AfterFunc(deadline, cancelStream)
			}
			e.guard(ev.Type, func() { e.onSubscribed(ctx, ev.Subscribed, failover) })

		case eventHeartbeat:
			if !ready {
				ready = true
				e.emit(ctx, engine.Event{Type: engine.EventReady})
			}

		case eventOffers:
			if !ready {
				ready = true
				e.emit(ctx, engine.Event{Type: engine.EventReady})
			}
			if ev.Offers != nil {
				e.guard(ev.Type, func() { e.onOffers(ctx, ev.Offers.Offers) })
			}

		case eventUpdate:
			if ev.Update != nil {
				e.guard(ev.Type, func() { e.onUpdate(ctx, ev.Update.Status) })
			}

		case eventRescind:
			if ev.Rescind != nil {
				e.logger.Debug().Str("offer_id", ev.Rescind.OfferID.Value).Msg("Offer rescinded")
			}

		case eventFailure:
			if ev.Failure != nil && ev.Failure.AgentID != nil {
				e.logger.Warn().Str("agent_id", ev.Failure.AgentID.Value).Msg("Agent failure")
			}

		case eventError:
			msg := "unknown error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			e.logger.Error().Str("message", msg).Msg("Master reported an error")
			e.emitError(ctx, msg)
			// The master closes the stream after ERROR
			return

		case eventMessage:
		default:
			e.logger.Debug().Str("type", ev.Type).Msg("Ignoring event")
		}
	}
}

// subscribe posts the SUBSCRIBE call, following leader redirects
func (e *Engine) subscribe(ctx context.Context, c call) (*http.Response, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode subscribe: %w", err)
	}

	for hop := 0; hop <= e.cfg.MaxRedirects; hop++ {
		endpoint := e.Endpoint()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("subscribe to %s: %w", endpoint, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			e.mu.Lock()
			e.streamID = resp.Header.Get("Mesos-Stream-Id")
			e.mu.Unlock()
			e.logger.Info().Str("endpoint", endpoint).Msg("Event stream opened")
			return resp, nil

		case http.StatusTemporaryRedirect, http.StatusPermanentRedirect, http.StatusFound, http.StatusSeeOther:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			next, err := resolveLeader(endpoint, loc)
			if err != nil {
				return nil, err
			}
			e.mu.Lock()
			e.endpoint = next
			e.mu.Unlock()
			e.logger.Info().Str("leader", next).Msg("Redirected to leading master")

		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, fmt.Errorf("subscribe to %s: %s: %s", endpoint, resp.Status, bytes.TrimSpace(msg))
		}
	}
	return nil, ErrTooManyHops
}

// resolveLeader turns a Location header, which masters send scheme-relative
// and sometimes without the API path, into a scheduler URL
func resolveLeader(current, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("redirect without Location header")
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid redirect location %q: %w", location, err)
	}
	next := base.ResolveReference(ref)
	if next.Path == "" || next.Path == "/" {
		next.Path = SchedulerPath
	}
	return next.String(), nil
}

// post sends a non-subscribe call on the current stream
func (e *Engine) post(ctx context.Context, c call) error {
	e.mu.Lock()
	endpoint, streamID, fwID := e.endpoint, e.streamID, e.frameworkID
	e.mu.Unlock()
	if streamID == "" || fwID == "" {
		return ErrNotSubscribed
	}
	c.FrameworkID = id(fwID)

	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mesos-Stream-Id", streamID)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s: %s", c.Type, resp.Status, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (e *Engine) onSubscribed(ctx context.Context, s *subscribedEvent, failover time.Duration) {
	e.mu.Lock()
	e.frameworkID = s.FrameworkID.Value
	e.mu.Unlock()

	e.logger.Info().
		Str("framework_id", s.FrameworkID.Value).
		Float64("heartbeat_interval_seconds", s.HeartbeatIntervalSeconds).
		Msg("Subscribed")
	e.emit(ctx, engine.Event{
		Type:       engine.EventSubscribed,
		Subscribed: &engine.SubscribedPayload{FrameworkID: s.FrameworkID.Value, FailoverTimeout: failover},
	})

	// Ask for the state of tasks that survived a restart
	active := e.cfg.Tracker.ActiveTasks()
	if len(active) == 0 {
		return
	}
	rc := &reconcileCall{}
	for _, t := range active {
		rc.Tasks = append(rc.Tasks, reconcileTask{TaskID: value{Value: t.ID}, AgentID: id(t.AgentID)})
	}
	if err := e.post(ctx, call{Type: callReconcile, Reconcile: rc}); err != nil {
		e.logger.Warn().Err(err).Int("tasks", len(active)).Msg("Reconciliation request failed")
		return
	}
	e.logger.Info().Int("tasks", len(active)).Msg("Reconciliation requested")
}

func (e *Engine) onOffers(ctx context.Context, offers []offer) {
	metrics.OffersReceived.Add(float64(len(offers)))

	converted := make([]scheduler.Offer, len(offers))
	for i, o := range offers {
		converted[i] = toOffer(o)
	}

	timer := metrics.NewTimer()
	launches, decline := e.cfg.Tracker.Match(converted)
	timer.ObserveDuration(metrics.MatchLatency)

	for _, l := range launches {
		e.accept(ctx, l)
	}

	if len(decline) == 0 {
		return
	}
	ids := make([]value, len(decline))
	for i, d := range decline {
		ids[i] = value{Value: d}
	}
	c := call{Type: callDecline, Decline: &declineCall{OfferIDs: ids, Filters: &filters{RefuseSeconds: e.cfg.RefuseSeconds}}}
	if err := e.post(ctx, c); err != nil {
		e.logger.Warn().Err(err).Int("offers", len(decline)).Msg("Decline failed")
		return
	}
	metrics.OffersDeclined.Add(float64(len(decline)))
}

func (e *Engine) accept(ctx context.Context, l scheduler.Launch) {
	infos := make([]taskInfo, 0, len(l.Tasks))
	for _, t := range l.Tasks {
		g, ok := e.cfg.Tracker.Group(t.Group)
		if !ok {
			continue
		}
		infos = append(infos, buildTaskInfo(t, g))
	}

	c := call{
		Type: callAccept,
		Accept: &acceptCall{
			OfferIDs:   []value{{Value: l.Offer.ID}},
			Operations: []operation{{Type: "LAUNCH", Launch: &launch{TaskInfos: infos}}},
			Filters:    &filters{RefuseSeconds: e.cfg.RefuseSeconds},
		},
	}
	if err := e.post(ctx, c); err != nil {
		e.logger.Error().Err(err).Str("offer_id", l.Offer.ID).Msg("Launch failed")
		for _, t := range l.Tasks {
			_, _ = e.cfg.Tracker.UpdateStatus(t.ID, scheduler.TaskError, err.Error())
			e.cfg.Tracker.Forget(t.ID)
		}
		return
	}

	for _, t := range l.Tasks {
		metrics.TasksLaunched.WithLabelValues(t.Group).Inc()
		logger := log.WithTaskID(t.ID)
		logger.Info().
			Str("task_group", t.Group).
			Str("agent_id", t.AgentID).
			Str("hostname", t.Hostname).
			Msg("Task launched")
	}
}

func (e *Engine) onUpdate(ctx context.Context, st taskStatus) {
	tid := st.TaskID.Value
	state := scheduler.TaskState(st.State)

	group := scheduler.GroupOf(tid)
	if task, err := e.cfg.Tracker.UpdateStatus(tid, state, st.Message); err != nil {
		e.logger.Warn().Err(err).Str("task_id", tid).Msg("Status update for unknown task")
	} else {
		group = task.Group
	}

	e.emit(ctx, engine.Event{
		Type: engine.EventTaskUpdate,
		TaskUpdate: &engine.TaskUpdatePayload{
			TaskID:  tid,
			Group:   group,
			State:   st.State,
			Message: st.Message,
		},
	})

	if st.UUID != "" && st.AgentID != nil {
		ack := call{Type: callAcknowledge, Acknowledge: &ackCall{AgentID: *st.AgentID, TaskID: st.TaskID, UUID: st.UUID}}
		if err := e.post(ctx, ack); err != nil {
			e.logger.Warn().Err(err).Str("task_id", tid).Msg("Acknowledge failed")
		}
	}

	if !state.Terminal() {
		return
	}
	e.cfg.Tracker.Forget(tid)
	if len(e.cfg.Tracker.Missing()) > 0 {
		if err := e.post(ctx, call{Type: callRevive}); err != nil {
			e.logger.Warn().Err(err).Msg("Revive failed")
		}
	}
}
