package framework

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/flink-mesos/pkg/api"
	"github.com/cuemby/flink-mesos/pkg/engine"
	"github.com/cuemby/flink-mesos/pkg/engine/mesos"
	"github.com/cuemby/flink-mesos/pkg/events"
	"github.com/cuemby/flink-mesos/pkg/lifecycle"
	"github.com/cuemby/flink-mesos/pkg/log"
	"github.com/cuemby/flink-mesos/pkg/metrics"
	"github.com/cuemby/flink-mesos/pkg/scheduler"
	"github.com/cuemby/flink-mesos/pkg/storage"
	"github.com/cuemby/flink-mesos/pkg/types"
	"github.com/rs/zerolog"
)

// Options holds everything besides the framework configuration needed to
// assemble an App
type Options struct {
	// DataDir holds the state database
	DataDir string

	FaultPolicy lifecycle.FaultPolicy

	// Engine overrides the Mesos engine, e.g. with engine.Scripted
	Engine engine.Engine

	// MasterURL overrides the scheduler endpoint derived from the master
	// address
	MasterURL string

	GRPCHealthAddr  string
	Version         string
	CollectInterval time.Duration
}

// App is the assembled framework: configuration, durable state, the
// scheduling engine, the control surface and the lifecycle that drives them
type App struct {
	fw         *types.Framework
	store      storage.Store
	broker     *events.Broker
	tracker    *scheduler.Tracker
	engine     engine.Engine
	server     *api.Server
	controller *lifecycle.Controller
	collector  *metrics.Collector
	health     *metrics.HealthChecker
	logger     zerolog.Logger
}

// New assembles an App. Previously persisted tasks and the framework ID are
// restored so the framework re-registers as the same framework.
func New(fw *types.Framework, opts Options) (*App, error) {
	if fw == nil {
		return nil, errors.New("framework configuration is required")
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	a := &App{
		fw:     fw,
		store:  store,
		health: metrics.NewHealthChecker(metrics.CriticalComponents...),
		logger: log.WithComponent("framework"),
	}
	a.health.SetVersion(opts.Version)
	a.health.Set(metrics.ComponentStorage, true, "")

	frameworkID, err := store.GetFrameworkID()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		store.Close()
		return nil, fmt.Errorf("failed to read framework ID: %w", err)
	}
	tasks, err := store.ListTasks()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	a.tracker = scheduler.NewTracker(fw.OrderedGroups()...)
	a.tracker.Restore(tasks)
	a.tracker.OnChange(a.onTaskChange)
	if len(tasks) > 0 || frameworkID != "" {
		a.logger.Info().
			Str("framework_id", frameworkID).
			Int("tasks", len(tasks)).
			Msg("Restored framework state")
	}

	a.engine = opts.Engine
	if a.engine == nil {
		a.engine, err = mesos.New(mesos.Config{
			Tracker:  a.tracker,
			Endpoint: opts.MasterURL,
			// The stream only runs after Run has started the controller
			OnFault: func(err error, stack string) { a.controller.ReportFault(err, stack) },
		})
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	a.broker = events.NewBroker()

	a.server = api.NewServer(api.Options{
		Framework:      fw,
		Tracker:        a.tracker,
		Killer:         a.engine,
		Broker:         a.broker,
		Health:         a.health,
		GRPCHealthAddr: opts.GRPCHealthAddr,
		Version:        opts.Version,
	})

	a.controller, err = lifecycle.New(lifecycle.Config{
		Framework:   fw,
		Engine:      a.engine,
		Surface:     a.server,
		Store:       store,
		Launcher:    a.tracker,
		Broker:      a.broker,
		Health:      a.health,
		FaultPolicy: opts.FaultPolicy,
		FrameworkID: frameworkID,
	})
	if err != nil {
		a.broker.Stop()
		store.Close()
		return nil, err
	}
	a.server.SetStateSource(a.controller)
	a.controller.Go("event broker", a.broker.Run)

	a.collector = metrics.NewCollector(a.tracker, opts.CollectInterval)
	return a, nil
}

// onTaskChange persists task records and announces new placements
func (a *App) onTaskChange(task scheduler.Task) {
	if task.State.Terminal() {
		if err := a.store.DeleteTask(task.ID); err != nil {
			a.reportStorage(err)
		}
		return
	}
	if err := a.store.SaveTask(task); err != nil {
		a.reportStorage(err)
		return
	}
	if task.State == scheduler.TaskStaging && a.broker != nil {
		a.broker.Emit(events.EventTaskLaunched, "task launched",
			"task_id", task.ID, "group", task.Group, "agent_id", task.AgentID, "hostname", task.Hostname)
	}
}

func (a *App) reportStorage(err error) {
	a.logger.Error().Err(err).Msg("Failed to persist task")
	a.health.Set(metrics.ComponentStorage, false, err.Error())
}

// Run drives the lifecycle until ctx is cancelled or the framework fails.
// A failure is returned as an error; a cancelled context returns nil.
func (a *App) Run(ctx context.Context) error {
	a.controller.Go("metrics collector", a.collector.Run)
	defer a.collector.Stop()

	a.logger.Info().
		Str("name", a.fw.Name).
		Str("master", a.fw.MasterEndpoint().String()).
		Str("listen", a.fw.Listen.String()).
		Msg("Starting framework")
	return a.controller.Run(ctx)
}

// Close releases everything New acquired. Safe to call after Run returned.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	a.broker.Stop()
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) Framework() *types.Framework       { return a.fw }
func (a *App) Controller() *lifecycle.Controller { return a.controller }
func (a *App) Server() *api.Server               { return a.server }
func (a *App) Tracker() *scheduler.Tracker       { return a.tracker }
func (a *App) Store() storage.Store              { return a.store }
func (a *App) Broker() *events.Broker            { return a.broker }
func (a *App) Health() *metrics.HealthChecker    { return a.health }
