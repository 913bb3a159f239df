package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/flink-mesos/pkg/events"
	"github.com/cuemby/flink-mesos/pkg/lifecycle"
	"github.com/cuemby/flink-mesos/pkg/log"
	"github.com/cuemby/flink-mesos/pkg/metrics"
	"github.com/cuemby/flink-mesos/pkg/scheduler"
	"github.com/cuemby/flink-mesos/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// StateSource exposes the lifecycle state to handlers
type StateSource interface {
	State() lifecycle.State
}

// TaskKiller stops tasks removed by a scale-down
type TaskKiller interface {
	Kill(ctx context.Context, taskIDs []string) error
}

// Options configures a Server. Tracker, Killer, Broker and Health are
// optional; the routes backed by a missing collaborator answer 503.
type Options struct {
	Framework *types.Framework
	Tracker   *scheduler.Tracker
	Killer    TaskKiller
	Broker    *events.Broker
	Health    *metrics.HealthChecker

	// RateLimit and RateBurst throttle mutating admin routes
	RateLimit rate.Limit
	RateBurst int

	// GRPCHealthAddr enables the gRPC health service when set
	GRPCHealthAddr string

	Version string
}

// Server is the framework's control surface. The admin API is mounted when
// the framework subscribes and the listener is bound exactly once, when the
// framework becomes ready.
type Server struct {
	opts    Options
	router  *mux.Router
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu       sync.Mutex
	state    StateSource
	mounted  bool
	active   bool
	binds    int
	listener net.Listener
	http     *http.Server

	grpc       *grpc.Server
	grpcHealth *health.Server
	grpcAddr   net.Addr
}

// NewServer creates an inactive server. No socket is opened until Activate.
func NewServer(opts Options) *Server {
	if opts.RateLimit == 0 {
		opts.RateLimit = rate.Limit(10)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.Health == nil {
		opts.Health = metrics.Default()
	}
	s := &Server{
		opts:    opts,
		router:  mux.NewRouter(),
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		logger:  log.WithComponent("api"),
	}
	s.router.Use(s.instrument)
	return s
}

// SetStateSource attaches the lifecycle the handlers report on
func (s *Server) SetStateSource(src StateSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = src
}

func (s *Server) lifecycleState() (lifecycle.State, bool) {
	s.mu.Lock()
	src := s.state
	s.mu.Unlock()
	if src == nil {
		return lifecycle.State{}, false
	}
	return src.State(), true
}

// Handler returns the root router
func (s *Server) Handler() http.Handler {
	return s.router
}

// MountAPI mounts the admin routes under /api/<version>. Repeated calls are
// no-ops.
func (s *Server) MountAPI(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mounted {
		return nil
	}
	prefix := "/api/" + s.opts.Framework.APIVersion
	s.registerAdmin(s.router.PathPrefix(prefix).Subrouter())
	s.mounted = true
	s.logger.Info().Str("prefix", prefix).Msg("Admin API mounted")
	return nil
}

// Activate registers the liveness, readiness and metrics endpoints and starts
// listening on the configured host and port. It runs at most once; later
// calls return nil without touching the network.
func (s *Server) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}

	s.router.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.opts.Health.ReadyHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	addr := s.opts.Framework.Listen.String()
	s.binds++
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.opts.Health.Set(metrics.ComponentAPI, false, err.Error())
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s: %v", types.ErrAddressInUse, addr, err)
		}
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
			s.opts.Health.Set(metrics.ComponentAPI, false, err.Error())
		}
	}(s.http, ln)

	s.active = true
	s.opts.Health.Set(metrics.ComponentAPI, true, "")
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Listening")

	if s.opts.GRPCHealthAddr != "" {
		if err := s.startGRPCHealth(); err != nil {
			// The HTTP surface is up; a broken health side channel is not fatal
			s.logger.Error().Err(err).Msg("gRPC health service not started")
		}
	}
	return nil
}

// BindCount reports how many times a listener bind was attempted
func (s *Server) BindCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binds
}

// Addr returns the bound HTTP address, or nil before activation
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Mounted reports whether the admin routes are registered. Requests served
// after it returns true see the full admin API.
func (s *Server) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// Active reports whether the listener is running
func (s *Server) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Shutdown gracefully stops the listeners
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.active = false
	s.mu.Unlock()

	s.stopGRPCHealth()
	if srv == nil {
		return nil
	}
	s.opts.Health.Set(metrics.ComponentAPI, false, "shut down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, fmt.Sprint(rec.status)).Inc()
	})
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
