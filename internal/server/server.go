// Package server hosts whitelistd's forward-auth listener and admin server.
// The main listener hands every request to a fixed pool of workers over a
// bounded queue; the admin server exposes health checks, readiness probes,
// Prometheus metrics and a small whitelist management API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/whitelistd/whitelistd/internal/config"
	"github.com/whitelistd/whitelistd/internal/events"
	"github.com/whitelistd/whitelistd/internal/gate"
	"github.com/whitelistd/whitelistd/internal/observability"
	"github.com/whitelistd/whitelistd/internal/whitelist"
)

// Server is the whitelistd process host.
type Server struct {
	logger  *slog.Logger
	version string

	mu  sync.Mutex
	cfg *config.Config

	cache    *whitelist.Cache
	gate     *gate.Gate
	events   *events.Emitter // nil when events are disabled
	dispatch http.Handler // what workers run; the gate outside of tests

	pool *pool

	mainServer  *http.Server
	adminServer *http.Server // nil when admin.address is empty
	health      *observability.HealthChecker
	metrics     *observability.Metrics

	tracingShutdown func(context.Context) error
}

// New builds a server from a validated config.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	schedule := whitelist.Schedule{
		Days:   cfg.Whitelist.Days,
		Hour:   cfg.Whitelist.Hour,
		Minute: cfg.Whitelist.Minute,
	}
	cache, err := whitelist.New(schedule)
	if err != nil {
		return nil, fmt.Errorf("create whitelist: %w", err)
	}

	policy, err := gate.NewPolicy(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("compile whitelist policy: %w", err)
	}
	emitter := events.NewEmitter(cfg.Events, logger, metrics)
	g := gate.New(cache, policy, logger, metrics, gate.WithEvents(emitter))

	s := &Server{
		logger:   logger,
		version:  version,
		cfg:      cfg,
		cache:    cache,
		gate:     g,
		events:   emitter,
		dispatch: g,
		health:   health,
		metrics:  metrics,
	}
	s.pool = newPool(cfg.Server.Threads, cfg.Server.QueueSize, s.process, logger)

	metrics.RegisterEntriesGauge(cache.Len)
	metrics.RegisterQueueGauge(s.pool.depth)
	health.SetProbe("queue", s.pool.probe)

	s.mainServer = buildMainServer(cfg, s.pool, logger)
	if cfg.Admin.Address != "" {
		s.adminServer = buildAdminServer(cfg, s.adminMux(reg), logger)
	}

	logger.Info("whitelist configured",
		"schedule", schedule.String(),
		"headers", policy.Headers(),
		"allow_list", cfg.Whitelist.AllowList,
		"prune_interval", cfg.Whitelist.PruneInterval.String())
	if emitter != nil {
		logger.Info("audit events enabled", "emitter", emitter.String())
	}

	return s, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) *http.Server {
	h2s := &http2.Server{}

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(handler, h2s),
		ReadTimeout:       cfg.Server.ReadTimeout.Std(),
		WriteTimeout:      cfg.Server.WriteTimeout.Std(),
		IdleTimeout:       cfg.Server.IdleTimeout.Std(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, mux http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

// config returns the current config.
func (s *Server) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Run binds the listeners, starts the workers and the pruner, and blocks
// until ctx is canceled or a listener fails. It then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	// Bind before starting anything so a bad address fails fast.
	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("forward-auth listen: %w", err)
	}
	var adminLn net.Listener
	if s.adminServer != nil {
		adminLn, err = net.Listen("tcp", cfg.Admin.Address)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("admin listen: %w", err)
		}
	}

	pruneInterval := cfg.Whitelist.PruneInterval.Std()
	s.pool.start(func(ctx context.Context) error {
		return s.runPruner(ctx, pruneInterval)
	})

	errCh := make(chan error, 2)
	go s.serve("forward-auth", s.mainServer, ln, errCh)
	if adminLn != nil {
		go s.serve("admin", s.adminServer, adminLn, errCh)
	}

	s.health.SetStarted()
	s.health.SetReady()
	s.logger.Info("whitelistd is ready",
		"version", s.version,
		"address", ln.Addr().String(),
		"threads", cfg.Server.Threads)

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case runErr = <-errCh:
		s.logger.Error("listener failed, shutting down", "error", runErr)
	}

	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener, errCh chan<- error) {
	s.logger.Info(name+" server starting", "address", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// Reload applies a new config. Gate settings take effect for the next
// request; fields that need a restart are reported and otherwise ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	policy, err := gate.NewPolicy(newCfg.Whitelist)
	if err != nil {
		return fmt.Errorf("compile whitelist policy: %w", err)
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = newCfg
	s.mu.Unlock()

	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	s.gate.SetPolicy(policy)
	s.logger.Info("whitelist policy reloaded",
		"headers", policy.Headers(),
		"allow_list", newCfg.Whitelist.AllowList)
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := s.config().Server.DrainTimeout.Std()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	// Shutdown waits for in-flight handlers, which in turn wait for the
	// workers, so queued requests are answered before the pool stops.
	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("forward-auth server shutdown error", "error", err)
	}

	poolErr := s.pool.stop()
	if poolErr != nil {
		s.logger.Error("worker pool stopped with error", "error", poolErr)
	}

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin server shutdown error", "error", err)
		}
	}

	s.gate.Close()

	if err := s.events.Close(); err != nil {
		s.logger.Error("events emitter close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete", "entries", s.cache.Len())
	return poolErr
}
