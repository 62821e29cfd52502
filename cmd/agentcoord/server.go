package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/collaboration"
	"github.com/BaSui01/agentcoord/agent/sim"
	"github.com/BaSui01/agentcoord/config"
	"github.com/BaSui01/agentcoord/internal/audit"
	"github.com/BaSui01/agentcoord/internal/database"
	"github.com/BaSui01/agentcoord/internal/eventsink"
	"github.com/BaSui01/agentcoord/internal/metrics"
	"github.com/BaSui01/agentcoord/internal/server"
	"github.com/BaSui01/agentcoord/internal/telemetry"
	"github.com/BaSui01/agentcoord/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server wires the coordinator to its sinks, the simulated fleet and the
// metrics/health HTTP endpoint.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry   *telemetry.Providers
	collector   *metrics.Collector
	coordinator *collaboration.Coordinator
	fleet       *sim.Fleet
	health      *server.HealthHandler
	httpManager *server.Manager

	gauges    metric.Registration
	publisher *eventsink.Publisher
	dbPool    *database.PoolManager
	archive   *audit.Archive
	observers []*collaboration.AsyncObserver
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		health: server.NewHealthHandler(Version, logger),
	}
}

// Run starts every component and blocks until ctx is canceled or the HTTP
// server fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		s.shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.fleet != nil {
		g.Go(func() error { return s.fleet.Run(gctx) })
	}
	if s.fleet != nil && s.cfg.Simulation.Demo.Interval > 0 {
		g.Go(func() error { return s.runDemo(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.httpManager.Errors():
			return fmt.Errorf("http server: %w", err)
		}
	})

	err := g.Wait()
	s.shutdown()
	return err
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

func (s *Server) start(ctx context.Context) error {
	// 1. 遥测
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, s.cfg.Coordinator, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		s.telemetry = providers
	}

	// 2. 指标
	if s.cfg.Metrics.Enabled {
		s.collector = metrics.NewCollector(s.cfg.Metrics.Namespace, s.logger)
	}

	// 3. 外部事件接收方
	opts, err := s.initSinks(ctx)
	if err != nil {
		return err
	}

	// 4. 协调器
	s.coordinator = collaboration.New(s.cfg.Coordinator, s.logger, opts...)
	if err := s.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	s.health.RegisterCheck(server.CheckFunc{
		CheckName: "coordinator",
		Fn:        func(context.Context) error { return s.coordinator.Ping() },
	})
	if s.telemetry.Enabled() {
		reg, err := telemetry.RegisterCoordinatorGauges(s.telemetry.Meter(telemetry.InstrumentationName), s.coordinator)
		if err != nil {
			s.logger.Warn("failed to register coordinator gauges", zap.Error(err))
		} else {
			s.gauges = reg
		}
	}

	// 5. 模拟 Agent
	if s.cfg.Simulation.Enabled {
		if err := s.initFleet(ctx); err != nil {
			return err
		}
	}

	// 6. HTTP
	return s.startHTTPServer()
}

func (s *Server) initSinks(ctx context.Context) ([]collaboration.Option, error) {
	var opts []collaboration.Option
	if s.collector != nil {
		opts = append(opts, collaboration.WithMetrics(s.collector))
	}
	if s.telemetry != nil {
		opts = append(opts, collaboration.WithTracer(s.telemetry.Tracer(telemetry.CollaborationScope)))
	}

	if s.cfg.Redis.Enabled {
		publisher, err := eventsink.NewPublisher(s.cfg.Redis, s.logger)
		if err != nil {
			return nil, err
		}
		s.publisher = publisher
		s.health.RegisterCheck(server.CheckFunc{CheckName: "redis", Fn: publisher.Ping})
		opts = append(opts, collaboration.WithObserver(s.async(publisher)))
	}

	if s.cfg.Database.Enabled {
		var stats database.StatsRecorder
		var queries audit.QueryRecorder
		if s.collector != nil {
			stats, queries = s.collector, s.collector
		}
		pool, err := database.Open(s.cfg.Database, stats, s.logger)
		if err != nil {
			return nil, err
		}
		s.dbPool = pool

		archive := audit.NewArchive(pool, queries, s.logger)
		if err := archive.Migrate(ctx); err != nil {
			return nil, err
		}
		s.archive = archive
		s.health.RegisterCheck(server.CheckFunc{CheckName: "database", Fn: pool.Ping})
		opts = append(opts, collaboration.WithObserver(s.async(archive)))
	}

	return opts, nil
}

func (s *Server) async(o collaboration.Observer) collaboration.Observer {
	a := collaboration.NewAsyncObserver(o, 2, 256, s.logger)
	s.observers = append(s.observers, a)
	return a
}

func (s *Server) initFleet(ctx context.Context) error {
	sc := s.cfg.Simulation
	s.fleet = sim.NewFleet(s.coordinator, sc.Behavior, sc.HeartbeatInterval, s.logger)

	specs := sc.Agents
	if len(specs) == 0 {
		specs = sim.DefaultSpecs()
	}
	if err := s.fleet.Spawn(specs...); err != nil {
		return err
	}
	// 首轮心跳，避免等待一个完整周期
	if err := s.fleet.Beat(ctx); err != nil {
		s.logger.Warn("initial heartbeat incomplete", zap.Error(err))
	}
	return nil
}

func (s *Server) startHTTPServer() error {
	s.httpManager = server.NewManager(s.routes(), server.ConfigFrom(s.cfg.Server), s.logger)

	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// =============================================================================
// 🌐 路由
// =============================================================================

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", s.health)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	if s.collector != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	middlewares := []server.Middleware{
		server.Recovery(s.logger),
		server.RequestLogger(s.logger),
	}
	if s.collector != nil {
		middlewares = append(middlewares, server.Metrics(s.collector, "/health", "/status", "/metrics"))
	}
	middlewares = append(middlewares, server.OTelTracing())

	return server.Chain(mux, middlewares...)
}

type statusResponse struct {
	Agents      int                          `json:"agents"`
	Pending     int                          `json:"pending_messages"`
	Sessions    []*collaboration.Session     `json:"active_sessions"`
	Performance map[string]agent.Performance `json:"performance"`
	Simulation  map[string]sim.Stats         `json:"simulation,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Agents:      len(s.coordinator.Agents()),
		Pending:     s.coordinator.Pending(),
		Sessions:    s.coordinator.ActiveCollaborations(),
		Performance: s.coordinator.AgentPerformance(),
	}
	if s.fleet != nil {
		resp.Simulation = s.fleet.Stats()
	}
	server.WriteJSON(w, http.StatusOK, resp)
}

// handleSession looks the session up live first, then in the Redis snapshot,
// then in the audit archive.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if sess, err := s.coordinator.Session(id); err == nil {
		server.WriteJSON(w, http.StatusOK, sess)
		return
	} else if !types.IsCode(err, types.ErrSessionNotFound) {
		server.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if s.publisher != nil {
		sess, err := s.publisher.Latest(r.Context(), id)
		if err == nil {
			server.WriteJSON(w, http.StatusOK, sess)
			return
		}
		if !errors.Is(err, eventsink.ErrSnapshotMiss) {
			s.logger.Warn("snapshot lookup failed", zap.String("session_id", id), zap.Error(err))
		}
	}

	if s.archive != nil {
		if rec, err := s.archive.Session(r.Context(), id); err == nil {
			server.WriteJSON(w, http.StatusOK, rec)
			return
		}
	}

	server.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

func (s *Server) shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	// 1. 先停协调器，之后不再产生通知
	if s.coordinator != nil {
		if err := s.coordinator.Stop(); err != nil {
			s.logger.Error("coordinator shutdown error", zap.Error(err))
		}
	}

	// 2. HTTP
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 排空异步通知，再关闭接收方
	for _, o := range s.observers {
		_ = o.Close()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("event publisher close error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
	}

	// 4. 遥测最后关闭，确保 span 已导出
	if s.gauges != nil {
		_ = s.gauges.Unregister()
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}
