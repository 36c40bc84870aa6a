package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/checkpoint"
	"github.com/BaSui01/tripsage/agent/nodes"
	"github.com/BaSui01/tripsage/agent/orchestrator"
	"github.com/BaSui01/tripsage/agent/registry"
	"github.com/BaSui01/tripsage/api/handlers"
	"github.com/BaSui01/tripsage/config"
	"github.com/BaSui01/tripsage/internal/cache"
	"github.com/BaSui01/tripsage/internal/database"
	"github.com/BaSui01/tripsage/internal/metrics"
	"github.com/BaSui01/tripsage/internal/server"
	"github.com/BaSui01/tripsage/internal/telemetry"
	"github.com/BaSui01/tripsage/internal/tlsutil"
)

// =============================================================================
// 🧩 进程内组件装配
// =============================================================================

// app 持有编排器及其依赖的全部外部资源，serve 与 chat 命令共用
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	redis     redis.UniversalClient
	cache     *cache.Manager
	pool      *database.PoolManager
	store     *checkpoint.RetryingStore
	otel      *telemetry.Providers
	promReg   *prometheus.Registry
	collector *metrics.Collector
	orch      *orchestrator.Orchestrator
}

// buildApp 按配置依次创建：遥测 → Redis/缓存 → 数据库 → 服务注册表 → 节点表 → 检查点 → 编排器
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.otel, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		a.otel = nil
	}
	instruments, err := telemetry.NewInstruments()
	if err != nil {
		return a, err
	}

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.collector = metrics.NewCollector("tripsage", a.promReg, logger)

	if needsRedis(cfg) {
		a.redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return a, fmt.Errorf("failed to connect to redis: %w", err)
		}
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.Redis.Addr
		a.cache = cache.NewManagerFromClient(a.redis, cacheCfg, logger)
	}

	if checkpoint.Type(cfg.Checkpoint.Type) == checkpoint.TypeSQL {
		a.pool, err = database.Open(cfg.Database, logger)
		if err != nil {
			return a, err
		}
	}

	reg, err := registry.NewFromConfig(cfg.Services, registry.Deps{
		Redis:      a.redis,
		Cache:      a.cache,
		HTTPClient: tlsutil.SearchClient(tlsutil.DefaultClientOptions()),
	}, logger)
	if err != nil {
		return a, fmt.Errorf("build service registry: %w", err)
	}

	table := nodes.NewTable(reg, nodes.Options{Logger: logger})

	a.store, err = checkpoint.NewStore(ctx, cfg, checkpoint.Deps{Redis: a.redis, Pool: a.pool}, logger)
	if err != nil {
		return a, fmt.Errorf("open checkpoint store: %w", err)
	}
	a.store.WithObserver(a.collector.RecordCheckpoint)

	a.orch, err = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Nodes:       table,
		Store:       a.store,
		Metrics:     a.collector,
		Instruments: instruments,
		Logger:      logger,
	})
	if err != nil {
		return a, err
	}

	logger.Info("orchestrator ready",
		zap.Strings("services", serviceNames(reg)),
		zap.String("checkpoint", cfg.Checkpoint.Type),
		zap.Int64("max_concurrent_turns", cfg.Orchestrator.MaxConcurrentTurns),
	)
	return a, nil
}

// needsRedis 仅当某个组件实际使用 Redis 时才建立连接
func needsRedis(cfg *config.Config) bool {
	if cfg.Checkpoint.Type == string(checkpoint.TypeRedis) || cfg.Services.Preferences.Backend == "redis" {
		return true
	}
	for _, sc := range cfg.Services.All() {
		if sc.CacheTTL > 0 && sc.Backend != "disabled" && sc.Backend != "" {
			return true
		}
	}
	return false
}

func serviceNames(reg *registry.Registry) []string {
	names := reg.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

// Close 释放资源：先取消进行中的轮次，再关闭存储与连接
func (a *app) Close() {
	if a == nil {
		return
	}
	if a.orch != nil {
		if n := a.orch.StopAll(); n > 0 {
			a.logger.Info("cancelled in-flight turns", zap.Int("count", n))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("checkpoint store close error", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Error("database close error", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("cache close error", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.Error("redis close error", zap.Error(err))
		}
	}
	if a.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otel.Shutdown(ctx); err != nil {
			a.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 是 TripSage 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	app    *app

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler  *handlers.HealthHandler
	chatHandler    *handlers.ChatHandler
	sessionHandler *handlers.SessionHandler

	// 限流器清理 goroutine 生命周期
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	a, err := buildApp(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.app = a

	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if s.cfg.Server.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) initHandlers() {
	orch := s.app.orch

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("checkpoint", orch.Ping))
	s.healthHandler.SetPendingCounter(orch.PendingSessions)
	if s.app.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.app.cache.Ping))
	}
	if s.app.pool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.app.pool.Ping))
	}

	s.chatHandler = handlers.NewChatHandler(orch, s.logger,
		handlers.WithOriginPatterns(originHosts(s.cfg.Server.CORSAllowedOrigins)...),
		handlers.WithWriteTimeout(s.cfg.Server.WriteTimeout),
	)
	s.sessionHandler = handlers.NewSessionHandler(orch, s.logger)
}

// originHosts 把 CORS 来源（scheme://host）转为 WebSocket 来源匹配模式（host）
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// routes 注册全部端点
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	s.chatHandler.Register(mux)
	s.sessionHandler.Register(mux)
	return mux
}

// handler 构建中间件链
func (s *Server) handler(ctx context.Context) http.Handler {
	sc := s.cfg.Server
	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.app.collector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
	}
	if len(sc.APIKeys) > 0 {
		chain = append(chain, APIKeyAuth(sc.APIKeys, skipAuthPaths, sc.AllowQueryAPIKey, s.logger))
	}
	if sc.JWT.Enabled() {
		chain = append(chain, JWTAuth(sc.JWT, skipAuthPaths, s.logger))
	}
	// 认证之后限流，已认证用户按用户 ID 计数
	if sc.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(ctx, float64(sc.RateLimitRPS), sc.RateLimitBurst, s.logger))
	}
	return Chain(s.routes(), chain...)
}

func (s *Server) startHTTPServer() error {
	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	cfg := server.ConfigFrom(s.cfg.Server, s.cfg.Server.HTTPPort)
	s.httpManager = server.NewManager("api", s.handler(rateLimiterCtx), cfg, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.app.promReg, promhttp.HandlerOpts{Registry: s.app.promReg}))

	cfg := server.ConfigFrom(s.cfg.Server, s.cfg.Server.MetricsPort)
	s.metricsManager = server.NewManager("metrics", mux, cfg, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		if err := s.httpManager.WaitForSignal(context.Background()); err != nil {
			s.logger.Error("server error, shutting down", zap.Error(err))
		}
	}
	s.Shutdown()
}

// Shutdown 优雅关闭：取消进行中的轮次 → 关闭 HTTP → 关闭 Metrics → 释放存储与连接
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.app != nil && s.app.orch != nil {
		if n := s.app.orch.StopAll(); n > 0 {
			s.logger.Info("cancelled in-flight turns", zap.Int("count", n))
		}
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	s.app.Close()

	s.logger.Info("Graceful shutdown completed")
}
