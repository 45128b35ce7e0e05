// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/paycore/internal/circuitbreaker"
	"github.com/mbd888/paycore/internal/config"
	"github.com/mbd888/paycore/internal/events"
	"github.com/mbd888/paycore/internal/health"
	"github.com/mbd888/paycore/internal/logging"
	"github.com/mbd888/paycore/internal/metrics"
	"github.com/mbd888/paycore/internal/payment"
	"github.com/mbd888/paycore/internal/ratelimit"
	"github.com/mbd888/paycore/internal/realtime"
	"github.com/mbd888/paycore/internal/risk"
	"github.com/mbd888/paycore/internal/security"
	"github.com/mbd888/paycore/internal/traces"
	"github.com/mbd888/paycore/internal/validation"
	"github.com/mbd888/paycore/internal/workflow"
)

// Version is reported by /health and the tracer resource.
const Version = "0.3.0"

const (
	blacklistSetKey    = "paycore:blacklist"
	redisChannelPrefix = "paycore:events:"
	lbDrainDelay       = 5 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	redis       *redis.Client
	kafka       *events.KafkaPublisher
	publisher   events.Publisher
	extraSinks  []events.Publisher
	gateways    map[string]payment.Gateway
	orch        *workflow.Orchestrator
	driver      *workflow.Driver
	riskEngine  *risk.Engine
	velocity    *risk.VelocityTracker
	devices     *risk.DeviceRegistry
	blacklist   risk.Blacklist
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Start
	background     sync.WaitGroup
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway routes a payment method to g instead of the configured
// gateway (for testing). g is still wrapped by the circuit breaker.
func WithGateway(method string, g payment.Gateway) Option {
	return func(s *Server) {
		if s.gateways == nil {
			s.gateways = make(map[string]payment.Gateway)
		}
		s.gateways[method] = g
	}
}

// WithEventSink adds a publisher that receives every event alongside the
// configured sinks.
func WithEventSink(p events.Publisher) Option {
	return func(s *Server) {
		s.extraSinks = append(s.extraSinks, p)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		runStore   workflow.Store = workflow.NewMemoryStore()
		scoreStore risk.Store     = risk.NewMemoryStore()
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		runStore = workflow.NewPostgresStore(db)
		scoreStore = risk.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (runs are lost on restart)")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		s.logger.Info("redis enabled", "addr", opt.Addr)
	}

	s.publisher = s.buildPublisher()

	if err := s.buildRisk(scoreStore); err != nil {
		s.closeStores()
		return nil, err
	}

	gateways := s.buildGateways()

	reg := workflow.NewRegistry()
	if err := payment.RegisterTemplates(reg, payment.Deps{
		Router:    gateways,
		Risk:      s.riskEngine,
		Publisher: s.publisher,
	}); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to register workflow templates: %w", err)
	}

	s.orch = workflow.NewOrchestrator(reg, runStore, workflow.Config{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		StepTimeout: cfg.StepTimeout,
		RecentRuns:  cfg.RecentRuns,
		RecentTTL:   cfg.RecentTTL,
	}).WithPublisher(s.publisher).WithLogger(s.logger)
	s.driver = workflow.NewDriver(s.orch, cfg.DriverInterval, s.logger)

	s.health = health.NewRegistry()
	s.health.Register("workflow_driver", health.Loop("workflow_driver", s.driver.Running))
	if s.db != nil {
		s.health.Register("database", health.Database(s.db, 2*time.Second))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildPublisher assembles the event sink chain. The realtime hub never
// fails; Kafka and Redis are retried independently so one slow broker does
// not duplicate events on the others.
func (s *Server) buildPublisher() events.Publisher {
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := events.Multi{s.realtimeHub}

	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:     s.cfg.KafkaBrokers,
			TopicPrefix: s.cfg.KafkaPrefix,
		})
		sinks = append(sinks, events.NewReliable(s.kafka, 3, 200*time.Millisecond).WithLogger(s.logger))
		s.logger.Info("kafka event sink enabled", "brokers", s.cfg.KafkaBrokers)
	}
	if s.redis != nil {
		pub := events.NewRedisPublisher(s.redis, redisChannelPrefix)
		sinks = append(sinks, events.NewReliable(pub, 3, 100*time.Millisecond).WithLogger(s.logger))
	}
	for _, p := range s.extraSinks {
		sinks = append(sinks, events.NewReliable(p, 3, 50*time.Millisecond).WithLogger(s.logger))
	}
	return sinks
}

func (s *Server) buildRisk(store risk.Store) error {
	cfg := s.cfg

	if s.redis != nil {
		bl := risk.NewRedisBlacklist(s.redis, blacklistSetKey)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, key := range cfg.BlacklistSeed {
			if err := bl.Add(ctx, key); err != nil {
				return fmt.Errorf("failed to seed blacklist: %w", err)
			}
		}
		s.blacklist = bl
	} else {
		s.blacklist = risk.NewMemoryBlacklist(cfg.BlacklistSeed...)
	}

	vcfg := risk.DefaultVelocityConfig()
	vcfg.Window = cfg.VelocityWindow
	vcfg.Retention = cfg.VelocityRetention
	if cfg.VelocityMaxEntries > 0 {
		vcfg.MaxEntriesPerKey = cfg.VelocityMaxEntries
	}
	if cfg.VelocityMaxKeys > 0 {
		vcfg.MaxKeys = cfg.VelocityMaxKeys
	}
	s.velocity = risk.NewVelocityTracker(vcfg)
	s.devices = risk.NewDeviceRegistry(cfg.DeviceCapacity, cfg.DeviceTTL)

	acfg, thresholds := riskSettings(cfg)

	engine := risk.NewEngine(store, s.velocity, s.devices, acfg).
		WithBlacklist(s.blacklist).
		WithPublisher(s.publisher).
		WithThresholds(thresholds).
		WithLogger(s.logger)
	if cfg.RiskTimeout > 0 {
		engine = engine.WithTimeout(cfg.RiskTimeout)
	}
	s.riskEngine = engine
	return nil
}

// riskSettings overlays the configured rule thresholds on the defaults.
// Zero values keep the default.
func riskSettings(cfg *config.Config) (risk.AnalyzerConfig, risk.Thresholds) {
	acfg := risk.DefaultAnalyzerConfig()
	setPositive(&acfg.UserVelocityLimit, cfg.UserVelocityLimit)
	setPositive(&acfg.IPVelocityLimit, cfg.IPVelocityLimit)
	setPositive(&acfg.DeviceVelocityLimit, cfg.DeviceVelocityLimit)
	setPositive(&acfg.AmountSpikeMultiple, cfg.AmountSpikeMultiple)
	setPositive(&acfg.MinSpikeHistory, cfg.MinSpikeHistory)
	setPositive(&acfg.MinSessionSeconds, cfg.MinSessionSeconds)
	setPositive(&acfg.MinPageViews, cfg.MinPageViews)
	setPositive(&acfg.NewAccountAge, cfg.NewAccountAge)
	setPositive(&acfg.LargeAmount, cfg.LargeAmount)
	setPositive(&acfg.VeryLargeAmount, cfg.VeryLargeAmount)
	setPositive(&acfg.RoundAmountMin, cfg.RoundAmountMin)
	if len(cfg.HighRiskCountries) > 0 {
		acfg.HighRiskCountries = cfg.HighRiskCountries
	}

	t := risk.DefaultThresholds()
	setPositive(&t.MediumScore, cfg.MediumScore)
	setPositive(&t.HighScore, cfg.HighScore)
	setPositive(&t.CriticalScore, cfg.CriticalScore)
	setPositive(&t.DeclineScore, cfg.DeclineScore)
	setPositive(&t.DeclineMinConf, cfg.DeclineMinConf)
	setPositive(&t.ReviewScore, cfg.ReviewScore)
	setPositive(&t.ReviewBelowConf, cfg.ReviewBelowConf)
	return acfg, t
}

func setPositive[T int | float64 | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

// buildGateways routes each payment method to a breaker-guarded gateway.
// Mobile-money methods use the simulated gateway; cards go to Stripe when a
// key is configured and to the simulator otherwise.
func (s *Server) buildGateways() *payment.Router {
	breaker := circuitbreaker.New(s.cfg.BreakerThreshold, s.cfg.BreakerCooldown)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("gateway circuit transition", "gateway", key, "from", from.String(), "to", to.String())
	})

	router := payment.NewRouter()
	for _, method := range []string{payment.MethodBkash, payment.MethodNagad, payment.MethodRocket, payment.MethodCard} {
		var g payment.Gateway
		switch {
		case s.gateways[method] != nil:
			g = s.gateways[method]
		case method == payment.MethodCard && s.cfg.StripeSecretKey != "":
			g = payment.NewStripeGateway(s.cfg.StripeSecretKey, nil)
		case method == payment.MethodCard && s.cfg.IsProduction():
			s.logger.Warn("card payments disabled: STRIPE_SECRET_KEY not set")
			continue
		default:
			g = payment.NewSimulatedGateway(method + "_sim")
		}
		router.Register(method, payment.Guard(g, breaker))
		s.logger.Info("payment method enabled", "method", method, "gateway", g.Name())
	}
	return router
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/10)
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidIdentifier(requestID) {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// requireOperator guards routes that start, cancel or reconfigure. With no
// ADMIN_SECRET configured (development) every caller is an operator.
func (s *Server) requireOperator() gin.HandlerFunc {
	secret := []byte(s.cfg.AdminSecret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		key := []byte(c.GetHeader("X-API-Key"))
		if subtle.ConstantTimeCompare(key, secret) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Operator API key required. Include 'X-API-Key' header.",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("", s.infoHandler)
	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	workflowHandler := workflow.NewHandler(s.orch)
	riskHandler := risk.NewHandler(s.riskEngine, s.blacklist)

	workflowHandler.RegisterRoutes(v1)
	riskHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(s.requireOperator())
	workflowHandler.RegisterProtectedRoutes(protected)
	riskHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if !s.healthy.Load() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)
	status, code := "ready", http.StatusOK
	if !s.ready.Load() || !ok {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":       "paycore",
		"version":    Version,
		"templates":  s.orch.Registry().List(),
		"activeRuns": s.orch.ActiveRuns(),
		"realtime":   s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start recovers interrupted runs and launches the background loops: the
// workflow driver, the realtime hub, cache sweepers and the DB stats
// collector. It does not serve HTTP.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	recovered, err := s.orch.Recover(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to recover workflow runs: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("resuming interrupted runs", "count", recovered)
	}

	s.goBackground(func() { s.realtimeHub.Run(runCtx) })
	s.goBackground(func() { s.velocity.StartEviction(runCtx) })
	s.goBackground(func() { s.devices.StartEviction(runCtx) })
	s.goBackground(func() { s.driver.Start(runCtx) })
	if s.db != nil {
		s.goBackground(func() { metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second) })
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
	return nil
}

func (s *Server) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	if err := s.Start(ctx); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(lbDrainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			firstErr = err
		}
	}

	if err := s.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Stop drains in-flight steps, stops the background loops and releases
// external connections. Runs still pending stay persisted and resume on the
// next Start.
func (s *Server) Stop(ctx context.Context) error {
	s.ready.Store(false)

	s.driver.Stop()
	var firstErr error
	if err := s.orch.Shutdown(ctx); err != nil {
		s.logger.Error("workflow drain incomplete", "error", err)
		firstErr = err
	} else {
		s.logger.Info("workflow orchestrator drained")
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.background.Wait()

	s.rateLimiter.Stop()
	s.closeStores()
	return firstErr
}

func (s *Server) closeStores() {
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
