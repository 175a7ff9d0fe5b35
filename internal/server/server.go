// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/config"
	"github.com/mbd888/commissions/internal/events"
	"github.com/mbd888/commissions/internal/health"
	"github.com/mbd888/commissions/internal/lease"
	"github.com/mbd888/commissions/internal/ledger"
	"github.com/mbd888/commissions/internal/logging"
	"github.com/mbd888/commissions/internal/metrics"
	"github.com/mbd888/commissions/internal/orders"
	"github.com/mbd888/commissions/internal/payouts"
	"github.com/mbd888/commissions/internal/ratelimit"
	"github.com/mbd888/commissions/internal/realtime"
	"github.com/mbd888/commissions/internal/security"
	"github.com/mbd888/commissions/internal/store"
	"github.com/mbd888/commissions/internal/traces"
	"github.com/mbd888/commissions/internal/validation"
	"github.com/mbd888/commissions/internal/withdrawals"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        store.Store
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil without REDIS_URL
	authMgr      *auth.Manager
	ledger       *ledger.Ledger
	orders       *orders.Service
	withdrawals  *withdrawals.Service
	executor     withdrawals.PayoutExecutor
	fanout       *events.Fanout
	kafka        *events.KafkaSink // nil without KAFKA_BROKERS
	realtimeHub  *realtime.Hub
	expiryTimer  *orders.Timer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

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

// WithStore sets the store instead of deriving it from DATABASE_URL (tests).
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithPayoutExecutor overrides the executor chosen from STRIPE_SECRET_KEY.
func WithPayoutExecutor(e withdrawals.PayoutExecutor) Option {
	return func(s *Server) {
		s.executor = e
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var authStore auth.Store = auth.NewMemoryStore()
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.store = store.NewPostgresStore(db)
			authStore = auth.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = store.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		}
	}

	s.authMgr = auth.NewManager(authStore)
	if cfg.AdminAPIKey != "" {
		if _, err := s.authMgr.Bootstrap(ctx, cfg.AdminAPIKey, cfg.AdminUserID); err != nil {
			return nil, fmt.Errorf("failed to bootstrap admin key: %w", err)
		}
		s.logger.Info("admin API key registered", "userId", cfg.AdminUserID)
	}

	s.ledger = ledger.New(s.store, cfg.DefaultCurrency)

	// Event delivery: log, WebSocket hub and optionally Kafka
	s.realtimeHub = realtime.NewHub(s.logger)
	realtimeSink := events.NewRealtimeSink(s.realtimeHub)
	s.fanout = events.NewFanout(s.logger, events.NewLogSink(s.logger), realtimeSink)
	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, events.DefaultWriteTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		s.kafka = k
		s.fanout.Add(k)
		s.logger.Info("kafka event sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	s.orders = orders.NewService(s.store, s.ledger, s.logger).WithSink(s.fanout)

	if s.executor == nil {
		if cfg.StripeSecretKey != "" {
			s.executor = payouts.NewStripeExecutor(cfg.StripeSecretKey, s.logger)
		} else {
			s.executor = payouts.NewManualExecutor(s.logger)
		}
	}
	guarded := payouts.Guard(s.executor, payouts.NewBreaker(5, time.Minute))
	s.withdrawals = withdrawals.NewService(s.store, s.ledger, s.logger).
		WithExecutor(guarded).
		WithNotifier(realtimeSink)
	s.logger.Info("payout executor configured", "executor", s.executor.Name())

	// Expiry sweeper, leased through Redis when several replicas run
	var sweepLease orders.Lease = lease.NoopLease{}
	if cfg.RedisURL != "" {
		client, err := lease.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		sweepLease = lease.NewRedisLease(client)
		s.logger.Info("expiry sweep lease via redis")
	}
	s.expiryTimer = orders.NewTimer(s.orders, cfg.ExpirySweepInterval, cfg.ExpiryBatchSize, s.logger).
		WithLease(sweepLease)

	s.health.Register("store", health.StoreChecker("store", s.store, 3*time.Second))
	s.health.Register("expiry_sweeper", health.LoopChecker("expiry_sweeper", s.expiryTimer.Running))
	s.health.RegisterOptional("payouts", health.ErrChecker("payouts", guarded.Healthy))
	if s.kafka != nil {
		s.health.RegisterOptional("kafka", health.ErrChecker("kafka", s.kafka.Healthy))
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if actor, ok := auth.GetActor(c); ok {
			attrs = append(attrs, "userId", actor.UserID)
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
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
	v1.Use(auth.Middleware(s.authMgr))
	if s.cfg.RateLimitRPM > 0 {
		cfg := ratelimit.DefaultConfig()
		cfg.RequestsPerMinute = s.cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(cfg)
		v1.Use(s.rateLimiter.Middleware())
	}

	attempts := s.cfg.StoreRetryAttempts
	authHandler := auth.NewHandler(s.authMgr)
	ledgerHandler := ledger.NewHandler(s.ledger, attempts, s.logger)
	orderHandler := orders.NewHandler(s.orders, attempts, s.cfg.ExpiryBatchSize, s.logger)
	withdrawalHandler := withdrawals.NewHandler(s.withdrawals, attempts, s.logger)

	// Public
	v1.GET("/info", s.infoHandler)
	authHandler.RegisterPublicRoutes(v1)

	// Authenticated
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterRoutes(protected)
	orderHandler.RegisterProtectedRoutes(protected)
	withdrawalHandler.RegisterProtectedRoutes(protected)
	protected.GET("/ws", s.websocketHandler)

	// Admin
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin())
	authHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	orderHandler.RegisterAdminRoutes(admin)
	withdrawalHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/realtime/stats", s.realtimeStatsHandler)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "store"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":     "commissions",
		"version":  Version,
		"currency": s.ledger.Currency(),
		"executor": s.executor.Name(),
		"orderTypes": []orders.Type{
			orders.TypeUGC, orders.TypeShoutout, orders.TypeCustomVideo, orders.TypeTip,
		},
	})
}

// websocketHandler handles GET /v1/ws. Browsers pass the key as ?api_key=.
func (s *Server) websocketHandler(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, actor)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port, "currency", s.ledger.Currency())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.expiryTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
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

	// Stop the sweeper before the hub and sinks it publishes through
	s.expiryTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// No request can emit an event past this point
	if s.fanout != nil {
		if err := s.fanout.Close(ctx); err != nil {
			s.logger.Error("event fanout drain error", "error", err)
		}
	}

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

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
