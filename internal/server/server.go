// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/auth"
	"github.com/pricewatch/pricewatch/internal/billing"
	"github.com/pricewatch/pricewatch/internal/circuitbreaker"
	"github.com/pricewatch/pricewatch/internal/config"
	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/health"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/metrics"
	"github.com/pricewatch/pricewatch/internal/notify"
	"github.com/pricewatch/pricewatch/internal/payment"
	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/pricing"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/ratelimit"
	"github.com/pricewatch/pricewatch/internal/realtime"
	"github.com/pricewatch/pricewatch/internal/reconciliation"
	"github.com/pricewatch/pricewatch/internal/retry"
	"github.com/pricewatch/pricewatch/internal/scraper"
	"github.com/pricewatch/pricewatch/internal/security"
	"github.com/pricewatch/pricewatch/internal/tasks"
	"github.com/pricewatch/pricewatch/internal/tenant"
	"github.com/pricewatch/pricewatch/internal/traces"
	"github.com/pricewatch/pricewatch/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sql.DB
	redis  *redis.Client

	authMgr    *auth.Manager
	tenantSvc  *tenant.Service
	billingMgr *billing.Manager
	paymentSvc *payment.Service
	pricingSvc *pricing.Service
	notifyEPs  notify.Store

	queue       tasks.Queue
	redisQueue  *tasks.RedisQueue
	pool        *tasks.Pool
	scrapeTimer *tasks.ScrapeTimer

	realtimeHub  *realtime.Hub
	billingTimer *billing.Timer
	demoSweeper  *tenant.Sweeper
	reconciler   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	healthChecks *health.Registry

	router         *gin.Engine
	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error
	healthy        atomic.Bool
	ready          atomic.Bool
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server. Postgres and Redis are used when their URLs are
// configured; otherwise every store and queue is in-memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, cfg.LogFormat),
		healthChecks: health.NewRegistry(2 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := logging.WithLogger(context.Background(), s.logger)

	var (
		authStore    auth.Store
		quotaStore   quota.Store
		planStore    plan.Store
		tenantStore  tenant.Store
		entryStore   billing.EntryStore
		paymentStore payment.Store
		pricingStore pricing.Store
		tx           dbtx.Runner
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		authStore = auth.NewPostgresStore(db)
		quotaStore = quota.NewPostgresStore(db)
		planStore = plan.NewPostgresStore(db)
		tenantStore = tenant.NewPostgresStore(db)
		entryStore = billing.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		pricingStore = pricing.NewPostgresStore(db)
		s.notifyEPs = notify.NewPostgresStore(db)
		tx = dbtx.NewSQLRunner(db)
		s.healthChecks.Register(health.Database("postgres", db))
		s.logger.Info("using PostgreSQL storage", zap.String("url", maskDSN(cfg.DatabaseURL)))
	} else {
		authStore = auth.NewMemoryStore()
		quotaStore = quota.NewMemoryStore()
		planStore = plan.NewMemoryStore()
		tenantStore = tenant.NewMemoryStore()
		entryStore = billing.NewMemoryStore()
		paymentStore = payment.NewMemoryStore()
		pricingStore = pricing.NewMemoryStore()
		s.notifyEPs = notify.NewMemoryStore()
		tx = dbtx.NewMemoryRunner()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	var guard payment.ReplayGuard
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		s.redis = redis.NewClient(opt)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = s.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		guard = payment.NewRedisGuard(s.redis)
		s.redisQueue = tasks.NewRedisQueue(s.redis, "")
		s.queue = s.redisQueue
		s.healthChecks.Register(health.Redis("redis", s.redis))
		s.logger.Info("using Redis for task queue and callback replay guard")
	} else {
		guard = payment.NewMemoryGuard()
		s.queue = tasks.NewMemoryQueue(10000)
	}

	gate, err := pricing.ParseGate(cfg.NotifyGate)
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	policy, err := pricing.ParseAlertPolicy(cfg.AlertPolicy)
	if err != nil {
		s.closeStorage()
		return nil, err
	}

	// Core services
	quotas := quota.NewLedger(quotaStore)
	quotas.CountHeldWith(pricingStore)
	s.authMgr = auth.NewManager(authStore)
	s.tenantSvc = tenant.NewService(tenantStore, planStore, quotas, tx, cfg.DefaultPriceThreshold)
	s.billingMgr = billing.NewManager(tenantStore, planStore, quotas, entryStore, tx)
	if err := s.billingMgr.Seed(ctx); err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("failed to seed plans: %w", err)
	}

	validator := payment.NewValidator(cfg.PaymentTerminalKey, cfg.PaymentSecret, cfg.PaymentConfirmedStatus)
	provider := payment.NewHTTPProvider(payment.ProviderConfig{
		InitURL:         cfg.PaymentInitURL,
		TerminalKey:     cfg.PaymentTerminalKey,
		NotificationURL: cfg.PaymentNotificationURL,
		SuccessURL:      cfg.PaymentSuccessURL,
	}, validator)
	s.paymentSvc = payment.NewService(paymentStore, s.billingMgr, validator, provider, guard, tx)

	// Price pipeline: scheduler and publisher are both backed by the task queue
	producer := tasks.NewProducer(s.queue, cfg.ScraperChunkSize)
	engine := pricing.NewEngine(pricingStore, tenantStore, producer, tx, gate, policy)
	s.pricingSvc = pricing.NewService(pricingStore, quotas, tx, producer)

	client := scraper.NewClient(scraper.ClientConfig{
		BaseURL:     cfg.ScraperBaseURL,
		Timeout:     cfg.ScraperTimeout,
		ChunkSize:   cfg.ScraperChunkSize,
		Concurrency: cfg.ScraperConcurrency,
		Retry: retry.Policy{
			MaxAttempts: cfg.ScraperMaxAttempts,
			BaseDelay:   cfg.ScraperBaseDelay,
			MaxDelay:    cfg.ScraperMaxDelay,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				s.logger.Debug("catalogue request failed, retrying",
					zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
			},
		},
	}, circuitbreaker.NewWithConfig(circuitbreaker.Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
		OnStateChange: func(host string, from, to circuitbreaker.State) {
			s.logger.Warn("catalogue circuit changed state",
				zap.String("host", host), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	}))
	scrapeSvc := scraper.New(client, quotas, engine)

	s.realtimeHub = realtime.NewHub(s.logger, cfg.AllowedOrigin)
	dispatcher := notify.NewDispatcher(s.notifyEPs, cfg.WebhookTimeout, cfg.NotificationRetryLimit)

	s.pool = tasks.NewPool(s.queue, cfg.WorkerCount, cfg.TaskMaxAttempts, s.logger)
	s.pool.Handle(tasks.TypeScrape, tasks.ScrapeHandler(scrapeSvc))
	s.pool.Handle(tasks.TypeNotify, tasks.NotifyHandler(notify.Fanout{dispatcher, s.realtimeHub}))

	// Background loops
	s.billingTimer = billing.NewTimer(s.billingMgr, tenantStore, cfg.BillingRenewalInterval, s.logger)
	s.demoSweeper = tenant.NewSweeper(tenantStore, cfg.DemoSweepInterval, s.logger)
	s.reconciler = reconciliation.NewTimer(reconciliation.NewService(tenantStore, entryStore), cfg.ReconcileInterval, s.logger)
	if cfg.ScrapeInterval > 0 {
		s.scrapeTimer = tasks.NewScrapeTimer(tenantStore, s.pricingSvc, producer, cfg.ScrapeInterval, s.logger)
	}
	s.healthChecks.Register(health.Background("task_pool", s.pool))

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Server) version() string {
	if s.cfg.Version == "" {
		return "dev"
	}
	return s.cfg.Version
}

// maskDSN hides the password in a connection string for logging.
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			zap.Any("error", recovered),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	var origins []string
	if s.cfg.AllowedOrigin != "" {
		origins = []string{s.cfg.AllowedOrigin}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Keys are resolved before rate limiting so limits apply per tenant.
	s.router.Use(auth.Middleware(s.authMgr))
	s.router.Use(traces.Annotate())

	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: s.cfg.RateLimitRPS})
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		}

		// the request context carries the tenant once auth has run
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(fields, zap.String("client_ip", c.ClientIP()))...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	tenantHandler := tenant.NewHandler(s.tenantSvc, s.authMgr)
	billingHandler := billing.NewHandler(s.billingMgr)
	paymentHandler := payment.NewHandler(s.paymentSvc)
	pricingHandler := pricing.NewHandler(s.pricingSvc)
	notifyHandler := notify.NewHandler(s.notifyEPs)

	v1 := s.router.Group("/v1")

	// Public: signup, plan catalogue, provider callbacks
	tenantHandler.RegisterPublicRoutes(v1)
	billingHandler.RegisterPublicRoutes(v1)
	paymentHandler.RegisterPublicRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	tenantHandler.RegisterProtectedRoutes(protected)
	billingHandler.RegisterProtectedRoutes(protected)
	paymentHandler.RegisterProtectedRoutes(protected)
	pricingHandler.RegisterRoutes(protected)
	notifyHandler.RegisterRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	tenantHandler.RegisterAdminRoutes(admin)
	billingHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)

	s.router.GET("/ws", auth.RequireAuth(), s.realtimeHub.Handle)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "route not found"})
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.healthChecks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version(),
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and runs the background loops until ctx is cancelled or
// the process receives SIGINT/SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(logging.WithLogger(ctx, s.logger))
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		SampleRatio: s.cfg.TraceSampleRatio,
		Version:     s.cfg.Version,
		Environment: s.cfg.Env,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", zap.Error(err))
	}
	s.shutdownTraces = shutdownTraces

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
		s.logger.Info("starting server", zap.String("port", s.cfg.Port), zap.String("env", s.cfg.Env))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.redisQueue != nil {
		if n, err := s.redisQueue.Recover(runCtx); err != nil {
			s.logger.Error("failed to recover in-flight tasks", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("requeued in-flight tasks", zap.Int("count", n))
		}
	}
	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("db pool metrics unavailable", zap.Error(err))
		}
	}

	go s.realtimeHub.Run(runCtx)
	go s.pool.Start(runCtx)
	go s.billingTimer.Start(runCtx)
	go s.demoSweeper.Start(runCtx)
	go s.reconciler.Start(runCtx)
	if s.scrapeTimer != nil {
		go s.scrapeTimer.Start(runCtx)
	}

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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cfg.IsProduction() {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", zap.Error(err))
			shutdownErr = err
		}
	}

	// Stop loops before cancelling their context so in-flight work finishes.
	s.pool.Stop()
	s.billingTimer.Stop()
	s.demoSweeper.Stop()
	s.reconciler.Stop()
	if s.scrapeTimer != nil {
		s.scrapeTimer.Stop()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.rateLimiter.Stop()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", zap.Error(err))
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	_ = s.logger.Sync()
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
