// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rcl/internal/auth"
	"github.com/mbd888/rcl/internal/config"
	"github.com/mbd888/rcl/internal/database"
	"github.com/mbd888/rcl/internal/decisions"
	"github.com/mbd888/rcl/internal/evaluator"
	"github.com/mbd888/rcl/internal/health"
	"github.com/mbd888/rcl/internal/idgen"
	"github.com/mbd888/rcl/internal/ingest"
	"github.com/mbd888/rcl/internal/logging"
	"github.com/mbd888/rcl/internal/metrics"
	"github.com/mbd888/rcl/internal/policy"
	"github.com/mbd888/rcl/internal/ratelimit"
	"github.com/mbd888/rcl/internal/realtime"
	"github.com/mbd888/rcl/internal/security"
	"github.com/mbd888/rcl/internal/traces"
	"github.com/mbd888/rcl/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	storage       string
	db            *sql.DB // nil if using in-memory
	ledger        decisions.Store
	policies      *policy.Manager
	evaluator     *evaluator.Service
	summarizer    *decisions.Summarizer
	policyWatcher *policy.FileWatcher
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	authn         *auth.Authenticator
	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration
	started       time.Time

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

// WithVersion sets the version reported by /health
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		drainDelay: 5 * time.Second,
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	policyStore, err := s.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.loadPolicy(ctx, policyStore); err != nil {
		s.closeDB()
		return nil, err
	}

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Realtime hub for the live decision stream
	s.realtimeHub = realtime.NewHub(s.logger, slices.Concat(security.DefaultOrigins, cfg.AllowedOrigins)...)

	s.evaluator = evaluator.NewService(s.ledger, s.policies).WithPublisher(s.realtimeHub)
	s.summarizer = decisions.NewSummarizer(s.ledger, s.logger)

	s.authn = auth.New(cfg.APIKey)
	if s.authn.Enabled() {
		s.logger.Info("API authentication enabled")
	} else {
		s.logger.Warn("API authentication disabled (RCL_API_KEY not set)")
	}

	s.health = health.NewRegistry()
	s.health.Register("database", health.Ping("database", s.ledger.Ping))
	s.health.Register("policy", health.Policy(s.policyVersion))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStorage connects the configured backend and returns the policy store
// that lives next to the decision ledger.
func (s *Server) openStorage(ctx context.Context) (policy.Store, error) {
	s.storage = s.cfg.StorageBackend()

	switch s.storage {
	case "postgres":
		db, err := database.OpenPostgres(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, db, database.Postgres); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		s.ledger = decisions.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		return policy.NewPostgresStore(db), nil

	case "sqlite":
		db, err := database.OpenSQLite(ctx, s.cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, db, database.SQLite); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		s.ledger = decisions.NewSQLiteStore(db)
		s.logger.Info("using SQLite storage", "path", s.cfg.DBPath)
		return policy.NewSQLiteStore(db), nil
	}

	s.ledger = decisions.NewMemoryStore()
	s.logger.Info("using in-memory storage (data will not persist)")
	return policy.NewMemoryStore(), nil
}

func (s *Server) loadPolicy(ctx context.Context, store policy.Store) error {
	var seed map[string]json.RawMessage
	if s.cfg.PolicyFile != "" {
		doc, err := policy.LoadFile(s.cfg.PolicyFile)
		if err != nil {
			return err
		}
		seed = doc
	}

	s.policies = policy.NewManager(store)
	p, err := s.policies.Load(ctx, seed)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	s.logger.Info("policy loaded", "version", p.Version, "rules", p.Len(), "unrecognized", len(p.Unrecognized()))

	if s.cfg.PolicyWatch {
		s.policyWatcher = policy.NewFileWatcher(s.cfg.PolicyFile, s.policies, s.logger)
	}
	return nil
}

func (s *Server) policyVersion() (int, bool) {
	p := s.policies.Snapshot()
	if p == nil {
		return 0, false
	}
	return p.Version, true
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream id (load balancer, payout service) when present
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
			requestID = idgen.New()
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
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

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authn))

	evaluator.NewHandler(s.evaluator).RegisterRoutes(v1)
	decisions.NewHandler(s.ledger).RegisterRoutes(v1)
	policy.NewHandler(s.policies).RegisterRoutes(v1)
	s.realtimeHub.RegisterRoutes(v1)

	// Stripe authenticates with its signature header, not the API key
	if s.cfg.StripeWebhookSecret != "" {
		hooks := s.router.Group("/v1")
		ingest.NewStripeHandler(s.evaluator, s.cfg.StripeWebhookSecret, s.cfg.StripeTenant, s.cfg.StripeScenario).
			RegisterRoutes(hooks)
		s.logger.Info("stripe payout ingestion enabled",
			"tenant", s.cfg.StripeTenant,
			"scenario", s.cfg.StripeScenario,
		)
	}
}

// HealthResponse is the /health payload
type HealthResponse struct {
	Status      string          `json:"status"`
	Service     string          `json:"service"`
	Mode        string          `json:"mode"`
	Version     string          `json:"version"`
	Commit      string          `json:"commit"`
	Storage     string          `json:"storage"`
	DBHealthy   bool            `json:"db_healthy"`
	AuthEnabled bool            `json:"auth_enabled"`
	UptimeS     int64           `json:"uptime_s"`
	Checks      []health.Status `json:"checks"`
	Timestamp   string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)
	dbHealthy := false
	for _, st := range checks {
		if st.Name == "database" {
			dbHealthy = st.Healthy
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:      status,
		Service:     "rcl",
		Mode:        "shadow",
		Version:     s.version,
		Commit:      s.cfg.ShortCommit(),
		Storage:     s.storage,
		DBHealthy:   dbHealthy,
		AuthEnabled: s.authn.Enabled(),
		UptimeS:     int64(time.Since(s.started).Seconds()),
		Checks:      checks,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"storage", s.storage,
			"mode", "shadow",
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if err := s.summarizer.Start(runCtx, s.cfg.SummarySchedule); err != nil {
		s.logger.Error("failed to start summary job", "error", err)
	}

	if s.policyWatcher != nil {
		go func() {
			if err := s.policyWatcher.Watch(runCtx); err != nil {
				s.logger.Error("policy file watcher stopped", "error", err)
			}
		}()
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
		s.stopBackground()
		s.closeDB()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.stopBackground()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) stopBackground() {
	if s.summarizer != nil {
		s.summarizer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
	s.db = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
