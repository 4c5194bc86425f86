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
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/dartduel/server/internal/auth"
	"github.com/dartduel/server/internal/condapply"
	"github.com/dartduel/server/internal/config"
	"github.com/dartduel/server/internal/escrow"
	"github.com/dartduel/server/internal/fulfillment"
	"github.com/dartduel/server/internal/game"
	"github.com/dartduel/server/internal/jobs"
	"github.com/dartduel/server/internal/keycache"
	"github.com/dartduel/server/internal/logging"
	"github.com/dartduel/server/internal/metrics"
	"github.com/dartduel/server/internal/payments"
	"github.com/dartduel/server/internal/ratelimit"
	"github.com/dartduel/server/internal/realtime"
	"github.com/dartduel/server/internal/reconcile"
	"github.com/dartduel/server/internal/security"
	"github.com/dartduel/server/internal/traces"
	"github.com/dartduel/server/internal/txlog"
	"github.com/dartduel/server/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	wallets       *wallet.Service
	games         *game.Service
	escrows       *escrow.Service
	fulfillments  *fulfillment.Service
	scanner       *reconcile.Scanner
	txLog         *txlog.Log
	adKeys        *keycache.Cache
	hub           *realtime.Hub
	scheduler     *jobs.Scheduler
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithAdKeys sets the ad-network key cache (for testing)
func WithAdKeys(c *keycache.Cache) Option {
	return func(s *Server) {
		s.adKeys = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/keys)
	for _, opt := range opts {
		opt(s)
	}

	var (
		walletStore      condapply.Store[wallet.Wallet]
		gameStore        condapply.Store[game.Game]
		escrowStore      escrow.Store
		fulfillmentStore fulfillment.Store
		txLogStore       txlog.Store
		reportStore      reconcile.ReportStore
		escrowSource     reconcile.EscrowSource
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		walletStore, err = condapply.NewPostgresStore[wallet.Wallet](db, "wallet_records")
		if err != nil {
			return nil, fmt.Errorf("wallet store: %w", err)
		}
		gameStore, err = condapply.NewPostgresStore[game.Game](db, "game_records")
		if err != nil {
			return nil, fmt.Errorf("game store: %w", err)
		}
		es, err := escrow.NewPostgresStore(db)
		if err != nil {
			return nil, fmt.Errorf("escrow store: %w", err)
		}
		escrowStore, escrowSource = es, es
		fs, err := fulfillment.NewPostgresStore(db)
		if err != nil {
			return nil, fmt.Errorf("fulfillment store: %w", err)
		}
		fulfillmentStore = fs
		txLogStore = txlog.NewPostgresStore(db)
		reportStore = reconcile.NewPostgresReportStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		walletStore = condapply.NewMemoryStore[wallet.Wallet]()
		gameStore = condapply.NewMemoryStore[game.Game]()
		es := escrow.NewMemoryStore()
		escrowStore, escrowSource = es, es
		fulfillmentStore = fulfillment.NewMemoryStore()
		txLogStore = txlog.NewMemoryStore()
		reportStore = reconcile.NewMemoryReportStore()
	}

	s.txLog = txlog.New(txLogStore, s.logger)
	s.wallets = wallet.NewService(walletStore, s.txLog, s.logger)
	s.games = game.NewService(gameStore)

	s.escrows = escrow.NewService(escrowStore, s.wallets, s.games, escrow.Options{
		TTL:               cfg.EscrowTTL,
		SettlementTimeout: cfg.SettlementTimeout,
		RefundTimeout:     cfg.RefundTimeout,
		CreateGameTimeout: cfg.CreateGameTimeout,
		StakeLevels:       config.StakeLevels,
		CleanupBatch:      cfg.ReconcileBatchCap,
	}, s.logger)
	s.logger.Info("escrow enabled",
		"ttl", cfg.EscrowTTL,
		"settlementTimeout", cfg.SettlementTimeout,
		"refundTimeout", cfg.RefundTimeout,
	)

	s.fulfillments = fulfillment.NewService(fulfillmentStore, s.wallets)

	s.scanner = reconcile.NewScanner(escrowSource, fulfillmentStore, reportStore, reconcile.Options{
		Buffer:             cfg.ReconcileBuffer,
		BatchCap:           cfg.ReconcileBatchCap,
		SettlementTimeout:  cfg.SettlementTimeout,
		RefundTimeout:      cfg.RefundTimeout,
		CreateGameTimeout:  cfg.CreateGameTimeout,
		FulfillmentTimeout: cfg.FulfillmentTimeout,
		Retention:          cfg.ReportRetention,
		PruneBatch:         cfg.ReportPruneBatch,
	})

	// Ad-network signing keys, unless injected for tests
	if s.adKeys == nil && cfg.AdKeyURL != "" {
		client := &http.Client{Timeout: 10 * time.Second}
		s.adKeys = keycache.New(keycache.FetchHTTP(client, cfg.AdKeyURL), cfg.AdKeyTTL)
		s.logger.Info("ad reward verification enabled")
	}

	// Realtime hub for WebSocket streaming; escrow events flow through it
	s.hub = realtime.NewHub(s.logger)
	s.escrows.SetNotifier(s.hub)

	// Scheduled jobs: expired-escrow cleanup and the reconciliation scan
	s.scheduler = jobs.NewScheduler(s.logger)
	if err := s.scheduler.Add("cleanup_expired", cfg.CleanupSchedule, func(ctx context.Context) error {
		n, err := s.escrows.CleanupExpired(ctx)
		if n > 0 {
			logging.L(ctx).Info("expired escrows refunded", "count", n)
		}
		return err
	}); err != nil {
		return nil, fmt.Errorf("cleanup job: %w", err)
	}
	if err := s.scheduler.Add("reconcile", cfg.ReconcileSchedule, func(ctx context.Context) error {
		_, err := s.scanner.Run(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("reconcile job: %w", err)
	}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

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
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// ensureWallet creates the caller's wallet on first sight so money
// routes never 404 on a brand-new user.
func (s *Server) ensureWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(auth.UserIDKey)
		if userID != "" {
			if _, err := s.wallets.CreateIfMissing(c.Request.Context(), userID); err != nil {
				logging.L(c.Request.Context()).Error("wallet provisioning failed",
					"user_id", userID, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "Failed to provision wallet",
				})
				return
			}
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

	// WebSocket for real-time match and escrow events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	escrowHandler := escrow.NewHandlers(s.escrows, s.games)
	walletHandler := wallet.NewHandlers(s.wallets, s.txLog)
	reconcileHandler := reconcile.NewHandlers(s.scanner)
	paymentHandler := payments.NewHandlers(s.fulfillments, s.cfg.StripeWebhookSecret, s.adKeys)

	v1 := s.router.Group("/v1")

	// Payment callbacks authenticate themselves (Stripe signature,
	// ad-network ECDSA signature) rather than carrying a user token.
	v1.POST("/payments/stripe/webhook", paymentHandler.StripeWebhook)
	v1.POST("/payments/ad-reward", paymentHandler.AdReward)

	// PROTECTED ROUTES (require a user token)
	protected := v1.Group("")
	protected.Use(auth.RequireUser(), s.ensureWallet())
	{
		protected.POST("/escrows", escrowHandler.CreateOrJoin)
		protected.GET("/escrows/:id", escrowHandler.Get)
		protected.POST("/escrows/:id/refund", escrowHandler.Refund)
		protected.POST("/escrows/:id/game", escrowHandler.CreateGame)

		protected.POST("/games/:id/settle", escrowHandler.Settle)
		protected.POST("/games/:id/forfeit", escrowHandler.Forfeit)

		protected.GET("/users/:id/wallet", walletHandler.Get)
		protected.GET("/users/:id/transactions", walletHandler.Transactions)
	}

	// ADMIN ROUTES (X-Admin-Secret)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		admin.POST("/cleanup", s.cleanupHandler)
		admin.POST("/reconcile", reconcileHandler.Run)
		admin.GET("/reports/latest", reconcileHandler.Latest)
		admin.GET("/realtime/stats", s.realtimeStatsHandler)
	}
}

// cleanupHandler triggers an on-demand pass over expired pending escrows.
func (s *Server) cleanupHandler(c *gin.Context) {
	n, err := s.escrows.CleanupExpired(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("cleanup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "internal_error",
			"message":  "Cleanup pass failed",
			"refunded": n,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunded": n})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel

	// Tracing (no-op when no endpoint configured)
	shutdownTrace, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start scheduled jobs
	s.scheduler.Start()

	// Start DB pool gauge collector
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, collectors)
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

	// Let any in-flight scheduled job finish
	if s.scheduler != nil {
		<-s.scheduler.Stop().Done()
		s.logger.Info("scheduler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
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
