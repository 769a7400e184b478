// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/paygate/internal/admin"
	"github.com/mbd888/paygate/internal/auth"
	"github.com/mbd888/paygate/internal/circuitbreaker"
	"github.com/mbd888/paygate/internal/config"
	"github.com/mbd888/paygate/internal/facilitator"
	"github.com/mbd888/paygate/internal/gateway"
	"github.com/mbd888/paygate/internal/health"
	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/paywall"
	"github.com/mbd888/paygate/internal/pricing"
	"github.com/mbd888/paygate/internal/ratelimit"
	"github.com/mbd888/paygate/internal/reconciliation"
	"github.com/mbd888/paygate/internal/refund"
	"github.com/mbd888/paygate/internal/respond"
	"github.com/mbd888/paygate/internal/security"
	"github.com/mbd888/paygate/internal/upstream"
	"github.com/mbd888/paygate/internal/validation"
	"github.com/mbd888/paygate/internal/wallet"
	"github.com/mbd888/paygate/migrations"
	"github.com/mbd888/paygate/pkg/x402"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Facilitator is everything the server needs from a facilitator client.
type Facilitator interface {
	facilitator.Verifier
	facilitator.Settler
	health.SchemeSupporter
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	facilitator  Facilitator
	upstream     upstream.Forwarder
	refundSender wallet.Transactor
	gateway      *gateway.Gateway
	refunds      *refund.Dispatcher
	summaryTimer *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// drainDelay gives load balancers time to notice readiness going away.
	drainDelay time.Duration

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

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithFacilitator replaces the HTTP facilitator client (for testing)
func WithFacilitator(f Facilitator) Option {
	return func(s *Server) {
		s.facilitator = f
	}
}

// WithUpstream replaces the upstream proxy (for testing)
func WithUpstream(f upstream.Forwarder) Option {
	return func(s *Server) {
		s.upstream = f
	}
}

// WithRefundSender sets the refund wallet instead of dialing RPC_URL.
func WithRefundSender(t wallet.Transactor) Option {
	return func(s *Server) {
		s.refundSender = t
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set facilitator/upstream/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	network, err := x402.LookupNetwork(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve network: %w", err)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		txStore     gateway.Store
		refundStore refund.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		txStore = gateway.NewPostgresStore(db)
		refundStore = refund.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		txStore = gateway.NewMemoryStore()
		refundStore = refund.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Facilitator
	if s.facilitator == nil {
		breaker := circuitbreaker.New("facilitator", 5, 30*time.Second)
		breaker.OnTransition(s.logTransition("facilitator"))
		s.facilitator = facilitator.New(facilitator.Config{
			URL:     cfg.FacilitatorURL,
			APIKey:  cfg.FacilitatorAPIKey,
			Timeout: cfg.FacilitatorTimeout,
			Breaker: breaker,
		})
	}
	s.health.Register("facilitator", health.Facilitator(s.facilitator, x402.SchemeExact, network.Name))

	// Upstream
	if s.upstream == nil {
		breaker := circuitbreaker.New("upstream", 5, 30*time.Second)
		breaker.OnTransition(s.logTransition("upstream"))
		proxy, err := upstream.New(upstream.Config{
			BaseURL: cfg.UpstreamURL,
			APIKey:  cfg.UpstreamAPIKey,
			Timeout: cfg.UpstreamTimeout,
			Breaker: breaker,
		})
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to create upstream proxy: %w", err)
		}
		s.upstream = proxy
	}

	// Refund wallet, only when a key is configured
	if s.refundSender == nil && cfg.RefundsEnabled() {
		w, err := wallet.New(wallet.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.RefundPrivateKey,
			Network:    network.Name,
		})
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to create refund wallet: %w", err)
		}
		s.refundSender = w
		s.logger.Info("refunds enabled", "wallet", w.Address(), "network", w.Network())
	}
	if p, ok := s.refundSender.(health.WalletPinger); ok {
		// A wallet outage stops refunds, not payments.
		s.health.Register("refund_wallet", health.RefundWallet(p), health.Optional())
	}
	if s.refundSender == nil {
		s.logger.Warn("refunds disabled (no REFUND_PRIVATE_KEY set); overcharges will only be logged")
	}

	s.refunds = refund.New(refund.Config{
		Store:   refundStore,
		Sender:  s.refundSender,
		Network: network.Name,
		Timeout: cfg.RefundTimeout,
		Logger:  s.logger,
	})
	s.summaryTimer = reconciliation.NewTimer(refundStore, cfg.SummaryInterval, s.logger)

	// Pricing
	tables, err := pricing.Defaults(cfg.ChatProtocolFee, cfg.ImageProtocolFee)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to build price tables: %w", err)
	}
	if cfg.PricingFile != "" {
		tables, err = pricing.LoadFile(cfg.PricingFile, tables)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.logger.Info("pricing overrides loaded", "file", cfg.PricingFile)
	}

	// Payment pipeline
	pw, err := paywall.New(paywall.Config{
		PayTo:         cfg.PayTo,
		Network:       network,
		Verifier:      s.facilitator,
		VerifyTimeout: cfg.FacilitatorTimeout,
		Logger:        s.logger,
	})
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to create paywall: %w", err)
	}

	var settler facilitator.Settler
	if cfg.SettlePayments {
		settler = s.facilitator
	} else {
		s.logger.Warn("verify-only mode: payments are verified but never settled")
	}
	s.gateway, err = gateway.New(gateway.Config{
		Settler:         settler,
		Upstream:        s.upstream,
		Refunds:         s.refunds,
		Store:           txStore,
		Chat:            tables.Chat,
		Images:          tables.Image,
		ImageModel:      cfg.ImageModel,
		SettleAttempts:  cfg.SettleAttempts,
		SettlePayments:  cfg.SettlePayments,
		RefundTolerance: cfg.RefundTolerance,
		Logger:          s.logger,
	})
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	metrics.SetBuildInfo(s.version, network.Name)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(pw)

	s.healthy.Store(true)

	s.logger.Info("gateway configured",
		"pay_to", cfg.PayTo,
		"network", network.Name,
		"facilitator", cfg.FacilitatorURL,
		"upstream", cfg.UpstreamURL,
		"settle", cfg.SettlePayments,
	)
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

func (s *Server) logTransition(name string) func(key string, from, to circuitbreaker.State) {
	return func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state change",
			"breaker", name,
			"host", key,
			"from", from.String(),
			"to", to.String(),
		)
	}
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Request ID and logger first so every later log line carries them
	s.router.Use(s.requestIDMiddleware())

	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		respond.Error(c, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
		c.Abort()
	}))

	s.router.Use(respond.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Security headers
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = 0
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse a well-formed ID from a load balancer or client
		requestID := c.GetHeader("X-Request-ID")
		if !idgen.Valid(requestID) {
			requestID = idgen.RequestID()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(pw *paywall.Paywall) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)

	// Public, pay-per-use API
	gateway.NewHandler(s.gateway, pw).RegisterRoutes(s.router.Group(""))

	// Operator API
	ops := admin.NewHandler().
		WithTransactions(s.gateway.Store()).
		WithRefunds(s.refunds.Store()).
		WithSummarizer(s.summaryTimer)
	ops.RegisterRoutes(s.router.Group("", auth.RequireSecret(s.cfg.AdminSecret)))

	s.router.NoRoute(func(c *gin.Context) {
		respond.Error(c, http.StatusNotFound, "not_found", "no route for "+c.Request.Method+" "+c.Request.URL.Path)
	})
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	respond.JSON(c, httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		respond.JSON(c, http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		respond.JSON(c, http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	refunds := "disabled"
	if s.refunds.Enabled() {
		refunds = "enabled"
	}
	respond.JSON(c, http.StatusOK, gin.H{
		"name":    "paygate",
		"version": s.version,
		"network": s.cfg.Network,
		"payTo":   s.cfg.PayTo,
		"settle":  s.cfg.SettlePayments,
		"refunds": refunds,
		"endpoints": gin.H{
			"chat":   "POST /v1/chat/completions",
			"image":  "POST /generate-image",
			"quote":  "POST /quote",
			"models": "GET /v1/models",
		},
	})
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
		// Upstream generation plus settlement can take minutes
		WriteTimeout: s.cfg.UpstreamTimeout + 2*s.cfg.FacilitatorTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Refund ledger summary
	go s.summaryTimer.Start(runCtx)

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
		s.shutdownBackground()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight requests finish, including
// their reconciliation and refund, before the database is closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second+s.cfg.RefundTimeout)
	defer cancel()

	var err error
	if s.httpSrv != nil {
		if err = s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	s.shutdownBackground()

	s.logger.Info("server stopped")
	return err
}

func (s *Server) shutdownBackground() {
	// Cancel the context for background goroutines (timer, db stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.summaryTimer != nil && s.summaryTimer.Running() {
		s.summaryTimer.Stop()
		s.logger.Info("ledger summary timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if w, ok := s.refundSender.(interface{ Close() error }); ok {
		if err := w.Close(); err != nil {
			s.logger.Error("wallet close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Gateway returns the payment pipeline.
func (s *Server) Gateway() *gateway.Gateway {
	return s.gateway
}
