// Package server wires the decision pipeline behind an HTTP API: submission,
// the human review endpoints, the priority queue, and the realtime feed.
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

	"github.com/finsentry/treasury/internal/approval"
	"github.com/finsentry/treasury/internal/audit"
	"github.com/finsentry/treasury/internal/config"
	"github.com/finsentry/treasury/internal/decision"
	"github.com/finsentry/treasury/internal/executor"
	"github.com/finsentry/treasury/internal/fraud"
	"github.com/finsentry/treasury/internal/health"
	"github.com/finsentry/treasury/internal/learning"
	"github.com/finsentry/treasury/internal/logging"
	"github.com/finsentry/treasury/internal/metrics"
	"github.com/finsentry/treasury/internal/notify"
	"github.com/finsentry/treasury/internal/profile"
	"github.com/finsentry/treasury/internal/realtime"
	"github.com/finsentry/treasury/internal/transaction"
)

// graphFlagTTL bounds how long a flagged submitter keeps tainting shared
// origins in the network detector.
const graphFlagTTL = 30 * 24 * time.Hour

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	txs      transaction.Store
	profiles profile.Store
	analyses fraud.Store
	sink     audit.Sink
	records  learning.Store
	cal      *fraud.Calibration
	graph    *fraud.SubmitterGraph
	service  *approval.Service
	trainer  *learning.Trainer
	recorder *learning.Recorder
	bundler  *notify.Bundler
	hub      *realtime.Hub
	checks   *health.Registry
	sender   notify.Sender

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSender sets the notification delivery transport (for testing and for
// deployments with a real push/chat/email gateway).
func WithSender(sender notify.Sender) Option {
	return func(s *Server) {
		s.sender = sender
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("pinging database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		txStore := transaction.NewPostgresStore(db)
		if err := txStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate transaction store", "error", err)
		}
		s.txs = txStore

		profileStore := profile.NewPostgresStore(db)
		if err := profileStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate profile store", "error", err)
		}
		s.profiles = profile.NewCachedStore(profileStore, cfg.ProfileCacheTTL)

		analysisStore := fraud.NewPostgresStore(db)
		if err := analysisStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate risk analysis store", "error", err)
		}
		s.analyses = analysisStore

		sink := audit.NewPostgresSink(db)
		if err := sink.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit sink", "error", err)
		}
		s.sink = sink

		recordStore := learning.NewPostgresStore(db)
		if err := recordStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate learning store", "error", err)
		}
		s.records = recordStore

		s.checks.Register("database", health.Timed(func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		}))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.txs = transaction.NewMemoryStore()
		s.profiles = profile.NewCachedStore(profile.NewMemoryStore(), cfg.ProfileCacheTTL)
		s.analyses = fraud.NewMemoryStore()
		s.sink = audit.NewMemorySink()
		s.records = learning.NewMemoryStore()
	}

	// Detection pipeline
	s.cal = fraud.NewCalibration()
	s.graph = fraud.NewSubmitterGraph(graphFlagTTL)

	var resolver fraud.Resolver
	if cfg.GeoResolverURL != "" {
		resolver = fraud.NewHTTPResolver(cfg.GeoResolverURL, cfg.GeoResolverTimeout)
		s.logger.Info("geolocation resolver enabled", "url", cfg.GeoResolverURL)
	}

	analyzer := fraud.NewAnalyzer(cfg.Detectors, cfg.Scoring, s.cal,
		s.profiles, s.txs, resolver, s.graph, s.analyses)

	// Routing and execution
	priority := decision.NewPriorityScorer(cfg.Priority)
	router := decision.NewRouter(cfg.Router, priority)
	exec := executor.New(s.txs, s.sink, s.logger, cfg.SystemValidatorID, cfg.ServiceFeeRate)

	// Async consumers
	s.recorder = learning.NewRecorder(s.records, s.logger)
	s.trainer = learning.NewTrainer(s.records, s.profiles, s.cal, s.logger, cfg.Trainer)

	if s.sender == nil {
		s.sender = &notify.LogSender{Logger: s.logger}
	}
	s.bundler = notify.NewBundler(s.sender, s.logger, cfg.Bundler)
	s.hub = realtime.NewHub(s.logger)

	s.service = approval.NewService(s.txs, s.profiles, analyzer, router, exec,
		s.recorder, s.records, s.bundler, s.hub, s.graph, s.logger)

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// maskDSN hides credentials in a connection string for logging.
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

func (s *Server) setupMiddleware() {
	s.router = gin.New()
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"path", c.Request.URL.Path,
			"panic", fmt.Sprint(recovered),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error",
		})
	}))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			b := make([]byte, 8)
			_, _ = rand.Read(b)
			requestID = hex.EncodeToString(b)
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = audit.WithRequestID(ctx, requestID)
		ctx = audit.WithIP(ctx, c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		logger := logging.FromContext(c.Request.Context())
		if logger == nil {
			logger = s.logger
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", logging.RequestID(c.Request.Context()),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Realtime decision feed for review dashboards
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	v1.POST("/transactions", s.submitHandler)
	v1.GET("/transactions/:id", s.getTransactionHandler)
	v1.GET("/transactions/:id/analyses", s.listAnalysesHandler)
	v1.GET("/transactions/:id/audit", s.auditTrailHandler)
	v1.GET("/transactions/:id/dependents", s.listDependentsHandler)

	v1.POST("/transactions/:id/approve", s.approveHandler)
	v1.POST("/transactions/:id/reject", s.rejectHandler)
	v1.POST("/transactions/:id/request-revision", s.requestRevisionHandler)
	v1.POST("/transactions/:id/revert", s.revertHandler)

	v1.GET("/queue", s.queueHandler)
	v1.GET("/stats", s.statsHandler)
}

// Run starts the server and blocks until shutdown.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.trainer.Start(runCtx)
	go s.recorder.Start(runCtx)
	go s.bundler.Start(runCtx)

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

	s.trainer.Stop()
	s.recorder.Stop()
	s.bundler.Stop()

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

// Service returns the approval service for testing
func (s *Server) Service() *approval.Service {
	return s.service
}
