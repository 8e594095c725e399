// Package api exposes the execution gateway over HTTP: order entry, TWAP
// scheduling, modifications, positions, quarantine and circuit breaker
// control, broker webhooks, and an operator event feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/LeeeWayyy/trading-platform-sub016/internal/auth"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/circuit"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/events"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/execution"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/logging"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/metrics"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/orders"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/reconcile"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/telemetry"
	"github.com/LeeeWayyy/trading-platform-sub016/internal/twap"
)

// OrderSubmitter places and cancels single orders
type OrderSubmitter interface {
	Submit(ctx context.Context, req orders.OrderRequest) (*orders.Order, error)
	Cancel(ctx context.Context, clientOrderID string) (*orders.Order, error)
}

// OrderModifier replaces open orders
type OrderModifier interface {
	Modify(ctx context.Context, req execution.ModifyRequest) (*execution.ModifyResult, error)
}

// TWAPScheduler plans, reads, and cancels TWAP parents
type TWAPScheduler interface {
	Schedule(ctx context.Context, req twap.Request) (*twap.Schedule, error)
	Get(ctx context.Context, parentID string) (*twap.Schedule, error)
	CancelPending(ctx context.Context, parentID string) (*twap.Schedule, error)
}

// BreakerControl is the operator surface of the circuit breaker
type BreakerControl interface {
	Status(ctx context.Context) (*circuit.Record, error)
	Trip(ctx context.Context, reason, actor string) (*circuit.Record, error)
	Reset(ctx context.Context, actor string) (*circuit.Record, error)
	History(ctx context.Context, limit int) ([]circuit.AuditEntry, error)
}

// ReadinessReporter exposes the startup reconciliation gate
type ReadinessReporter interface {
	StartupComplete() bool
	LastReport() *reconcile.Report
}

// HealthChecker is implemented by the database handle when Postgres is in use
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the components the server routes to. Auth, Webhook, and Health may be nil.
type Deps struct {
	Store     orders.OrderStore
	Submitter OrderSubmitter
	Modifier  OrderModifier
	Scheduler TWAPScheduler
	Breaker   BreakerControl
	Readiness ReadinessReporter
	Webhook   gin.HandlerFunc
	Auth      *auth.Service
	Health    HealthChecker
	Bus       *events.EventBus
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Production     bool
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	deps       Deps
	hub        *WSHub
	logger     zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))
	router.Use(metrics.PrometheusMiddleware())
	router.Use(telemetry.GinMiddleware())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Retry-After", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		config: config,
		deps:   deps,
		hub:    NewWSHub(config.AllowedOrigins, logger),
		logger: logger.With().Str("component", "API").Logger(),
	}
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.deps.Webhook != nil {
		s.router.POST("/webhooks/broker", s.deps.Webhook)
	}

	if s.deps.Auth != nil {
		s.router.POST("/api/auth/token", s.deps.Auth.HandleToken)
	}

	api := s.router.Group("/api")
	if s.deps.Auth != nil {
		api.Use(auth.Middleware(s.deps.Auth.JWT()))
	}

	api.GET("/ws/events", s.handleWebSocket)

	api.POST("/orders", s.handleSubmitOrder)
	api.GET("/orders", s.handleListOrders)
	api.GET("/orders/:id", s.handleGetOrder)
	api.DELETE("/orders/:id", s.handleCancelOrder)
	api.POST("/orders/:id/modify", s.handleModifyOrder)

	api.POST("/twap", s.handleScheduleTWAP)
	api.GET("/twap/:id", s.handleGetTWAP)
	api.DELETE("/twap/:id", s.handleCancelTWAP)

	api.GET("/positions", s.handleListPositions)
	api.GET("/positions/:symbol", s.handleGetPosition)

	api.GET("/quarantine", s.handleListQuarantine)
	api.GET("/circuit-breaker", s.handleBreakerStatus)
	api.GET("/circuit-breaker/history", s.handleBreakerHistory)

	// State-changing controls always carry an operator identity
	control := api.Group("", s.requireOperator())
	control.DELETE("/quarantine/:scope", s.handleClearQuarantine)
	control.POST("/circuit-breaker/trip", s.handleBreakerTrip)
	control.POST("/circuit-breaker/reset", s.handleBreakerReset)
}

// requireOperator rejects control requests when no operator is authenticated
func (s *Server) requireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Auth == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   auth.ErrNotConfigured.Code,
				"message": auth.ErrNotConfigured.Message,
			})
			return
		}
		if auth.GetOperator(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   auth.ErrUnauthorized.Code,
				"message": "operator identity required",
			})
			return
		}
		c.Next()
	}
}

// Router returns the gin engine, for tests and embedding
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the operator event feed hub
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start runs the event hub and the HTTP listener until Shutdown
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": err.Error(),
				"time":     time.Now().UTC(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"ws_clients": s.hub.ClientCount(),
		"time":       time.Now().UTC(),
	})
}

// handleReady reports the startup reconciliation gate
func (s *Server) handleReady(c *gin.Context) {
	if s.deps.Readiness == nil {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}

	body := gin.H{"ready": s.deps.Readiness.StartupComplete()}
	if r := s.deps.Readiness.LastReport(); r != nil {
		body["last_reconciliation"] = r
	}
	if !s.deps.Readiness.StartupComplete() {
		c.Header("Retry-After", retryAfterSecs)
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
