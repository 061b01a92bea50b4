// Package server exposes the settlement engine over HTTP: provider webhooks,
// the transaction API, reports, health and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/orchestrator"
	"github.com/yourorg/settlement-orchestrator/internal/reporting"
	"github.com/yourorg/settlement-orchestrator/internal/webhook"
)

// Orchestrator is the transaction API the handlers call.
type Orchestrator interface {
	CreatePayment(ctx context.Context, in orchestrator.PaymentInput) (*domain.Transaction, error)
	CreateWithdrawal(ctx context.Context, in orchestrator.WithdrawalInput) (*domain.Transaction, error)
	CreateBillPayment(ctx context.Context, in orchestrator.BillInput) (*domain.Transaction, error)
	ConfirmSettlement(ctx context.Context, id string, received decimal.Decimal, depositRef string) (*domain.Transaction, error)
	Get(ctx context.Context, id string) (*domain.Transaction, error)
}

// Webhooks processes provider deliveries; *webhook.Processor implements it.
type Webhooks interface {
	Process(ctx context.Context, provider, signature string, payload []byte) (domain.Action, error)
}

// Reporter builds retrospective reports.
type Reporter interface {
	Generate(ctx context.Context, from, to time.Time) (*reporting.RetrospectiveReport, error)
}

// Config holds the handlers' collaborators. Reporter, Metrics and Health are optional.
type Config struct {
	Orchestrator Orchestrator
	Webhooks     Webhooks
	// Providers resolves the signature header of each provider.
	Providers webhook.ProviderLookup
	Reporter  Reporter
	// Metrics is mounted on /metrics, usually promhttp.HandlerFor.
	Metrics http.Handler
	// Health reports backing store reachability on /healthz.
	Health func(ctx context.Context) error
	// MaxBodyBytes bounds webhook payloads. Zero means 1 MiB.
	MaxBodyBytes int64
	Now          func() time.Time
}

// Server wires the gin engine.
type Server struct {
	cfg    Config
	engine *gin.Engine
	logger *slog.Logger
}

// New builds the routes. It panics when the orchestrator, webhooks or providers are nil.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.Orchestrator == nil || cfg.Webhooks == nil || cfg.Providers == nil {
		panic("server: orchestrator, webhooks and providers are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "http")}

	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware("settlementd"), s.requestLog())

	engine.GET("/healthz", s.health)
	if cfg.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	engine.POST("/webhooks/:provider", s.handleWebhook)

	v1 := engine.Group("/v1")
	v1.POST("/payments", s.createPayment)
	v1.POST("/withdrawals", s.createWithdrawal)
	v1.POST("/bills", s.createBill)
	v1.POST("/bills/:id/settlement", s.confirmSettlement)
	v1.GET("/transactions/:id", s.getTransaction)
	v1.GET("/reports/retrospective", s.retrospective)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
