package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/invoicing/internal/clock"
	"github.com/smallbiznis/invoicing/internal/config"
	invoicedomain "github.com/smallbiznis/invoicing/internal/invoice/domain"
	numberingdomain "github.com/smallbiznis/invoicing/internal/numbering/domain"
	"github.com/smallbiznis/invoicing/internal/observability"
	obslogger "github.com/smallbiznis/invoicing/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/invoicing/internal/observability/metrics"
	obstracing "github.com/smallbiznis/invoicing/internal/observability/tracing"
	"github.com/smallbiznis/invoicing/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	clock        clock.Clock
	invoiceSvc   invoicedomain.Service
	numberingSvc numberingdomain.Service
	createLimit  orgRateLimiter
	metrics      *obsmetrics.Metrics
	log          *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	InvoiceSvc   invoicedomain.Service
	NumberingSvc numberingdomain.Service
	Clock        clock.Clock                     `optional:"true"`
	Limiter      *ratelimit.InvoiceCreateLimiter `optional:"true"`
	Metrics      *obsmetrics.Metrics             `optional:"true"`
	Log          *zap.Logger                     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svcClock := p.Clock
	if svcClock == nil {
		svcClock = clock.SystemClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		clock:        svcClock,
		invoiceSvc:   p.InvoiceSvc,
		numberingSvc: p.NumberingSvc,
		metrics:      p.Metrics,
		log:          log.Named("http.server"),
	}
	if p.Limiter.Enabled() {
		svc.createLimit = p.Limiter
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(OrgContext())

	// -------- Invoices --------
	api.GET("/invoices", s.ListInvoices)
	api.POST("/invoices", s.InvoiceCreateRateLimit(), s.CreateInvoice)
	api.POST("/invoices/preview-totals", s.PreviewInvoiceTotals)
	api.GET("/invoices/:id", s.GetInvoiceByID)

	// -------- Numbering settings --------
	api.GET("/settings/numbering", s.GetNumberingSettings)
	api.PATCH("/settings/numbering", s.UpdateNumberingSettings)
	api.GET("/settings/numbering/preview", s.PreviewNumbering)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
