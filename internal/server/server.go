package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/entitle/internal/account/domain"
	auditdomain "github.com/smallbiznis/entitle/internal/audit/domain"
	"github.com/smallbiznis/entitle/internal/cache"
	"github.com/smallbiznis/entitle/internal/config"
	identitydomain "github.com/smallbiznis/entitle/internal/identity/domain"
	"github.com/smallbiznis/entitle/internal/observability/logger"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	reconciledomain "github.com/smallbiznis/entitle/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Cfg          config.Config
	Log          *zap.Logger
	DB           *gorm.DB
	GenID        *snowflake.Node
	AccountRepo  accountdomain.Repository
	ReconcileSvc reconciledomain.Service
	IdentitySvc  identitydomain.Service
	AuditSvc     auditdomain.Service
}

// Server carries the HTTP handler dependencies. Reads of the entitlement
// view go through a short TTL cache; every write path invalidates the
// cached entry for the touched account.
type Server struct {
	cfg          config.Config
	log          *zap.Logger
	db           *gorm.DB
	genID        *snowflake.Node
	accountRepo  accountdomain.Repository
	reconcileSvc reconciledomain.Service
	identitySvc  identitydomain.Service
	auditSvc     auditdomain.Service

	entitlements   *cache.TTLCache[snowflake.ID, entitlementView]
	webhookLimiter *rateLimiter
}

func NewServer(p Params) *Server {
	return &Server{
		cfg:            p.Cfg,
		log:            p.Log.Named("server"),
		db:             p.DB,
		genID:          p.GenID,
		accountRepo:    p.AccountRepo,
		reconcileSvc:   p.ReconcileSvc,
		identitySvc:    p.IdentitySvc,
		auditSvc:       p.AuditSvc,
		entitlements:   cache.NewTTLCache[snowflake.ID, entitlementView](),
		webhookLimiter: newRateLimiter(p.Cfg.WebhookRateLimit, p.Cfg.WebhookRateWindow),
	}
}

func NewEngine(cfg config.Config, httpMetrics *metrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	engine.Use(metrics.GinMiddleware(httpMetrics))
	return engine
}

func RegisterRoutes(engine *gin.Engine, s *Server) {
	engine.GET("/healthz", s.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/webhooks/stripe", s.StripeWebhook)

	engine.POST("/accounts", s.CreateAccount)
	engine.GET("/accounts/:id/entitlement", s.GetEntitlement)
	engine.PUT("/accounts/:id/entitlement", s.PutEntitlement)
	engine.POST("/accounts/:id/identity", s.ResolveIdentity)
	engine.GET("/accounts/:id/audit", s.ListAudit)
}

func RunHTTP(lc fx.Lifecycle, engine *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("http server stopping")
			return srv.Shutdown(ctx)
		},
	})
}

func (s *Server) accountID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "must be a valid account id"))
		return 0, false
	}
	return id, true
}
