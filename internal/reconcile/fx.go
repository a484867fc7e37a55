package reconcile

import (
	"github.com/smallbiznis/entitle/internal/config"
	"github.com/smallbiznis/entitle/internal/observability/metrics"
	"github.com/smallbiznis/entitle/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.service",
	fx.Provide(func(cfg config.Config) service.Config {
		return service.Config{
			MaxAttempts: cfg.ReconcileMaxAttempts,
			BackoffBase: cfg.ReconcileBackoffBase,
			BackoffCap:  cfg.ReconcileBackoffCap,
		}
	}),
	fx.Provide(func(mcfg metrics.Config) *metrics.ReconcileMetrics {
		return metrics.ReconcileWithConfig(mcfg)
	}),
	fx.Provide(service.NewService),
)
