package identity

import (
	"github.com/smallbiznis/entitle/internal/identity/provider/stripe"
	"github.com/smallbiznis/entitle/internal/identity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("identity.service",
	fx.Provide(stripe.New),
	fx.Provide(service.NewService),
)
