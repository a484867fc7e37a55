package account

import (
	"github.com/smallbiznis/entitle/internal/account/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("account.store",
	fx.Provide(repository.Provide),
)
