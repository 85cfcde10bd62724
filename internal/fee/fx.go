package fee

import (
	"github.com/smallbiznis/marketledger/internal/cache"
	"github.com/smallbiznis/marketledger/internal/fee/repository"
	"github.com/smallbiznis/marketledger/internal/fee/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fee.service",
	fx.Provide(repository.Provide),
	fx.Provide(cache.NewFeeTierCache),
	fx.Provide(service.NewService),
)
