package banktransfer

import (
	"github.com/smallbiznis/marketledger/internal/banktransfer/repository"
	"github.com/smallbiznis/marketledger/internal/banktransfer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("banktransfer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
