package stripe

import (
	"github.com/smallbiznis/marketledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("stripe",
	fx.Provide(func(cfg config.Config, log *zap.Logger) Client {
		return New(Params{Cfg: cfg, Log: log})
	}),
)
