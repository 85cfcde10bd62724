package ratelimit

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewLimiter),
	fx.Invoke(registerLimiterLifecycle),
)

func registerLimiterLifecycle(lc fx.Lifecycle, limiter *Limiter) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return limiter.Close()
		},
	})
}
