package payment

import (
	"github.com/smallbiznis/marketledger/internal/config"
	"github.com/smallbiznis/marketledger/internal/payment/adapters"
	"github.com/smallbiznis/marketledger/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/marketledger/internal/payment/domain"
	"github.com/smallbiznis/marketledger/internal/payment/repository"
	paymentservice "github.com/smallbiznis/marketledger/internal/payment/service"
	"github.com/smallbiznis/marketledger/internal/payment/webhook"
	"github.com/smallbiznis/marketledger/internal/ratelimit"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) *adapters.Registry {
		var registered []paymentdomain.Adapter
		if cfg.Stripe.WebhookSecret != "" {
			registered = append(registered, stripe.New(cfg.Stripe.WebhookSecret))
		}
		return adapters.NewRegistry(registered...)
	}),
	fx.Provide(func(limiter *ratelimit.Limiter) paymentservice.EventLocker {
		if !limiter.Enabled() {
			return nil
		}
		return limiter
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
