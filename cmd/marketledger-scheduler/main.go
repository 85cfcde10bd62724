package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/authorization"
	"github.com/smallbiznis/marketledger/internal/banktransfer"
	"github.com/smallbiznis/marketledger/internal/clock"
	"github.com/smallbiznis/marketledger/internal/config"
	"github.com/smallbiznis/marketledger/internal/customer"
	"github.com/smallbiznis/marketledger/internal/identity"
	"github.com/smallbiznis/marketledger/internal/ledger"
	"github.com/smallbiznis/marketledger/internal/observability"
	"github.com/smallbiznis/marketledger/internal/providers/stripe"
	"github.com/smallbiznis/marketledger/internal/scheduler"
	"github.com/smallbiznis/marketledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// The scheduler binary runs the background sweeps without the HTTP surface,
// so expiry and reconciliation can scale apart from the API.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the sweeps
		identity.Module,
		authorization.Module,
		stripe.Module,
		customer.Module,
		ledger.Module,
		banktransfer.Module,

		// No server module
		scheduler.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
