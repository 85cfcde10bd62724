package migration

import (
	"strings"

	"github.com/smallbiznis/marketledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.DBAutoMigrate {
			return nil
		}
		if dbType := strings.ToLower(strings.TrimSpace(cfg.DBType)); dbType != "postgres" {
			log.Warn("skipping embedded migrations for non-postgres database", zap.String("db_type", dbType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		status, err := RunMigrations(sqlDB)
		if err != nil {
			return err
		}
		log.Info("schema ready",
			zap.Uint("version", status.Version),
			zap.Bool("applied", status.Applied),
		)
		return nil
	}),
)
