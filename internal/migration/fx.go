package migration

import (
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Non-postgres targets (sqlite in tests) build their schema
			// through AutoMigrate in the test harness.
			return seed.EnsureReturnCodes(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		return seed.EnsureReturnCodes(conn)
	}),
)
