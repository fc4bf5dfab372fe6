package migration

import (
	auditdomain "github.com/crafthaus/booksync/internal/audit/domain"
	"github.com/crafthaus/booksync/internal/config"
	idemdomain "github.com/crafthaus/booksync/internal/idempotency/domain"
	ledgerdomain "github.com/crafthaus/booksync/internal/ledger/domain"
	"github.com/crafthaus/booksync/internal/scheduler"
	txndomain "github.com/crafthaus/booksync/internal/transaction/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned migrations run on Postgres. The sqlite and mysql paths
		// are for local and test setups and use the model definitions.
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(
				&txndomain.Transaction{},
				&txndomain.LineItem{},
				&idemdomain.Record{},
				&ledgerdomain.Entity{},
				&ledgerdomain.EntityLine{},
				&auditdomain.Entry{},
				&scheduler.SyncState{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
