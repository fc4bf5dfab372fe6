package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/crafthaus/booksync/internal/audit"
	"github.com/crafthaus/booksync/internal/clock"
	"github.com/crafthaus/booksync/internal/config"
	"github.com/crafthaus/booksync/internal/idempotency"
	"github.com/crafthaus/booksync/internal/ledger"
	"github.com/crafthaus/booksync/internal/logger"
	"github.com/crafthaus/booksync/internal/migration"
	"github.com/crafthaus/booksync/internal/rates"
	"github.com/crafthaus/booksync/internal/scheduler"
	"github.com/crafthaus/booksync/internal/server"
	"github.com/crafthaus/booksync/internal/submit"
	syncengine "github.com/crafthaus/booksync/internal/sync"
	"github.com/crafthaus/booksync/internal/tax"
	"github.com/crafthaus/booksync/internal/transaction"
	"github.com/crafthaus/booksync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		// Functional domains
		transaction.Module,
		tax.Module,
		rates.Module,
		idempotency.Module,
		audit.Module,
		ledger.Module,
		submit.Module,
		syncengine.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
