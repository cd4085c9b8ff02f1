package main

import (
	"log"

	"codemint-controlplane/pkg/config"
	"codemint-controlplane/pkg/db"
	"codemint-controlplane/pkg/hashistack/secretmanager"
	"codemint-controlplane/pkg/logger"
	"codemint-controlplane/services/contribution"
	"codemint-controlplane/services/ledger"
	"codemint-controlplane/services/networkstats"
	"codemint-controlplane/services/payout"
	"codemint-controlplane/services/task"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		secretmanager.Module,
		config.Select(),
		logger.Module,
		db.Module,
		fx.Invoke(migrate),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)
	if err := app.Err(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

func migrate(gdb *gorm.DB, log *zap.Logger) error {
	log.Info("migrating schema", zap.String("dialect", gdb.Dialector.Name()))
	return db.Migrate(gdb,
		&contribution.Contribution{},
		&networkstats.NetworkStats{},
		&ledger.Account{},
		&ledger.LedgerEntry{},
		&payout.PayoutBatch{},
		&payout.BatchPayout{},
		&task.Task{},
		&task.Job{},
	)
}
