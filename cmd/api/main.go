package main

import (
	"log"

	"codemint-controlplane/pkg/blob"
	"codemint-controlplane/pkg/chain"
	"codemint-controlplane/pkg/config"
	"codemint-controlplane/pkg/db"
	"codemint-controlplane/pkg/gen"
	"codemint-controlplane/pkg/hashistack/secretmanager"
	"codemint-controlplane/pkg/hashistack/servicediscover"
	"codemint-controlplane/pkg/health"
	"codemint-controlplane/pkg/logger"
	"codemint-controlplane/pkg/otelcol"
	"codemint-controlplane/pkg/profiling"
	"codemint-controlplane/pkg/redis"
	"codemint-controlplane/pkg/sequence"
	"codemint-controlplane/pkg/server"
	pkgtask "codemint-controlplane/pkg/task"
	"codemint-controlplane/services/contribution"
	"codemint-controlplane/services/intake"
	"codemint-controlplane/services/ledger"
	"codemint-controlplane/services/networkstats"
	"codemint-controlplane/services/payout"
	"codemint-controlplane/services/task"
	"codemint-controlplane/services/valuation"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Select(),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		gen.Module,
		redis.Module,
		sequence.Module,
		pkgtask.Client,
		blob.Module,
		chain.Module,
		contribution.Module,
		ledger.Module,
		networkstats.Module,
		payout.Module,
		payout.EnqueuerModule,
		valuation.EnqueuerModule,
		task.Module,
		health.Module,
		server.ProvideHTTPServer,
		intake.Module,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
