package main

import (
	"log"

	"codemint-controlplane/pkg/anthropic"
	"codemint-controlplane/pkg/blob"
	"codemint-controlplane/pkg/chain"
	"codemint-controlplane/pkg/config"
	"codemint-controlplane/pkg/db"
	"codemint-controlplane/pkg/embedding"
	"codemint-controlplane/pkg/featureflags"
	"codemint-controlplane/pkg/gen"
	"codemint-controlplane/pkg/hashistack/secretmanager"
	"codemint-controlplane/pkg/logger"
	"codemint-controlplane/pkg/notify"
	"codemint-controlplane/pkg/otelcol"
	"codemint-controlplane/pkg/profiling"
	"codemint-controlplane/pkg/redis"
	"codemint-controlplane/pkg/sequence"
	pkgtask "codemint-controlplane/pkg/task"
	"codemint-controlplane/pkg/taskname"
	"codemint-controlplane/services/contribution"
	"codemint-controlplane/services/ledger"
	"codemint-controlplane/services/networkstats"
	"codemint-controlplane/services/payout"
	"codemint-controlplane/services/quality"
	"codemint-controlplane/services/task"
	"codemint-controlplane/services/uniqueness"
	"codemint-controlplane/services/valuation"

	"github.com/hibiken/asynq"
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
		pkgtask.Server,
		pkgtask.Scheduler,
		blob.Module,
		notify.Module,
		embedding.Module,
		anthropic.Module,
		featureflags.Module,
		chain.Module,
		contribution.Module,
		networkstats.Module,
		ledger.Module,
		quality.Module,
		uniqueness.Module,
		valuation.Module,
		payout.Module,
		task.Module,
		task.SchedulerModule,
		fx.Invoke(registerHandlers),
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

type handlerParams struct {
	fx.In
	Mux      *asynq.ServeMux
	Pipeline *valuation.Pipeline
	Stats    *networkstats.Service
	Payouts  *payout.Service
	Jobs     *task.Service
}

// registerHandlers routes every task type. Valuations are tracked on the
// contribution itself; operational jobs get a Job record.
func registerHandlers(p handlerParams) {
	p.Mux.HandleFunc(taskname.ContributionValuate, p.Pipeline.HandleValuateTask)

	tracked := map[string]asynq.HandlerFunc{
		taskname.NetworkStatsRebuild: p.Stats.HandleRebuildTask,
		taskname.PayoutBatchClose:    p.Payouts.HandleBatchCloseTask,
		taskname.PayoutBatchProcess:  p.Payouts.HandleBatchProcessTask,
		taskname.PayoutReconcile:     p.Payouts.HandleReconcileTask,
		taskname.PayoutRetry:         p.Payouts.HandleRetryTask,
	}
	for name, h := range tracked {
		p.Mux.HandleFunc(name, p.Jobs.Wrap(name, h))
	}

	zap.L().Info("🎉 task handlers registered", zap.Int("count", len(tracked)+1))
}
