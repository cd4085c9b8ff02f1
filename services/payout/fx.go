package payout

import (
	"codemint-controlplane/pkg/chain"
	"codemint-controlplane/pkg/config"
	"codemint-controlplane/pkg/redis"
	"codemint-controlplane/pkg/sequence"
	"codemint-controlplane/pkg/task"
	"codemint-controlplane/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("payout.service",
	fx.Provide(ProvideService),
)

var EnqueuerModule = fx.Module("payout.enqueuer",
	fx.Provide(ProvideEnqueuer),
)

type ServiceParams struct {
	fx.In
	Config     *config.Config
	DB         *gorm.DB
	Node       *snowflake.Node
	Ledger     *ledger.Service
	Transferer chain.Transferer
	Locker     redis.Locker       `optional:"true"`
	Sequence   sequence.Generator `optional:"true"`
	Enqueuer   task.Enqueuer      `optional:"true"`
}

func ProvideService(p ServiceParams) *Service {
	min, err := decimal.NewFromString(p.Config.Payout.MinPayoutAmount)
	if err != nil {
		zap.L().Warn("invalid minimum payout amount, using zero", zap.String("value", p.Config.Payout.MinPayoutAmount), zap.Error(err))
		min = decimal.Zero
	}

	return NewService(Config{
		TransfersPerSec: p.Config.Payout.TransfersPerSec,
		TransferBurst:   p.Config.Payout.TransferBurst,
		Concurrency:     p.Config.Payout.Concurrency,
		TransferRetries: p.Config.Payout.TransferRetries,
		TransferTimeout: p.Config.Chain.Timeout,
		LockTTL:         p.Config.Payout.LockTTL,
		MinPayoutAmount: min,
		ProcessTimeout:  p.Config.Payout.ProcessJobTimeout,
		StrandedAfter:   p.Config.Payout.StrandedAfter,
	}, Deps{
		DB:         p.DB,
		Node:       p.Node,
		Ledger:     p.Ledger,
		Transferer: p.Transferer,
		Locker:     p.Locker,
		Sequence:   p.Sequence,
		Enqueuer:   p.Enqueuer,
	})
}

func ProvideEnqueuer(cfg *config.Config, tasks task.Enqueuer) *Enqueuer {
	return NewEnqueuer(tasks, cfg.Payout.ProcessJobTimeout)
}
