package task

import (
	"context"
	"fmt"

	"codemint-controlplane/pkg/config"
	"codemint-controlplane/pkg/taskname"
	"codemint-controlplane/services/payout"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Periodic is one cron entry. An empty Schedule keeps the definition on
// record but does not register it.
type Periodic struct {
	Name        string
	Description string
	Schedule    string
	Task        *asynq.Task
}

// Registrar is the part of *asynq.Scheduler used here.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

type Scheduler struct {
	service   *Service
	registrar Registrar
}

func NewScheduler(svc *Service, registrar Registrar) *Scheduler {
	return &Scheduler{service: svc, registrar: registrar}
}

// Register adds every active entry to the cron and records the definitions.
func (s *Scheduler) Register(ctx context.Context, entries []Periodic) error {
	for _, e := range entries {
		active := e.Schedule != ""
		if active {
			entryID, err := s.registrar.Register(e.Schedule, e.Task)
			if err != nil {
				return fmt.Errorf("register %s (%q): %w", e.Name, e.Schedule, err)
			}
			zap.L().Info("[Scheduler] registered periodic task",
				zap.String("task_name", e.Name),
				zap.String("schedule", e.Schedule),
				zap.String("entry_id", entryID),
			)
		} else {
			zap.L().Info("[Scheduler] periodic task disabled", zap.String("task_name", e.Name))
		}

		if err := s.service.RegisterTask(ctx, &Task{
			Name:        e.Name,
			Description: e.Description,
			Schedule:    e.Schedule,
			IsActive:    active,
		}); err != nil {
			zap.L().Warn("⚠️ failed to record task definition", zap.String("task_name", e.Name), zap.Error(err))
		}
	}
	return nil
}

// PayoutSchedule is the periodic payout work: batch close and
// reconciliation.
func PayoutSchedule(cfg *config.Config) []Periodic {
	return []Periodic{
		{
			Name:        taskname.PayoutBatchClose,
			Description: "close the open payout batch and snapshot payable balances",
			Schedule:    cfg.Payout.BatchCloseCron,
			Task:        payout.NewBatchCloseTask(),
		},
		{
			Name:        taskname.PayoutReconcile,
			Description: "refund failed payouts to the live balance",
			Schedule:    cfg.Payout.ReconcileCron,
			Task:        payout.NewReconcileTask(),
		},
	}
}

type SchedulerParams struct {
	fx.In
	Config    *config.Config
	Service   *Service
	Scheduler *asynq.Scheduler
}

// StartScheduler registers the payout crons before the asynq scheduler
// starts.
func StartScheduler(p SchedulerParams) error {
	return NewScheduler(p.Service, p.Scheduler).Register(context.Background(), PayoutSchedule(p.Config))
}
