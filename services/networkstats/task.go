package networkstats

import (
	"context"
	"time"

	"codemint-controlplane/pkg/task"
	"codemint-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func NewRebuildTask() *asynq.Task {
	return asynq.NewTask(taskname.NetworkStatsRebuild, nil,
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Unique(time.Hour),
	)
}

func (s *Service) HandleRebuildTask(ctx context.Context, t *asynq.Task) error {
	zap.L().Info("▶️ start network stats rebuild", zap.String("task_type", t.Type()))
	if _, err := s.Rebuild(ctx); err != nil {
		return err
	}
	return nil
}
