package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codemint-controlplane/pkg/errutil"
	"codemint-controlplane/pkg/task"
	"codemint-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const defaultProcessTimeout = time.Hour

type BatchProcessPayload struct {
	BatchID string `json:"batch_id"`
}

type RetryPayload struct {
	PayoutID string `json:"payout_id"`
}

func NewBatchCloseTask() *asynq.Task {
	return asynq.NewTask(taskname.PayoutBatchClose, nil,
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Unique(time.Hour),
	)
}

func NewBatchProcessTask(batchID string) *asynq.Task {
	payload, _ := json.Marshal(BatchProcessPayload{BatchID: batchID})
	return asynq.NewTask(taskname.PayoutBatchProcess, payload,
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(10),
		asynq.Timeout(defaultProcessTimeout),
		asynq.TaskID(fmt.Sprintf("%s:%s", taskname.PayoutBatchProcess, batchID)),
	)
}

func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(taskname.PayoutReconcile, nil,
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Unique(30*time.Minute),
	)
}

func NewRetryTask(payoutID string) *asynq.Task {
	payload, _ := json.Marshal(RetryPayload{PayoutID: payoutID})
	return asynq.NewTask(taskname.PayoutRetry, payload,
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(0),
		asynq.Timeout(5*time.Minute),
	)
}

// Enqueuer schedules payout jobs onto the worker queues.
type Enqueuer struct {
	tasks          task.Enqueuer
	processTimeout time.Duration
}

func NewEnqueuer(tasks task.Enqueuer, processTimeout time.Duration) *Enqueuer {
	if processTimeout <= 0 {
		processTimeout = defaultProcessTimeout
	}
	return &Enqueuer{tasks: tasks, processTimeout: processTimeout}
}

func (e *Enqueuer) EnqueueBatchClose(ctx context.Context) error {
	return e.enqueue(ctx, NewBatchCloseTask())
}

func (e *Enqueuer) EnqueueBatchProcess(ctx context.Context, batchID string) error {
	return e.enqueue(ctx, NewBatchProcessTask(batchID), asynq.Timeout(e.processTimeout))
}

func (e *Enqueuer) EnqueueReconciliation(ctx context.Context) error {
	return e.enqueue(ctx, NewReconcileTask())
}

func (e *Enqueuer) EnqueueRetry(ctx context.Context, payoutID string) error {
	return e.enqueue(ctx, NewRetryTask(payoutID))
}

func (e *Enqueuer) enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) error {
	info, err := e.tasks.Enqueue(ctx, t, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		zap.L().Info("task already queued", zap.String("task_type", t.Type()))
		return nil
	}
	if err != nil {
		return err
	}
	zap.L().Info("enqueued payout task", zap.String("task_type", t.Type()), zap.String("task_id", info.ID), zap.String("queue", info.Queue))
	return nil
}

func (s *Service) HandleBatchCloseTask(ctx context.Context, t *asynq.Task) error {
	zap.L().Info("▶️ start batch close task", zap.String("task_type", t.Type()))

	if _, err := s.CloseBatch(ctx); err != nil {
		if errors.Is(err, ErrCloseInProgress) {
			zap.L().Info("batch close already running elsewhere, skipping")
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) HandleBatchProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload BatchProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	err := s.ProcessBatch(ctx, payload.BatchID)
	if errors.Is(err, ErrBatchNotFound) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func (s *Service) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	n, err := s.Reconcile(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("reconciliation finished", zap.Int("reconciled", n))
	return nil
}

func (s *Service) HandleRetryTask(ctx context.Context, t *asynq.Task) error {
	var payload RetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	p, err := s.RetryPayout(ctx, payload.PayoutID)
	if err != nil {
		switch errutil.From(err).Status() {
		case errutil.StatusNotFound, errutil.StatusConflict:
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	zap.L().Info("payout retried", zap.String("payout_id", p.ID), zap.String("status", string(p.Status)))
	return nil
}
