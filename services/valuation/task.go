package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codemint-controlplane/pkg/blob"
	"codemint-controlplane/pkg/task"
	"codemint-controlplane/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// ValuationRequest is what intake hands over once the PENDING row exists.
type ValuationRequest struct {
	OwnerID        string
	Content        string
	ContributionID string
	Origin         string
}

type ValuatePayload struct {
	ContributionID string `json:"contribution_id"`
	OwnerID        string `json:"owner_id,omitempty"`
	ContentRef     string `json:"content_ref"`
}

func NewValuateTask(p ValuatePayload, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return asynq.NewTask(taskname.ContributionValuate, payload,
		asynq.Queue(task.QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(timeout),
		asynq.TaskID(fmt.Sprintf("%s:%s", taskname.ContributionValuate, p.ContributionID)),
	), nil
}

type Enqueuer struct {
	blobs   blob.Store
	tasks   task.Enqueuer
	timeout time.Duration
}

func NewEnqueuer(blobs blob.Store, tasks task.Enqueuer, timeout time.Duration) *Enqueuer {
	return &Enqueuer{blobs: blobs, tasks: tasks, timeout: timeout}
}

// EnqueueValuation stores the raw content under its content address and
// queues the valuation job. Fire and forget: the outcome reaches the owner
// as a notification.
func (e *Enqueuer) EnqueueValuation(ctx context.Context, req ValuationRequest) error {
	if req.ContributionID == "" {
		return errors.New("valuation: contribution id is required")
	}

	data := []byte(req.Content)
	key := blob.ContentKey(req.Origin, data)
	if err := e.blobs.Put(ctx, key, data); err != nil {
		return fmt.Errorf("valuation: store content: %w", err)
	}

	t, err := NewValuateTask(ValuatePayload{
		ContributionID: req.ContributionID,
		OwnerID:        req.OwnerID,
		ContentRef:     key,
	}, e.timeout)
	if err != nil {
		return err
	}

	info, err := e.tasks.Enqueue(ctx, t)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		zap.L().Info("valuation already queued", zap.String("contribution_id", req.ContributionID))
		return nil
	}
	if err != nil {
		return err
	}

	zap.L().Info("enqueued valuation",
		zap.String("contribution_id", req.ContributionID),
		zap.String("owner_id", req.OwnerID),
		zap.String("task_id", info.ID),
	)
	return nil
}

func (p *Pipeline) HandleValuateTask(ctx context.Context, t *asynq.Task) error {
	var payload ValuatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("contribution_id", payload.ContributionID),
	)

	res, err := p.Run(ctx, payload.ContributionID)
	if errors.Is(err, ErrContributionNotFound) {
		zapLog.Error("contribution not found")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	if res != nil {
		zapLog.Info("valuation task done", zap.String("status", string(res.Status)))
	}
	return nil
}
