package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codemint-controlplane/pkg/db/option"
	"codemint-controlplane/pkg/db/pagination"
	"codemint-controlplane/pkg/errutil"
	"codemint-controlplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	tasks repository.Repository[Task]
	jobs  repository.Repository[Job]
}

type Params struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		tasks: repository.ProvideStore[Task](p.DB),
		jobs:  repository.ProvideStore[Job](p.DB),
	}
}

// Wrap records a Job around every delivery of a handler. Recording
// problems are logged and never fail the task itself.
func (s *Service) Wrap(name string, h asynq.HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		job, err := s.start(ctx, name, t)
		if err != nil {
			zap.L().Warn("⚠️ failed to record job start", zap.String("task_name", name), zap.Error(err))
		}

		runErr := h(ctx, t)

		if job != nil {
			if err := s.finish(context.WithoutCancel(ctx), job, runErr); err != nil {
				zap.L().Warn("⚠️ failed to record job result",
					zap.String("task_name", name),
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
			}
		}
		return runErr
	}
}

func (s *Service) start(ctx context.Context, name string, t *asynq.Task) (*Job, error) {
	meta := map[string]any{
		"task_type":    t.Type(),
		"payload_size": len(t.Payload()),
	}
	if id, ok := asynq.GetTaskID(ctx); ok {
		meta["task_id"] = id
	}
	if queue, ok := asynq.GetQueueName(ctx); ok {
		meta["queue"] = queue
	}
	if retry, ok := asynq.GetRetryCount(ctx); ok {
		meta["retry"] = retry
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        s.node.Generate().String(),
		TaskName:  name,
		Status:    JobRunning,
		StartedAt: &now,
		Metadata:  raw,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) finish(ctx context.Context, job *Job, runErr error) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       JobSuccess,
		"completed_at": now,
	}
	if runErr != nil {
		updates["status"] = JobFailed
		updates["error_msg"] = runErr.Error()
	}
	return s.jobs.Update(ctx, job.ID, &updates)
}

// RegisterTask stores or refreshes a task definition by name.
func (s *Service) RegisterTask(ctx context.Context, t *Task) error {
	if t.Name == "" {
		return errutil.BadRequest("task name is required", nil)
	}
	if t.ID == "" {
		t.ID = s.node.Generate().String()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "schedule", "is_active", "updated_at"}),
		}).
		Create(t).Error
}

func (s *Service) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.tasks.Find(ctx, &Task{}, option.WithSortBy(option.QuerySortBy{SortBy: "name", OrderBy: "asc"}))
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.jobs.FindOne(ctx, &Job{ID: id})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errutil.NotFound(fmt.Sprintf("job %s not found", id), nil)
	}
	return job, nil
}

type ListJobsParams struct {
	TaskName string
	Status   JobStatus
	pagination.Pagination
}

// ListJobs returns the newest jobs first.
func (s *Service) ListJobs(ctx context.Context, p ListJobsParams) ([]*Job, *pagination.PageInfo, error) {
	page := p.Pagination.Normalize()

	var cursor *pagination.Cursor
	if page.Cursor != "" {
		c, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		cursor = c
	}

	items, err := s.jobs.Find(ctx, &Job{TaskName: p.TaskName, Status: p.Status}, option.QueryOption(pagination.Scope(cursor, page.Limit)))
	if err != nil {
		zap.L().Error("failed to list jobs", zap.Error(err))
		return nil, nil, err
	}

	items, info := pagination.BuildCursorPageInfo(items, page.Limit, func(j *Job) pagination.Cursor {
		return pagination.Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
	})
	return items, info, nil
}
