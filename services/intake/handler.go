package intake

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"codemint-controlplane/pkg/blob"
	"codemint-controlplane/pkg/db/pagination"
	"codemint-controlplane/pkg/errutil"
	pkgtask "codemint-controlplane/pkg/task"
	"codemint-controlplane/services/contribution"
	"codemint-controlplane/services/ledger"
	"codemint-controlplane/services/networkstats"
	"codemint-controlplane/services/payout"
	"codemint-controlplane/services/task"
	"codemint-controlplane/services/valuation"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ValuationEnqueuer hands stored content to the valuation workers.
type ValuationEnqueuer interface {
	EnqueueValuation(ctx context.Context, req valuation.ValuationRequest) error
}

// PayoutEnqueuer schedules manual payout operations.
type PayoutEnqueuer interface {
	EnqueueBatchClose(ctx context.Context) error
	EnqueueReconciliation(ctx context.Context) error
	EnqueueRetry(ctx context.Context, payoutID string) error
}

type BatchReader interface {
	GetBatch(ctx context.Context, batchID string) (*payout.BatchDetail, error)
}

type Handler struct {
	contributions *contribution.Service
	valuations    ValuationEnqueuer
	ledger        *ledger.Service
	stats         *networkstats.Service
	batches       BatchReader
	payouts       PayoutEnqueuer
	jobs          *task.Service
	tasks         pkgtask.Enqueuer
}

type Params struct {
	fx.In
	Contributions *contribution.Service
	Valuations    *valuation.Enqueuer
	Ledger        *ledger.Service
	Stats         *networkstats.Service
	Batches       *payout.Service
	Payouts       *payout.Enqueuer
	Jobs          *task.Service
	Tasks         pkgtask.Enqueuer
}

func NewHandler(p Params) *Handler {
	return &Handler{
		contributions: p.Contributions,
		valuations:    p.Valuations,
		ledger:        p.Ledger,
		stats:         p.Stats,
		batches:       p.Batches,
		payouts:       p.Payouts,
		jobs:          p.Jobs,
		tasks:         p.Tasks,
	}
}

// Register mounts the intake API under /v1.
func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1")

	v1.POST("/contributions", h.CreateContribution)
	v1.GET("/contributions", h.ListContributions)
	v1.GET("/contributions/:id", h.GetContribution)

	v1.GET("/accounts/:owner_id", h.GetAccount)
	v1.GET("/accounts/:owner_id/entries", h.ListEntries)
	v1.GET("/accounts/:owner_id/verify", h.VerifyChain)
	v1.PUT("/accounts/:owner_id/wallet", h.SetWallet)

	v1.GET("/network/stats", h.GetNetworkStats)
	v1.POST("/network/stats/rebuild", h.RebuildNetworkStats)

	v1.GET("/payouts/batches/:id", h.GetBatch)
	v1.POST("/payouts/batches/close", h.CloseBatch)
	v1.POST("/payouts/reconcile", h.Reconcile)
	v1.POST("/payouts/:id/retry", h.RetryPayout)

	v1.GET("/jobs", h.ListJobs)
	v1.GET("/jobs/:id", h.GetJob)
}

type CreateContributionRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
	Origin  string `json:"origin"`
	Content string `json:"content" binding:"required"`
}

// CreateContribution records a PENDING contribution and queues its
// valuation. The outcome reaches the owner as a notification.
func (h *Handler) CreateContribution(c *gin.Context) {
	var req CreateContributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.Invalid("invalid contribution request", err))
		return
	}
	if req.Origin == "" {
		req.Origin = "upload"
	}

	ctx := c.Request.Context()
	data := []byte(req.Content)
	created, err := h.contributions.Create(ctx, contribution.CreateParams{
		OwnerID:     req.OwnerID,
		Origin:      req.Origin,
		ContentRef:  blob.ContentKey(req.Origin, data),
		ContentHash: blob.Hash(data),
	})
	if err != nil {
		c.Error(err)
		return
	}

	if err := h.valuations.EnqueueValuation(ctx, valuation.ValuationRequest{
		OwnerID:        req.OwnerID,
		Content:        req.Content,
		ContributionID: created.ID,
		Origin:         req.Origin,
	}); err != nil {
		zap.L().Error("❌ failed to enqueue valuation", zap.String("contribution_id", created.ID), zap.Error(err))
		if terr := h.contributions.Transition(context.WithoutCancel(ctx), nil, created.ID, contribution.StatusPending, contribution.StatusFailed); terr != nil {
			zap.L().Error("failed to fail contribution", zap.String("contribution_id", created.ID), zap.Error(terr))
		}
		c.Error(errutil.Unavailable("valuation queue unavailable", err))
		return
	}

	c.JSON(http.StatusAccepted, created)
}

func (h *Handler) GetContribution(c *gin.Context) {
	out, err := h.contributions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type listContributionsQuery struct {
	OwnerID string `form:"owner_id"`
	Status  string `form:"status"`
	pagination.Pagination
}

func (h *Handler) ListContributions(c *gin.Context) {
	var q listContributionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	status := contribution.Status(q.Status)
	if status != "" && !status.Valid() {
		c.Error(errutil.BadRequest(fmt.Sprintf("unknown status %q", q.Status), nil))
		return
	}

	items, info, err := h.contributions.List(c.Request.Context(), contribution.ListParams{
		OwnerID:    q.OwnerID,
		Status:     status,
		Pagination: q.Pagination,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page": info})
}

func (h *Handler) GetAccount(c *gin.Context) {
	out, err := h.ledger.GetAccount(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) ListEntries(c *gin.Context) {
	out, err := h.ledger.ListEntries(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *Handler) VerifyChain(c *gin.Context) {
	out, err := h.ledger.VerifyChain(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type SetWalletRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
}

func (h *Handler) SetWallet(c *gin.Context) {
	var req SetWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.Invalid("invalid wallet request", err))
		return
	}
	out, err := h.ledger.SetWallet(c.Request.Context(), c.Param("owner_id"), req.WalletAddress)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetNetworkStats(c *gin.Context) {
	out, err := h.stats.Get(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) RebuildNetworkStats(c *gin.Context) {
	h.enqueue(c, func(ctx context.Context) error {
		_, err := h.tasks.Enqueue(ctx, networkstats.NewRebuildTask())
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	})
}

func (h *Handler) GetBatch(c *gin.Context) {
	out, err := h.batches.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) CloseBatch(c *gin.Context) {
	h.enqueue(c, h.payouts.EnqueueBatchClose)
}

func (h *Handler) Reconcile(c *gin.Context) {
	h.enqueue(c, h.payouts.EnqueueReconciliation)
}

func (h *Handler) RetryPayout(c *gin.Context) {
	id := c.Param("id")
	h.enqueue(c, func(ctx context.Context) error {
		return h.payouts.EnqueueRetry(ctx, id)
	})
}

func (h *Handler) enqueue(c *gin.Context, fn func(context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		c.Error(errutil.Unavailable("task queue unavailable", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type listJobsQuery struct {
	TaskName string `form:"task_name"`
	Status   string `form:"status"`
	pagination.Pagination
}

func (h *Handler) ListJobs(c *gin.Context) {
	var q listJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	items, info, err := h.jobs.ListJobs(c.Request.Context(), task.ListJobsParams{
		TaskName:   q.TaskName,
		Status:     task.JobStatus(q.Status),
		Pagination: q.Pagination,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page": info})
}

func (h *Handler) GetJob(c *gin.Context) {
	out, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}
