package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codemint-controlplane/pkg/chain"
	"codemint-controlplane/pkg/db/option"
	"codemint-controlplane/pkg/errutil"
	"codemint-controlplane/pkg/redis"
	"codemint-controlplane/pkg/rediskey"
	"codemint-controlplane/pkg/repository"
	"codemint-controlplane/pkg/sequence"
	"codemint-controlplane/pkg/task"
	"codemint-controlplane/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	ErrBatchConflict      = errors.New("payout: batch status changed")
	ErrBatchNotFound      = errors.New("payout: batch not found")
	ErrCloseInProgress    = errors.New("payout: batch close already running")
	ErrBatchIncomplete    = errors.New("payout: batch has unsettled payouts")
	ErrPayoutNotRetryable = errors.New("payout: only failed payouts can be retried")
	errPayoutClaimed      = errors.New("payout: payout status changed")
)

type Config struct {
	TransfersPerSec float64
	TransferBurst   int
	Concurrency     int
	TransferRetries uint64
	TransferTimeout time.Duration
	LockTTL         time.Duration
	MinPayoutAmount decimal.Decimal
	// ProcessTimeout bounds one batch process job.
	ProcessTimeout time.Duration
	// StrandedAfter is how long a PENDING payout of a COMPLETED batch may sit
	// untouched before reconciliation fails and refunds it. It must exceed
	// the retry job timeout.
	StrandedAfter time.Duration
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  Config

	ledger     *ledger.Service
	transferer chain.Transferer
	locker     redis.Locker
	sequence   sequence.Generator
	enqueuer   task.Enqueuer

	limiter *rate.Limiter
	group   singleflight.Group
	backOff func() backoff.BackOff

	batches repository.Repository[PayoutBatch]
	payouts repository.Repository[BatchPayout]
}

type Deps struct {
	DB         *gorm.DB
	Node       *snowflake.Node
	Ledger     *ledger.Service
	Transferer chain.Transferer
	Locker     redis.Locker
	Sequence   sequence.Generator
	Enqueuer   task.Enqueuer
}

func NewService(cfg Config, d Deps) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.TransferBurst <= 0 {
		cfg.TransferBurst = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 30 * time.Second
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	if cfg.StrandedAfter <= 0 {
		cfg.StrandedAfter = 30 * time.Minute
	}

	limit := rate.Inf
	if cfg.TransfersPerSec > 0 {
		limit = rate.Limit(cfg.TransfersPerSec)
	}

	return &Service{
		db:         d.DB,
		node:       d.Node,
		cfg:        cfg,
		ledger:     d.Ledger,
		transferer: d.Transferer,
		locker:     d.Locker,
		sequence:   d.Sequence,
		enqueuer:   d.Enqueuer,
		limiter:    rate.NewLimiter(limit, cfg.TransferBurst),
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			return b
		},

		batches: repository.ProvideStore[PayoutBatch](d.DB),
		payouts: repository.ProvideStore[BatchPayout](d.DB),
	}
}

// CloseBatch closes the OPEN batch, snapshots every payable balance into
// PENDING payouts and opens the next batch. Only one close runs at a time
// across all workers.
func (s *Service) CloseBatch(ctx context.Context) (*PayoutBatch, error) {
	v, err, _ := s.group.Do("close", func() (any, error) {
		if s.locker != nil {
			lock, err := s.locker.Acquire(ctx, rediskey.BuildBatchCloseLockKey(), s.cfg.LockTTL)
			if errors.Is(err, redis.ErrLockHeld) {
				return nil, ErrCloseInProgress
			}
			if err != nil {
				return nil, err
			}
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					zap.L().Warn("⚠️ failed to release batch close lock", zap.Error(err))
				}
			}()
		}
		return s.closeBatch(ctx)
	})
	if err != nil {
		return nil, err
	}
	closed := v.(*PayoutBatch)

	if s.enqueuer != nil {
		if _, err := s.enqueuer.Enqueue(ctx, NewBatchProcessTask(closed.ID), asynq.Timeout(s.cfg.ProcessTimeout)); err != nil {
			// the batch stays CLOSED and is picked up by a manual or later process run
			zap.L().Error("failed to enqueue batch process", zap.String("batch_id", closed.ID), zap.Error(err))
		}
	}
	return closed, nil
}

func (s *Service) closeBatch(ctx context.Context) (*PayoutBatch, error) {
	log := zap.L().With(zap.String("op", "close_batch"))
	log.Info("▶️ start closing payout batch")

	var closed *PayoutBatch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batches := s.batches.WithTrx(tx)
		payouts := s.payouts.WithTrx(tx)
		now := time.Now().UTC()

		// 1️⃣ lock the open batch, bootstrapping the first one
		open, err := batches.FindOne(ctx, &PayoutBatch{Status: BatchOpen}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if open == nil {
			open, err = s.openBatch(ctx, tx, time.Time{})
			if err != nil {
				return err
			}
			log.Info("bootstrapped first open batch", zap.String("batch_id", open.ID))
		}

		// 2️⃣ close it before the next one may be opened
		res := tx.Model(&PayoutBatch{}).
			Where("id = ? AND status = ?", open.ID, BatchOpen).
			Updates(map[string]any{"status": BatchClosed, "end_time": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBatchConflict
		}

		// 3️⃣ snapshot payable balances
		accounts, err := s.ledger.LockPayableAccounts(ctx, tx, s.cfg.MinPayoutAmount)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for _, account := range accounts {
			if account.WalletAddress == "" {
				log.Warn("⚠️ skip account without wallet", zap.String("owner_id", account.OwnerID))
				continue
			}

			p := &BatchPayout{
				ID:        s.node.Generate().String(),
				BatchID:   open.ID,
				OwnerID:   account.OwnerID,
				Recipient: account.WalletAddress,
				Amount:    account.Balance,
				Status:    PayoutPending,
			}
			if err := payouts.Create(ctx, p); err != nil {
				return err
			}
			if _, err := s.ledger.Post(ctx, tx, ledger.Posting{
				OwnerID:     account.OwnerID,
				Type:        ledger.EntryPayoutSnapshot,
				Amount:      account.Balance,
				ReferenceID: p.ID,
				Description: fmt.Sprintf("payout batch %s", open.Code),
				Metadata:    map[string]any{"batch_id": open.ID},
			}); err != nil {
				return err
			}
			total = total.Add(account.Balance)
		}

		totals := map[string]any{"total_amount": total}
		if err := batches.Update(ctx, open.ID, &totals); err != nil {
			return err
		}

		// 4️⃣ open the next batch
		if _, err := s.openBatch(ctx, tx, now); err != nil {
			return err
		}

		open.Status = BatchClosed
		open.EndTime = &now
		open.TotalAmount = total
		closed = open
		return nil
	})
	if err != nil {
		log.Error("❌ failed to close payout batch", zap.Error(err))
		return nil, err
	}

	log.Info("🎉 payout batch closed",
		zap.String("batch_id", closed.ID),
		zap.String("code", closed.Code),
		zap.String("total_amount", closed.TotalAmount.String()),
	)
	return closed, nil
}

func (s *Service) openBatch(ctx context.Context, tx *gorm.DB, start time.Time) (*PayoutBatch, error) {
	code, err := s.nextCode(ctx)
	if err != nil {
		return nil, err
	}
	batch := &PayoutBatch{
		ID:          s.node.Generate().String(),
		Code:        code,
		Status:      BatchOpen,
		StartTime:   start,
		TotalAmount: decimal.Zero,
	}
	if err := s.batches.WithTrx(tx).Create(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *Service) nextCode(ctx context.Context) (string, error) {
	if s.sequence == nil {
		return fmt.Sprintf("PB-%s", s.node.Generate().String()), nil
	}
	return s.sequence.NextBatchCode(ctx)
}

// ProcessBatch disburses every PENDING payout of a CLOSED batch. A batch
// already PROCESSING is resumed. Transfer failures are recorded on the
// payout and never stop the loop. The batch only completes once none of its
// payouts is PENDING; otherwise ErrBatchIncomplete is returned and the job
// retries.
func (s *Service) ProcessBatch(ctx context.Context, batchID string) error {
	log := zap.L().With(zap.String("batch_id", batchID))

	batch, err := s.batches.FindOne(ctx, &PayoutBatch{ID: batchID})
	if err != nil {
		return err
	}
	if batch == nil {
		return ErrBatchNotFound
	}

	switch batch.Status {
	case BatchCompleted:
		log.Info("batch already completed")
		return nil
	case BatchOpen:
		return fmt.Errorf("%w: batch %s is still open", ErrBatchConflict, batchID)
	case BatchClosed:
		if err := s.swapBatch(ctx, s.db, batchID, BatchClosed, BatchProcessing); err != nil {
			if !errors.Is(err, ErrBatchConflict) {
				return err
			}
			// a concurrent run may have claimed it first
			current, ferr := s.batches.FindOne(ctx, &PayoutBatch{ID: batchID})
			if ferr != nil {
				return ferr
			}
			if current == nil || current.Status != BatchProcessing {
				return err
			}
		}
	case BatchProcessing:
		log.Info("resuming batch")
	}

	pending, err := s.payouts.Find(ctx, &BatchPayout{BatchID: batchID, Status: PayoutPending},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
	)
	if err != nil {
		return err
	}
	log.Info("▶️ start processing payout batch", zap.Int("pending", len(pending)))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, p := range pending {
		g.Go(func() error {
			_, err := s.disburse(ctx, p)
			return err
		})
	}
	werr := g.Wait()

	if err := ctx.Err(); err != nil {
		log.Warn("⚠️ batch interrupted, left processing", zap.Error(err))
		return err
	}

	var left int64
	if err := s.db.WithContext(ctx).Model(&BatchPayout{}).
		Where("batch_id = ? AND status = ?", batchID, PayoutPending).
		Count(&left).Error; err != nil {
		return err
	}
	if left > 0 {
		log.Warn("⚠️ batch has unsettled payouts, left processing", zap.Int64("pending", left), zap.Error(werr))
		return errors.Join(fmt.Errorf("%w: %d of batch %s still pending", ErrBatchIncomplete, left, batchID), werr)
	}

	if err := s.swapBatch(ctx, s.db, batchID, BatchProcessing, BatchCompleted); err != nil {
		return err
	}
	log.Info("🎉 payout batch completed")
	return nil
}

// disburse sends one PENDING payout and records the outcome on it. A
// cancelled context leaves the payout PENDING for the next run.
func (s *Service) disburse(ctx context.Context, p *BatchPayout) (*BatchPayout, error) {
	log := zap.L().With(
		zap.String("payout_id", p.ID),
		zap.String("owner_id", p.OwnerID),
		zap.String("amount", p.Amount.String()),
	)

	attempts := 0
	var reference string
	op := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
		defer cancel()

		ref, err := s.transferer.Transfer(callCtx, chain.TransferRequest{
			Recipient:      p.Recipient,
			Amount:         p.Amount,
			IdempotencyKey: p.ID,
		})
		if err != nil {
			if ctx.Err() != nil || !chain.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		reference = ref
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("retrying transfer", zap.Duration("wait", wait), zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.backOff(), s.cfg.TransferRetries), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if ctx.Err() != nil {
		log.Warn("⚠️ transfer interrupted, payout left pending", zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"attempts":     gorm.Expr("attempts + ?", attempts),
		"processed_at": now,
		"updated_at":   now,
	}
	status := PayoutCompleted
	if err != nil {
		status = PayoutFailed
		updates["error"] = err.Error()
		log.Warn("⚠️ payout transfer failed", zap.Int("attempts", attempts), zap.Error(err))
	} else {
		updates["tx_reference"] = reference
		updates["error"] = ""
		log.Info("✅ payout transferred", zap.String("tx_reference", reference))
	}
	updates["status"] = status

	// finalize outside the caller's context so a late cancel does not lose
	// the outcome of a transfer that already happened
	if serr := s.swapPayout(context.WithoutCancel(ctx), s.db, p.ID, PayoutPending, updates); serr != nil {
		log.Error("❌ failed to record payout outcome", zap.String("status", string(status)), zap.Error(serr))
		return nil, serr
	}

	p.Status = status
	p.Attempts += attempts
	p.ProcessedAt = &now
	if err != nil {
		p.Error = err.Error()
	} else {
		p.TxReference = reference
		p.Error = ""
	}
	return p, nil
}

// Reconcile moves every FAILED payout to RECONCILED and credits its amount
// back to the owner's balance in the same transaction. Already reconciled
// payouts are skipped, so repeated runs never credit twice. PENDING payouts
// stranded in a COMPLETED batch are failed first and refunded in the same
// run.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	if err := s.failStranded(ctx); err != nil {
		return 0, err
	}

	failed, err := s.payouts.Find(ctx, &BatchPayout{Status: PayoutFailed},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
	)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, p := range failed {
		log := zap.L().With(zap.String("payout_id", p.ID), zap.String("owner_id", p.OwnerID))

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := time.Now().UTC()
			if err := s.swapPayout(ctx, tx, p.ID, PayoutFailed, map[string]any{
				"status":     PayoutReconciled,
				"updated_at": now,
			}); err != nil {
				return err
			}
			_, err := s.ledger.Post(ctx, tx, ledger.Posting{
				OwnerID:     p.OwnerID,
				Type:        ledger.EntryReconcileRefund,
				Amount:      p.Amount,
				ReferenceID: p.ID,
				Description: "refund of failed payout",
				Metadata:    map[string]any{"batch_id": p.BatchID, "error": p.Error},
			})
			return err
		})
		if errors.Is(err, errPayoutClaimed) {
			log.Info("payout no longer failed, skipping")
			continue
		}
		if err != nil {
			log.Error("❌ failed to reconcile payout", zap.Error(err))
			return reconciled, err
		}
		reconciled++
		log.Info("✅ payout reconciled", zap.String("amount", p.Amount.String()))
	}

	return reconciled, nil
}

// RetryPayout re-attempts a FAILED payout. The payout is claimed back to
// PENDING first so a concurrent Reconcile cannot refund it mid-transfer.
func (s *Service) RetryPayout(ctx context.Context, payoutID string) (*BatchPayout, error) {
	p, err := s.payouts.FindOne(ctx, &BatchPayout{ID: payoutID})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("payout not found", nil)
	}
	if p.Status != PayoutFailed {
		return nil, errutil.Conflict(ErrPayoutNotRetryable.Error(), ErrPayoutNotRetryable)
	}

	if err := s.swapPayout(ctx, s.db, p.ID, PayoutFailed, map[string]any{
		"status":     PayoutPending,
		"updated_at": time.Now().UTC(),
	}); err != nil {
		if errors.Is(err, errPayoutClaimed) {
			return nil, errutil.Conflict(ErrPayoutNotRetryable.Error(), ErrPayoutNotRetryable)
		}
		return nil, err
	}
	p.Status = PayoutPending

	out, err := s.disburse(ctx, p)
	if err != nil && ctx.Err() != nil {
		// the batch is already completed, so nothing else would pick it up
		if rerr := s.swapPayout(context.WithoutCancel(ctx), s.db, p.ID, PayoutPending, map[string]any{
			"status":     PayoutFailed,
			"error":      "retry interrupted: " + ctx.Err().Error(),
			"updated_at": time.Now().UTC(),
		}); rerr != nil {
			zap.L().Error("❌ failed to return interrupted retry to failed", zap.String("payout_id", p.ID), zap.Error(rerr))
		}
		return nil, err
	}
	return out, err
}

// failStranded marks FAILED every PENDING payout whose batch is COMPLETED
// and which has not changed for StrandedAfter.
func (s *Service) failStranded(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.StrandedAfter)
	completed := s.db.Model(&PayoutBatch{}).Select("id").Where("status = ?", BatchCompleted)

	var stranded []*BatchPayout
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ? AND batch_id IN (?)", PayoutPending, cutoff, completed).
		Order("id").
		Find(&stranded).Error; err != nil {
		return err
	}

	for _, p := range stranded {
		err := s.swapPayout(ctx, s.db, p.ID, PayoutPending, map[string]any{
			"status":     PayoutFailed,
			"error":      "payout left pending after its batch completed",
			"updated_at": time.Now().UTC(),
		})
		if errors.Is(err, errPayoutClaimed) {
			continue
		}
		if err != nil {
			return err
		}
		zap.L().Warn("⚠️ stranded payout marked failed", zap.String("payout_id", p.ID), zap.String("batch_id", p.BatchID))
	}
	return nil
}

type BatchDetail struct {
	Batch   *PayoutBatch   `json:"batch"`
	Payouts []*BatchPayout `json:"payouts"`
}

func (s *Service) GetBatch(ctx context.Context, batchID string) (*BatchDetail, error) {
	batch, err := s.batches.FindOne(ctx, &PayoutBatch{ID: batchID})
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, errutil.NotFound("batch not found", nil)
	}

	payouts, err := s.payouts.Find(ctx, &BatchPayout{BatchID: batchID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
	)
	if err != nil {
		return nil, err
	}
	return &BatchDetail{Batch: batch, Payouts: payouts}, nil
}

func (s *Service) swapBatch(ctx context.Context, tx *gorm.DB, id string, from, to BatchStatus) error {
	res := tx.WithContext(ctx).Model(&PayoutBatch{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s->%s", ErrBatchConflict, id, from, to)
	}
	return nil
}

func (s *Service) swapPayout(ctx context.Context, tx *gorm.DB, id string, from PayoutStatus, updates map[string]any) error {
	res := tx.WithContext(ctx).Model(&BatchPayout{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errPayoutClaimed
	}
	return nil
}
