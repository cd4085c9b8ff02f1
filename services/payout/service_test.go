package payout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codemint-controlplane/pkg/chain"
	"codemint-controlplane/pkg/chain/mocks"
	"codemint-controlplane/pkg/errutil"
	"codemint-controlplane/pkg/redis"
	"codemint-controlplane/pkg/taskname"
	"codemint-controlplane/services/ledger"
	"codemint-controlplane/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	opts  [][]asynq.Option
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: t.Type(), Queue: "critical"}, nil
}

type fakeLocker struct {
	err error
}

func (f fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (redis.Lock, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeLock{}, nil
}

type fakeLock struct{}

func (fakeLock) Release(context.Context) error { return nil }

type fixture struct {
	svc        *Service
	db         *gorm.DB
	ledger     *ledger.Service
	transferer *mocks.MockTransferer
	enqueuer   *fakeEnqueuer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &ledger.Account{}, &ledger.LedgerEntry{}, &PayoutBatch{}, &BatchPayout{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	transferer := mocks.NewMockTransferer(ctrl)
	enqueuer := &fakeEnqueuer{}
	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})

	svc := NewService(cfg, Deps{
		DB:         db,
		Node:       node,
		Ledger:     ledgerSvc,
		Transferer: transferer,
		Locker:     fakeLocker{},
		Enqueuer:   enqueuer,
	})
	svc.backOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	return &fixture{svc: svc, db: db, ledger: ledgerSvc, transferer: transferer, enqueuer: enqueuer}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) credit(t *testing.T, owner, wallet, amount, ref string) {
	t.Helper()
	ctx := context.Background()
	if wallet != "" {
		_, err := f.ledger.SetWallet(ctx, owner, wallet)
		require.NoError(t, err)
	}
	_, err := f.ledger.Post(ctx, nil, ledger.Posting{
		OwnerID:     owner,
		Type:        ledger.EntryReward,
		Amount:      dec(amount),
		ReferenceID: ref,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, owner string) decimal.Decimal {
	t.Helper()
	account, err := f.ledger.GetAccount(context.Background(), owner)
	require.NoError(t, err)
	return account.Balance
}

func (f *fixture) payouts(t *testing.T, batchID string) []*BatchPayout {
	t.Helper()
	var out []*BatchPayout
	require.NoError(t, f.db.Where("batch_id = ?", batchID).Order("owner_id").Find(&out).Error)
	return out
}

func TestCloseBatchSnapshotsBalances(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.credit(t, "alice", "0xalice", "5", "c-1")
	f.credit(t, "bob", "0xbob", "3", "c-2")
	f.credit(t, "carol", "", "2", "c-3")

	closed, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, BatchClosed, closed.Status)
	require.True(t, closed.TotalAmount.Equal(dec("8")), closed.TotalAmount.String())

	payouts := f.payouts(t, closed.ID)
	require.Len(t, payouts, 2)
	require.Equal(t, "alice", payouts[0].OwnerID)
	require.Equal(t, "0xalice", payouts[0].Recipient)
	require.True(t, payouts[0].Amount.Equal(dec("5")))
	require.Equal(t, PayoutPending, payouts[0].Status)
	require.Equal(t, "bob", payouts[1].OwnerID)

	require.True(t, f.balance(t, "alice").IsZero())
	require.True(t, f.balance(t, "bob").IsZero())
	require.True(t, f.balance(t, "carol").Equal(dec("2")))

	var open []PayoutBatch
	require.NoError(t, f.db.Where("status = ?", BatchOpen).Find(&open).Error)
	require.Len(t, open, 1)
	require.NotEqual(t, closed.ID, open[0].ID)

	require.Len(t, f.enqueuer.tasks, 1)
	require.Equal(t, taskname.PayoutBatchProcess, f.enqueuer.tasks[0].Type())

	result, err := f.ledger.VerifyChain(ctx, "alice")
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 2, result.Entries)
}

func TestCloseBatchRollsOverOpenBatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)
	require.True(t, first.TotalAmount.IsZero())

	f.credit(t, "alice", "0xalice", "1.5", "c-1")

	second, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.True(t, second.TotalAmount.Equal(dec("1.5")))
	require.Empty(t, f.payouts(t, first.ID))
	require.Len(t, f.payouts(t, second.ID), 1)

	var count int64
	require.NoError(t, f.db.Model(&PayoutBatch{}).Count(&count).Error)
	require.Equal(t, int64(3), count)
}

func TestCloseBatchHonoursMinimumAmount(t *testing.T) {
	f := newFixture(t, Config{MinPayoutAmount: dec("2")})

	f.credit(t, "alice", "0xalice", "5", "c-1")
	f.credit(t, "bob", "0xbob", "1", "c-2")

	closed, err := f.svc.CloseBatch(context.Background())
	require.NoError(t, err)

	payouts := f.payouts(t, closed.ID)
	require.Len(t, payouts, 1)
	require.Equal(t, "alice", payouts[0].OwnerID)
	require.True(t, f.balance(t, "bob").Equal(dec("1")))
}

func TestCloseBatchLockHeld(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.locker = fakeLocker{err: redis.ErrLockHeld}

	_, err := f.svc.CloseBatch(context.Background())
	require.ErrorIs(t, err, ErrCloseInProgress)

	require.NoError(t, f.svc.HandleBatchCloseTask(context.Background(), NewBatchCloseTask()))

	var count int64
	require.NoError(t, f.db.Model(&PayoutBatch{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestProcessBatchRecordsOutcomes(t *testing.T) {
	f := newFixture(t, Config{TransferRetries: 2})
	ctx := context.Background()

	f.credit(t, "alice", "0xalice", "5", "c-1")
	f.credit(t, "bob", "0xbob", "3", "c-2")

	closed, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)
	payouts := f.payouts(t, closed.ID)

	f.transferer.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		Times(2).
		DoAndReturn(func(_ context.Context, req chain.TransferRequest) (string, error) {
			if req.Recipient == "0xalice" {
				require.Equal(t, payouts[0].ID, req.IdempotencyKey)
				require.True(t, req.Amount.Equal(dec("5")))
				return "tx-alice", nil
			}
			require.Equal(t, payouts[1].ID, req.IdempotencyKey)
			return "", &chain.TransferError{Code: "rejected", Message: "recipient blocked", StatusCode: 422}
		})

	require.NoError(t, f.svc.ProcessBatch(ctx, closed.ID))

	payouts = f.payouts(t, closed.ID)
	require.Equal(t, PayoutCompleted, payouts[0].Status)
	require.Equal(t, "tx-alice", payouts[0].TxReference)
	require.NotNil(t, payouts[0].ProcessedAt)
	require.Equal(t, 1, payouts[0].Attempts)

	require.Equal(t, PayoutFailed, payouts[1].Status)
	require.Equal(t, "transfer failed [rejected] (http 422): recipient blocked", payouts[1].Error)
	require.Equal(t, 1, payouts[1].Attempts)

	detail, err := f.svc.GetBatch(ctx, closed.ID)
	require.NoError(t, err)
	require.Equal(t, BatchCompleted, detail.Batch.Status)
	require.Len(t, detail.Payouts, 2)

	// completed batches are acknowledged without work
	require.NoError(t, f.svc.ProcessBatch(ctx, closed.ID))
}

func TestProcessBatchRetriesRetryableErrors(t *testing.T) {
	f := newFixture(t, Config{TransferRetries: 3})
	ctx := context.Background()

	f.credit(t, "alice", "0xalice", "5", "c-1")
	closed, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)

	gomock.InOrder(
		f.transferer.EXPECT().Transfer(gomock.Any(), gomock.Any()).
			Return("", &chain.TransferError{Code: "transport", Message: "connection reset", Retryable: true}),
		f.transferer.EXPECT().Transfer(gomock.Any(), gomock.Any()).
			Return("", &chain.TransferError{Code: "busy", StatusCode: 503, Retryable: true}),
		f.transferer.EXPECT().Transfer(gomock.Any(), gomock.Any()).
			Return("tx-1", nil),
	)

	require.NoError(t, f.svc.ProcessBatch(ctx, closed.ID))

	payouts := f.payouts(t, closed.ID)
	require.Equal(t, PayoutCompleted, payouts[0].Status)
	require.Equal(t, 3, payouts[0].Attempts)
	require.Empty(t, payouts[0].Error)
}

func TestProcessBatchResumesProcessing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.credit(t, "alice", "0xalice", "5", "c-1")
	f.credit(t, "bob", "0xbob", "3", "c-2")
	closed, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)
	payouts := f.payouts(t, closed.ID)

	// simulate a crash after alice was paid
	require.NoError(t, f.db.Model(&PayoutBatch{}).Where("id = ?", closed.ID).Update("status", BatchProcessing).Error)
	require.NoError(t, f.db.Model(&BatchPayout{}).Where("id = ?", payouts[0].ID).Updates(map[string]any{
		"status": PayoutCompleted, "tx_reference": "tx-alice",
	}).Error)

	f.transferer.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req chain.TransferRequest) (string, error) {
			require.Equal(t, "0xbob", req.Recipient)
			return "tx-bob", nil
		})

	require.NoError(t, f.svc.ProcessBatch(ctx, closed.ID))

	payouts = f.payouts(t, closed.ID)
	require.Equal(t, "tx-alice", payouts[0].TxReference)
	require.Equal(t, "tx-bob", payouts[1].TxReference)
}

func TestProcessBatchRejectsOpenBatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)

	var open PayoutBatch
	require.NoError(t, f.db.Where("status = ?", BatchOpen).First(&open).Error)

	err = f.svc.ProcessBatch(ctx, open.ID)
	require.ErrorIs(t, err, ErrBatchConflict)

	err = f.svc.ProcessBatch(ctx, "missing")
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestProcessBatchBoundsConcurrencyAndRate(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2, TransfersPerSec: 50, TransferBurst: 1})
	ctx := context.Background()

	owners := []string{"a", "b", "c", "d", "e"}
	for _, owner := range owners {
		f.credit(t, owner, "0x"+owner, "1", "c-"+owner)
	}
	closed, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)

	var inFlight, peak int32
	f.transferer.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		Times(len(owners)).
		DoAndReturn(func(_ context.Context, req chain.TransferRequest) (string, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return "tx-" + req.Recipient, nil
		})

	start := time.Now()
	require.NoError(t, f.svc.ProcessBatch(ctx, closed.ID))

	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	// five tokens at 50/s with a burst of one need at least 80ms
	require.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
	for _, p := range f.payouts(t, closed.ID) {
		require.Equal(t, PayoutCompleted, p.Status)
	}
}

func TestReconcileRefundsFailedPayoutsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.credit(t, "alice", "0xalice", "5", "c-1")
	f.credit(t, "bob", "0xbob", "3", "c-2")
	closed, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)

	f.transferer.EXPECT().Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req chain.TransferRequest) (string, error) {
			if req.Recipient == "0xbob" {
				return "", &chain.TransferError{Code: "rejected", Message: "no"}
			}
			return "tx-alice", nil
		}).Times(2)
	require.NoError(t, f.svc.ProcessBatch(ctx, closed.ID))

	// bob earns more while the payout is failed
	f.credit(t, "bob", "", "0.5", "c-3")

	n, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	bob, err := f.ledger.GetAccount(ctx, "bob")
	require.NoError(t, err)
	require.True(t, bob.Balance.Equal(dec("3.5")), bob.Balance.String())
	require.True(t, bob.TotalEarned.Equal(dec("3.5")), bob.TotalEarned.String())

	n, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, f.balance(t, "bob").Equal(dec("3.5")))

	// conservation: everything earned is either paid out or still owed
	var paid decimal.Decimal
	for _, p := range f.payouts(t, closed.ID) {
		if p.Status == PayoutCompleted {
			paid = paid.Add(p.Amount)
		}
		if p.OwnerID == "bob" {
			require.Equal(t, PayoutReconciled, p.Status)
		}
	}
	earned := dec("8.5")
	owed := f.balance(t, "alice").Add(f.balance(t, "bob"))
	require.True(t, earned.Equal(paid.Add(owed)), "paid=%s owed=%s", paid, owed)

	result, err := f.ledger.VerifyChain(ctx, "bob")
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 4, result.Entries)
}

func TestRetryPayout(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.credit(t, "alice", "0xalice", "5", "c-1")
	closed, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)

	gomock.InOrder(
		f.transferer.EXPECT().Transfer(gomock.Any(), gomock.Any()).
			Return("", &chain.TransferError{Code: "rejected", Message: "try later"}),
		f.transferer.EXPECT().Transfer(gomock.Any(), gomock.Any()).
			Return("tx-2", nil),
	)
	require.NoError(t, f.svc.ProcessBatch(ctx, closed.ID))

	payouts := f.payouts(t, closed.ID)
	require.Equal(t, PayoutFailed, payouts[0].Status)

	p, err := f.svc.RetryPayout(ctx, payouts[0].ID)
	require.NoError(t, err)
	require.Equal(t, PayoutCompleted, p.Status)
	require.Equal(t, "tx-2", p.TxReference)

	stored := f.payouts(t, closed.ID)[0]
	require.Equal(t, PayoutCompleted, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Empty(t, stored.Error)

	_, err = f.svc.RetryPayout(ctx, payouts[0].ID)
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusConflict, be.Status())

	_, err = f.svc.RetryPayout(ctx, "missing")
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusNotFound, be.Status())

	// nothing left to reconcile
	n, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTaskConstructors(t *testing.T) {
	enq := &fakeEnqueuer{}
	e := NewEnqueuer(enq, 0)
	ctx := context.Background()

	require.NoError(t, e.EnqueueBatchClose(ctx))
	require.NoError(t, e.EnqueueReconciliation(ctx))
	require.NoError(t, e.EnqueueBatchProcess(ctx, "b-1"))
	require.NoError(t, e.EnqueueRetry(ctx, "p-1"))

	require.Len(t, enq.tasks, 4)
	require.Equal(t, taskname.PayoutBatchClose, enq.tasks[0].Type())
	require.Equal(t, taskname.PayoutReconcile, enq.tasks[1].Type())
	require.JSONEq(t, `{"batch_id":"b-1"}`, string(enq.tasks[2].Payload()))
	require.JSONEq(t, `{"payout_id":"p-1"}`, string(enq.tasks[3].Payload()))
}

func timeoutOption(t *testing.T, opts []asynq.Option) time.Duration {
	t.Helper()
	for _, o := range opts {
		if o.Type() == asynq.TimeoutOpt {
			return o.Value().(time.Duration)
		}
	}
	t.Fatalf("no timeout option in %v", opts)
	return 0
}

func TestBatchProcessUsesConfiguredTimeout(t *testing.T) {
	enq := &fakeEnqueuer{}
	require.NoError(t, NewEnqueuer(enq, 20*time.Minute).EnqueueBatchProcess(context.Background(), "b-1"))
	require.Equal(t, 20*time.Minute, timeoutOption(t, enq.opts[0]))

	f := newFixture(t, Config{ProcessTimeout: 45 * time.Minute})
	f.credit(t, "alice", "0xalice", "5", "c-1")
	_, err := f.svc.CloseBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, f.enqueuer.tasks, 1)
	require.Equal(t, taskname.PayoutBatchProcess, f.enqueuer.tasks[0].Type())
	require.Equal(t, 45*time.Minute, timeoutOption(t, f.enqueuer.opts[0]))
}

func TestRetryInterruptedReturnsPayoutToFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.credit(t, "alice", "0xalice", "5", "c-1")
	closed, err := f.svc.CloseBatch(context.Background())
	require.NoError(t, err)

	f.transferer.EXPECT().Transfer(gomock.Any(), gomock.Any()).
		Return("", &chain.TransferError{Code: "rejected", Message: "try later"})
	require.NoError(t, f.svc.ProcessBatch(context.Background(), closed.ID))
	payoutID := f.payouts(t, closed.ID)[0].ID

	ctx, cancel := context.WithCancel(context.Background())
	f.transferer.EXPECT().Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(callCtx context.Context, _ chain.TransferRequest) (string, error) {
			cancel()
			return "", callCtx.Err()
		})
	_, err = f.svc.RetryPayout(ctx, payoutID)
	require.ErrorIs(t, err, context.Canceled)

	stored := f.payouts(t, closed.ID)[0]
	require.Equal(t, PayoutFailed, stored.Status)
	require.Contains(t, stored.Error, "retry interrupted")

	// the amount is not lost: reconciliation refunds it
	n, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, f.balance(t, "alice").Equal(dec("5")))
	require.Equal(t, PayoutReconciled, f.payouts(t, closed.ID)[0].Status)
}

func TestReconcileRefundsStrandedPendingPayouts(t *testing.T) {
	f := newFixture(t, Config{StrandedAfter: time.Minute})
	ctx := context.Background()

	f.credit(t, "alice", "0xalice", "5", "c-1")
	f.credit(t, "bob", "0xbob", "3", "c-2")
	closed, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)
	payouts := f.payouts(t, closed.ID)

	// a crashed retry left alice PENDING in a completed batch long ago, while
	// bob's retry is still in flight
	require.NoError(t, f.db.Model(&PayoutBatch{}).Where("id = ?", closed.ID).Update("status", BatchCompleted).Error)
	require.NoError(t, f.db.Model(&BatchPayout{}).Where("id = ?", payouts[0].ID).
		UpdateColumns(map[string]any{"updated_at": time.Now().UTC().Add(-time.Hour)}).Error)

	n, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	payouts = f.payouts(t, closed.ID)
	require.Equal(t, PayoutReconciled, payouts[0].Status)
	require.Equal(t, PayoutPending, payouts[1].Status)
	require.True(t, f.balance(t, "alice").Equal(dec("5")))
	require.True(t, f.balance(t, "bob").IsZero())

	// a second run never refunds twice
	n, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, f.balance(t, "alice").Equal(dec("5")))
}

func TestProcessBatchStaysOpenWhileOutcomesAreUnrecorded(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var failWrites atomic.Bool
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_payout_writes", func(tx *gorm.DB) {
		if failWrites.Load() && tx.Statement.Table == "batch_payouts" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	f.credit(t, "alice", "0xalice", "5", "c-1")
	closed, err := f.svc.CloseBatch(ctx)
	require.NoError(t, err)

	f.transferer.EXPECT().Transfer(gomock.Any(), gomock.Any()).Times(2).Return("tx-1", nil)

	failWrites.Store(true)
	err = f.svc.ProcessBatch(ctx, closed.ID)
	require.ErrorIs(t, err, ErrBatchIncomplete)
	require.ErrorContains(t, err, "disk full")

	detail, err := f.svc.GetBatch(ctx, closed.ID)
	require.NoError(t, err)
	require.Equal(t, BatchProcessing, detail.Batch.Status)
	require.Equal(t, PayoutPending, detail.Payouts[0].Status)

	// the job retry resends under the same idempotency key and completes
	failWrites.Store(false)
	require.NoError(t, f.svc.ProcessBatch(ctx, closed.ID))

	detail, err = f.svc.GetBatch(ctx, closed.ID)
	require.NoError(t, err)
	require.Equal(t, BatchCompleted, detail.Batch.Status)
	require.Equal(t, PayoutCompleted, detail.Payouts[0].Status)
	require.Equal(t, "tx-1", detail.Payouts[0].TxReference)
}
