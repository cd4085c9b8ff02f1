package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codemint-controlplane/pkg/db/option"
	"codemint-controlplane/pkg/errutil"
	"codemint-controlplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrDuplicateReference  = errors.New("ledger: reference already posted")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	ledger   repository.Repository[LedgerEntry]
	accounts repository.Repository[Account]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		ledger:   repository.ProvideStore[LedgerEntry](p.DB),
		accounts: repository.ProvideStore[Account](p.DB),
	}
}

// Posting is a balance movement to record.
type Posting struct {
	OwnerID     string
	Type        EntryType
	Amount      decimal.Decimal
	ReferenceID string
	Description string
	Metadata    map[string]any
}

// Post appends a chained entry and moves the owner's balance. With a nil
// tx it runs in its own transaction; otherwise every statement uses tx so
// the caller's commit covers the entry.
func (s *Service) Post(ctx context.Context, tx *gorm.DB, p Posting) (*LedgerEntry, error) {
	if tx != nil {
		return s.post(ctx, tx, p)
	}

	var entry *LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.post(ctx, tx, p)
		return err
	})
	return entry, err
}

func (s *Service) post(ctx context.Context, tx *gorm.DB, p Posting) (*LedgerEntry, error) {
	log := s.logger(ctx).With(
		zap.String("owner_id", p.OwnerID),
		zap.String("type", string(p.Type)),
		zap.String("reference_id", p.ReferenceID),
	)

	sign := p.Type.sign()
	if sign == 0 {
		return nil, errutil.BadRequest("unsupported entry type", nil)
	}
	if !p.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	ledgerTx := s.ledger.WithTrx(tx)
	accountTx := s.accounts.WithTrx(tx)

	if exist, err := ledgerTx.FindOne(ctx, &LedgerEntry{Type: p.Type, ReferenceID: p.ReferenceID}); err != nil {
		return nil, err
	} else if exist != nil {
		log.Warn("reference already posted")
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateReference, p.Type, p.ReferenceID)
	}

	// 🔒 account row stays locked until the caller commits
	account, err := s.lockAccount(ctx, tx, p.OwnerID, sign > 0)
	if err != nil {
		return nil, err
	}
	if sign < 0 && account.Balance.LessThan(p.Amount) {
		return nil, fmt.Errorf("%w: need=%s available=%s", ErrInsufficientBalance, p.Amount, account.Balance)
	}

	last, err := ledgerTx.FindOne(ctx, &LedgerEntry{OwnerID: p.OwnerID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "sequence",
		OrderBy: "desc",
		Allow:   map[string]bool{"sequence": true},
	}))
	if err != nil {
		return nil, err
	}

	entry := &LedgerEntry{
		ID:           s.node.Generate().String(),
		OwnerID:      p.OwnerID,
		Sequence:     1,
		Type:         p.Type,
		Amount:       p.Amount,
		ReferenceID:  p.ReferenceID,
		Description:  p.Description,
		PreviousHash: GenesisHash,
		// set before hashing so the stored value is the hashed one
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if last != nil {
		entry.Sequence = last.Sequence + 1
		entry.PreviousHash = last.Hash
	}
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, err
		}
		entry.Metadata = datatypes.JSON(b)
	}
	entry.Hash = entry.GenerateHash()

	if err := ledgerTx.Create(ctx, entry); err != nil {
		log.Error("failed to create ledger entry", zap.Error(err))
		return nil, err
	}

	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if sign > 0 {
		updates["balance"] = account.Balance.Add(p.Amount)
	} else {
		updates["balance"] = account.Balance.Sub(p.Amount)
	}
	if p.Type == EntryReward {
		updates["total_earned"] = account.TotalEarned.Add(p.Amount)
	}
	if err := accountTx.Update(ctx, account.ID, &updates); err != nil {
		log.Error("failed to update account balance", zap.Error(err))
		return nil, err
	}

	return entry, nil
}

// lockAccount selects the owner's account FOR UPDATE, creating it first
// when create is set.
func (s *Service) lockAccount(ctx context.Context, tx *gorm.DB, ownerID string, create bool) (*Account, error) {
	repo := s.accounts.WithTrx(tx)
	account, err := repo.FindOne(ctx, &Account{OwnerID: ownerID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ownerID)
	}

	seed := &Account{
		ID:          s.node.Generate().String(),
		OwnerID:     ownerID,
		Balance:     decimal.Zero,
		TotalEarned: decimal.Zero,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoNothing: true,
	}).Create(seed).Error; err != nil {
		return nil, err
	}

	account, err = repo.FindOne(ctx, &Account{OwnerID: ownerID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ownerID)
	}
	return account, nil
}

// LockPayableAccounts locks every account whose balance is at least min
// and above zero, ordered by owner.
func (s *Service) LockPayableAccounts(ctx context.Context, tx *gorm.DB, min decimal.Decimal) ([]*Account, error) {
	if !min.IsPositive() {
		min = decimal.Zero
	}
	accounts, err := s.accounts.WithTrx(tx).Find(ctx, &Account{},
		option.ApplyOperator(option.Condition{Field: "balance", Operator: option.GT, Value: decimal.Zero}),
		option.ApplyOperator(option.Condition{Field: "balance", Operator: option.GTE, Value: min}),
		option.WithSortBy(option.QuerySortBy{SortBy: "owner_id", OrderBy: "asc", Allow: map[string]bool{"owner_id": true}}),
		option.WithLockingUpdate(),
	)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Service) GetAccount(ctx context.Context, ownerID string) (*Account, error) {
	account, err := s.accounts.FindOne(ctx, &Account{OwnerID: ownerID})
	if err != nil {
		s.logger(ctx).Error("failed to query account", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, err
	}
	if account == nil {
		return nil, errutil.NotFound("account not found", nil)
	}
	return account, nil
}

// SetWallet records where payouts for ownerID are sent, opening the account
// when needed.
func (s *Service) SetWallet(ctx context.Context, ownerID, wallet string) (*Account, error) {
	if ownerID == "" || wallet == "" {
		return nil, errutil.BadRequest("owner_id and wallet_address are required", nil)
	}

	var out *Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.lockAccount(ctx, tx, ownerID, true)
		if err != nil {
			return err
		}
		updates := map[string]any{"wallet_address": wallet, "updated_at": time.Now().UTC()}
		if err := s.accounts.WithTrx(tx).Update(ctx, account.ID, &updates); err != nil {
			return err
		}
		account.WalletAddress = wallet
		out = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListEntries(ctx context.Context, ownerID string) ([]*LedgerEntry, error) {
	entries, err := s.ledger.Find(ctx, &LedgerEntry{OwnerID: ownerID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "sequence",
		OrderBy: "asc",
		Allow:   map[string]bool{"sequence": true},
	}))
	if err != nil {
		s.logger(ctx).Error("failed to query list entries", zap.Error(err))
		return nil, err
	}
	return entries, nil
}

type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt string `json:"broken_at,omitempty"`
}

// VerifyChain recomputes every hash of ownerID's chain.
func (s *Service) VerifyChain(ctx context.Context, ownerID string) (*VerifyResult, error) {
	entries, err := s.ListEntries(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	lastHash := GenesisHash
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			return &VerifyResult{Valid: false, Entries: len(entries), BrokenAt: entry.ID}, nil
		}
		lastHash = entry.Hash
	}

	return &VerifyResult{Valid: true, Entries: len(entries)}, nil
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return zap.L()
	}
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
