package contribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codemint-controlplane/pkg/db/option"
	"codemint-controlplane/pkg/db/pagination"
	"codemint-controlplane/pkg/errutil"
	"codemint-controlplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrStatusChanged is returned when a compare-and-swap finds the row in a
// different status than expected, usually because another worker won.
var ErrStatusChanged = errors.New("contribution: status changed concurrently")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	contributions repository.Repository[Contribution]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:            p.DB,
		node:          p.Node,
		contributions: repository.ProvideStore[Contribution](p.DB),
	}
}

type CreateParams struct {
	OwnerID     string
	Origin      string
	ContentRef  string
	ContentHash string
}

// Create inserts a PENDING contribution.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Contribution, error) {
	c := &Contribution{
		ID:          s.node.Generate().String(),
		Origin:      p.Origin,
		ContentRef:  p.ContentRef,
		ContentHash: p.ContentHash,
		Status:      StatusPending,
	}
	if p.OwnerID != "" {
		owner := p.OwnerID
		c.OwnerID = &owner
	}

	if err := s.contributions.Create(ctx, c); err != nil {
		zap.L().Error("failed to create contribution", zap.Error(err))
		return nil, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Contribution, error) {
	c, err := s.contributions.FindOne(ctx, &Contribution{ID: id})
	if err != nil {
		zap.L().Error("failed to query contribution", zap.String("contribution_id", id), zap.Error(err))
		return nil, err
	}
	if c == nil {
		return nil, errutil.NotFound("contribution not found", nil)
	}
	return c, nil
}

type ListParams struct {
	OwnerID string
	Status  Status
	pagination.Pagination
}

func (s *Service) List(ctx context.Context, p ListParams) ([]*Contribution, *pagination.PageInfo, error) {
	page := p.Pagination.Normalize()

	var cursor *pagination.Cursor
	if page.Cursor != "" {
		c, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		cursor = c
	}

	query := &Contribution{Status: p.Status}
	if p.OwnerID != "" {
		owner := p.OwnerID
		query.OwnerID = &owner
	}

	items, err := s.contributions.Find(ctx, query, option.QueryOption(pagination.Scope(cursor, page.Limit)))
	if err != nil {
		zap.L().Error("failed to list contributions", zap.Error(err))
		return nil, nil, err
	}

	items, info := pagination.BuildCursorPageInfo(items, page.Limit, func(c *Contribution) pagination.Cursor {
		return pagination.Cursor{CreatedAt: c.CreatedAt, ID: c.ID}
	})
	return items, info, nil
}

// Transition moves a contribution from → to with a compare-and-swap on the
// current status. tx may be nil.
func (s *Service) Transition(ctx context.Context, tx *gorm.DB, id string, from, to Status) error {
	if err := CheckTransition(from, to); err != nil {
		return err
	}
	return s.swap(ctx, tx, id, from, map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	})
}

// Outcome is the terminal write of a valuation run.
type Outcome struct {
	Status    Status
	Valuation Valuation
	Reward    decimal.Decimal
	Embedding Vector
}

// Finalize writes the terminal status and the valuation document in one
// update. The contribution must currently be PROCESSING.
func (s *Service) Finalize(ctx context.Context, tx *gorm.DB, id string, out Outcome) error {
	if err := CheckTransition(StatusProcessing, out.Status); err != nil {
		return err
	}

	doc := out.Valuation
	doc.Version = ValuationVersion
	now := time.Now().UTC()

	updates := map[string]any{
		"status":        out.Status,
		"valuation":     datatypes.NewJSONType(doc),
		"reward_amount": out.Reward,
		"processed_at":  now,
		"updated_at":    now,
	}
	if len(out.Embedding) > 0 {
		updates["embedding"] = out.Embedding
	}

	return s.swap(ctx, tx, id, StatusProcessing, updates)
}

func (s *Service) swap(ctx context.Context, tx *gorm.DB, id string, from Status, updates map[string]any) error {
	db := s.db
	if tx != nil {
		db = tx
	}

	res := db.WithContext(ctx).
		Model(&Contribution{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		zap.L().Error("failed to update contribution status",
			zap.String("contribution_id", id),
			zap.Error(res.Error),
		)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is no longer %s", ErrStatusChanged, id, from)
	}
	return nil
}
