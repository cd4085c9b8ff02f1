package networkstats

import (
	"context"
	"fmt"
	"time"

	"codemint-controlplane/pkg/db/option"
	"codemint-controlplane/pkg/repository"
	"codemint-controlplane/services/contribution"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rebuildBatchSize = 500

// ApplyFunc runs inside the stats transaction with the row locked. It must
// do all of its writes on tx. A nil sample leaves the aggregate untouched
// while still committing tx.
type ApplyFunc func(tx *gorm.DB, current NetworkStats) (*Sample, error)

// Service is the only writer of the NetworkStats row. Every read-modify-write
// happens under SELECT ... FOR UPDATE, so concurrent valuations serialize.
type Service struct {
	db    *gorm.DB
	stats repository.Repository[NetworkStats]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		stats: repository.ProvideStore[NetworkStats](p.DB),
	}
}

func (s *Service) Get(ctx context.Context) (*NetworkStats, error) {
	st, err := s.stats.FindOne(ctx, &NetworkStats{ID: SingletonID})
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &NetworkStats{ID: SingletonID}, nil
	}
	return st, nil
}

// Apply locks the row, hands a copy to fn and folds the returned sample.
func (s *Service) Apply(ctx context.Context, fn ApplyFunc) (*NetworkStats, error) {
	var out *NetworkStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := s.lock(ctx, tx)
		if err != nil {
			return err
		}

		sample, err := fn(tx, *st)
		if err != nil {
			return err
		}
		if sample != nil {
			st.fold(*sample)
			if err := s.save(ctx, tx, st); err != nil {
				return err
			}
		}
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rebuild resets the aggregate and replays every PROCESSED contribution in
// creation order, inside one locked transaction.
func (s *Service) Rebuild(ctx context.Context) (*NetworkStats, error) {
	start := time.Now()
	fresh := &NetworkStats{ID: SingletonID, TotalDistributed: decimal.Zero}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lock(ctx, tx); err != nil {
			return err
		}

		var last *contribution.Contribution
		for {
			var batch []*contribution.Contribution
			q := tx.WithContext(ctx).Where("status = ?", contribution.StatusProcessed)
			if last != nil {
				q = q.Where("((created_at > ?) OR (created_at = ? AND id > ?))", last.CreatedAt, last.CreatedAt, last.ID)
			}
			if err := q.Order("created_at ASC").Order("id ASC").Limit(rebuildBatchSize).Find(&batch).Error; err != nil {
				return fmt.Errorf("networkstats: load contributions: %w", err)
			}

			for _, c := range batch {
				fresh.fold(SampleOf(c.Valuation.Data(), c.RewardAmount))
			}
			if len(batch) < rebuildBatchSize {
				break
			}
			last = batch[len(batch)-1]
		}

		return s.save(ctx, tx, fresh)
	})
	if err != nil {
		zap.L().Error("❌ network stats rebuild failed", zap.Error(err))
		return nil, err
	}

	zap.L().Info("✅ network stats rebuilt",
		zap.Int64("contributions", fresh.TotalContributions),
		zap.Float64("complexity_mean", fresh.ComplexityMean),
		zap.Duration("duration", time.Since(start)),
	)
	return fresh, nil
}

// lock selects the row FOR UPDATE, creating it on first use.
func (s *Service) lock(ctx context.Context, tx *gorm.DB) (*NetworkStats, error) {
	repo := s.stats.WithTrx(tx)
	st, err := repo.FindOne(ctx, &NetworkStats{ID: SingletonID}, option.WithLockingUpdate())
	if err != nil {
		return nil, fmt.Errorf("networkstats: lock row: %w", err)
	}
	if st != nil {
		return st, nil
	}

	seed := &NetworkStats{ID: SingletonID, TotalDistributed: decimal.Zero}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return nil, fmt.Errorf("networkstats: bootstrap row: %w", err)
	}

	st, err = repo.FindOne(ctx, &NetworkStats{ID: SingletonID}, option.WithLockingUpdate())
	if err != nil {
		return nil, fmt.Errorf("networkstats: lock row: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("networkstats: row %d missing after bootstrap", SingletonID)
	}
	return st, nil
}

func (s *Service) save(ctx context.Context, tx *gorm.DB, st *NetworkStats) error {
	return tx.WithContext(ctx).Model(&NetworkStats{}).Where("id = ?", SingletonID).Updates(map[string]any{
		"total_distributed":   st.TotalDistributed,
		"total_contributions": st.TotalContributions,
		"total_lloc":          st.TotalLLOC,
		"total_tokens":        st.TotalTokens,
		"complexity_mean":     st.ComplexityMean,
		"complexity_m2":       st.ComplexityM2,
		"quality_mean":        st.QualityMean,
		"quality_m2":          st.QualityM2,
		"updated_at":          time.Now().UTC(),
	}).Error
}

// SampleOf derives the aggregate sample from a finalized valuation. The
// pipeline and Rebuild both go through it, so replay matches ingestion.
func SampleOf(v contribution.Valuation, amount decimal.Decimal) Sample {
	s := Sample{
		Complexity: v.AvgComplexity,
		LLOC:       v.LLOC,
		Tokens:     v.Tokens,
		Reward:     amount,
	}
	if v.Incremental != nil {
		s.LLOC = v.Incremental.AddedLines
		s.Tokens = v.Incremental.Tokens
	}
	if v.Multipliers != nil {
		s.Quality = v.Multipliers.AIWeighted
	}
	return s
}
