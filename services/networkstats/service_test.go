package networkstats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codemint-controlplane/services/contribution"
	"codemint-controlplane/services/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &NetworkStats{}, &contribution.Contribution{})
	return NewService(ServiceParams{DB: db}), db
}

func TestWelfordMatchesTwoPass(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	var w Welford
	for _, x := range xs {
		w = w.Add(x)
	}

	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}

	require.Equal(t, int64(8), w.Count)
	require.InDelta(t, mean, w.Mean, 1e-12)
	require.InDelta(t, ss/7, w.Variance(), 1e-12)
	require.Zero(t, Welford{Count: 1, Mean: 3}.Variance())
}

func TestApplyBootstrapsAndFolds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.Get(ctx)
	require.NoError(t, err)
	require.Zero(t, st.TotalContributions)

	_, err = svc.Apply(ctx, func(tx *gorm.DB, current NetworkStats) (*Sample, error) {
		require.Zero(t, current.TotalContributions)
		require.Zero(t, current.Snapshot().ComplexityStdDev)
		return &Sample{Complexity: 8, Quality: 0.6, LLOC: 500, Tokens: 10_000, Reward: decimal.RequireFromString("12.5")}, nil
	})
	require.NoError(t, err)

	st, err = svc.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.TotalContributions)
	require.Equal(t, int64(500), st.TotalLLOC)
	require.Equal(t, int64(10_000), st.TotalTokens)
	require.InDelta(t, 8.0, st.ComplexityMean, 1e-12)
	require.True(t, st.TotalDistributed.Equal(decimal.RequireFromString("12.5")))
}

func TestApplyNilSampleCommitsWithoutFolding(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, func(tx *gorm.DB, _ NetworkStats) (*Sample, error) {
		return nil, tx.Create(&contribution.Contribution{ID: "kept", Status: contribution.StatusRejectedNoReward}).Error
	})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, func(tx *gorm.DB, _ NetworkStats) (*Sample, error) {
		if err := tx.Create(&contribution.Contribution{ID: "rolled-back", Status: contribution.StatusProcessed}).Error; err != nil {
			return nil, err
		}
		return nil, errors.New("boom")
	})
	require.EqualError(t, err, "boom")

	var count int64
	require.NoError(t, db.Model(&contribution.Contribution{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	st, err := svc.Get(ctx)
	require.NoError(t, err)
	require.Zero(t, st.TotalContributions)
}

func TestConcurrentApplyHasNoLostUpdate(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&NetworkStats{
		ID:                 SingletonID,
		TotalContributions: 10,
		ComplexityMean:     5,
		ComplexityM2:       20,
		TotalDistributed:   decimal.Zero,
	}).Error)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, x := range []float64{4, 6} {
		wg.Add(1)
		go func(x float64) {
			defer wg.Done()
			_, err := svc.Apply(ctx, func(tx *gorm.DB, _ NetworkStats) (*Sample, error) {
				return &Sample{Complexity: x, Reward: decimal.NewFromInt(1)}, nil
			})
			errs <- err
		}(x)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := svc.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(12), st.TotalContributions)
	require.True(t, st.TotalDistributed.Equal(decimal.NewFromInt(2)))

	start := Welford{Count: 10, Mean: 5, M2: 20}
	a := start.Add(4).Add(6)
	b := start.Add(6).Add(4)
	require.InDelta(t, a.Mean, st.ComplexityMean, 1e-12)
	require.InDelta(t, a.M2, st.ComplexityM2, 1e-9)
	require.InDelta(t, b.M2, st.ComplexityM2, 1e-9)
	require.InDelta(t, 5.0, st.ComplexityMean, 1e-12)
}

func TestRebuildReproducesIncrementalStats(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []struct {
		complexity float64
		quality    float64
		reward     string
		status     contribution.Status
	}{
		{3, 0.4, "1.5", contribution.StatusProcessed},
		{12, 0.9, "7.25", contribution.StatusProcessed},
		{40, 0.1, "0", contribution.StatusDuplicateCrossUser},
		{7, 0.55, "3.125", contribution.StatusProcessed},
		{1, 0.2, "0.5", contribution.StatusProcessed},
	}

	for i, s := range samples {
		doc := contribution.Valuation{
			Version:       contribution.ValuationVersion,
			LLOC:          int64(100 * (i + 1)),
			Tokens:        int64(1000 * (i + 1)),
			AvgComplexity: s.complexity,
			Multipliers:   &contribution.Multipliers{AIWeighted: s.quality},
		}
		if i == 3 {
			doc.Incremental = &contribution.IncrementalDelta{PriorContributionID: "c-1", AddedLines: 12, Tokens: 90}
		}
		amount := decimal.RequireFromString(s.reward)
		c := &contribution.Contribution{
			ID:           string(rune('a' + i)),
			Status:       s.status,
			Valuation:    datatypes.NewJSONType(doc),
			RewardAmount: amount,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(c).Error)

		if s.status == contribution.StatusProcessed {
			_, err := svc.Apply(ctx, func(tx *gorm.DB, _ NetworkStats) (*Sample, error) {
				sample := SampleOf(doc, amount)
				return &sample, nil
			})
			require.NoError(t, err)
		}
	}

	incremental, err := svc.Get(ctx)
	require.NoError(t, err)

	// Corrupt the row, then rebuild.
	require.NoError(t, db.Model(&NetworkStats{}).Where("id = ?", SingletonID).Updates(map[string]any{
		"complexity_mean": 999, "total_contributions": 1,
	}).Error)

	rebuilt, err := svc.Rebuild(ctx)
	require.NoError(t, err)

	require.Equal(t, int64(4), rebuilt.TotalContributions)
	require.Equal(t, incremental.TotalContributions, rebuilt.TotalContributions)
	require.Equal(t, incremental.TotalLLOC, rebuilt.TotalLLOC)
	require.Equal(t, incremental.TotalTokens, rebuilt.TotalTokens)
	require.InDelta(t, incremental.ComplexityMean, rebuilt.ComplexityMean, 1e-12)
	require.InDelta(t, incremental.ComplexityM2, rebuilt.ComplexityM2, 1e-9)
	require.InDelta(t, incremental.QualityMean, rebuilt.QualityMean, 1e-12)
	require.InDelta(t, incremental.QualityM2, rebuilt.QualityM2, 1e-9)
	require.True(t, incremental.TotalDistributed.Equal(rebuilt.TotalDistributed))

	stored, err := svc.Get(ctx)
	require.NoError(t, err)
	require.InDelta(t, rebuilt.ComplexityMean, stored.ComplexityMean, 1e-12)
}
