package networkstats

import (
	"math"
	"time"

	"codemint-controlplane/services/reward"

	"github.com/shopspring/decimal"
)

// SingletonID is the primary key of the only NetworkStats row.
const SingletonID = 1

type NetworkStats struct {
	ID                 int             `gorm:"column:id;primaryKey;autoIncrement:false" json:"-"`
	TotalDistributed   decimal.Decimal `gorm:"column:total_distributed;type:decimal(38,18);default:0" json:"total_distributed"`
	TotalContributions int64           `gorm:"column:total_contributions" json:"total_contributions"`
	TotalLLOC          int64           `gorm:"column:total_lloc" json:"total_lloc"`
	TotalTokens        int64           `gorm:"column:total_tokens" json:"total_tokens"`
	ComplexityMean     float64         `gorm:"column:complexity_mean" json:"complexity_mean"`
	ComplexityM2       float64         `gorm:"column:complexity_m2" json:"complexity_m2"`
	QualityMean        float64         `gorm:"column:quality_mean" json:"quality_mean"`
	QualityM2          float64         `gorm:"column:quality_m2" json:"quality_m2"`
	UpdatedAt          time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (NetworkStats) TableName() string { return "network_stats" }

func (s *NetworkStats) Complexity() Welford {
	return Welford{Count: s.TotalContributions, Mean: s.ComplexityMean, M2: s.ComplexityM2}
}

func (s *NetworkStats) Quality() Welford {
	return Welford{Count: s.TotalContributions, Mean: s.QualityMean, M2: s.QualityM2}
}

// Snapshot is what the reward formula reads.
func (s *NetworkStats) Snapshot() reward.Snapshot {
	distributed, _ := s.TotalDistributed.Float64()
	return reward.Snapshot{
		TotalDistributed: distributed,
		ComplexityMean:   s.ComplexityMean,
		ComplexityStdDev: s.Complexity().StdDev(),
	}
}

// fold applies one sample to the aggregate.
func (s *NetworkStats) fold(x Sample) {
	c := s.Complexity().Add(x.Complexity)
	q := s.Quality().Add(x.Quality)

	s.TotalContributions = c.Count
	s.ComplexityMean, s.ComplexityM2 = c.Mean, c.M2
	s.QualityMean, s.QualityM2 = q.Mean, q.M2
	s.TotalLLOC += x.LLOC
	s.TotalTokens += x.Tokens
	s.TotalDistributed = s.TotalDistributed.Add(x.Reward)
}

// Sample is one PROCESSED contribution's contribution to the aggregate.
type Sample struct {
	Complexity float64
	Quality    float64
	LLOC       int64
	Tokens     int64
	Reward     decimal.Decimal
}

// Welford keeps a running mean and sum of squared deviations.
type Welford struct {
	Count int64
	Mean  float64
	M2    float64
}

func (w Welford) Add(x float64) Welford {
	delta := x - w.Mean
	w.Count++
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (x - w.Mean)
	return w
}

// Variance is the sample variance, 0 until two samples exist.
func (w Welford) Variance() float64 {
	if w.Count < 2 {
		return 0
	}
	return w.M2 / float64(w.Count-1)
}

func (w Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}
