package contribution

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ValuationVersion is bumped whenever the Valuation document changes shape.
const ValuationVersion = 1

type Contribution struct {
	ID           string                        `gorm:"column:id;primaryKey" json:"id"`
	OwnerID      *string                       `gorm:"column:owner_id;index" json:"owner_id"`
	Origin       string                        `gorm:"column:origin" json:"origin"`
	ContentRef   string                        `gorm:"column:content_ref" json:"content_ref"`
	ContentHash  string                        `gorm:"column:content_hash;index" json:"content_hash"`
	Status       Status                        `gorm:"column:status;index" json:"status"`
	Valuation    datatypes.JSONType[Valuation] `gorm:"column:valuation" json:"valuation"`
	RewardAmount decimal.Decimal               `gorm:"column:reward_amount;type:decimal(38,18);default:0" json:"reward_amount"`
	Embedding    Vector                        `gorm:"column:embedding" json:"-"`
	CreatedAt    time.Time                     `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt    time.Time                     `gorm:"column:updated_at" json:"updated_at"`
	ProcessedAt  *time.Time                    `gorm:"column:processed_at" json:"processed_at"`
}

// Owner returns the owner id or "" when the owner was removed.
func (c *Contribution) Owner() string {
	if c.OwnerID == nil {
		return ""
	}
	return *c.OwnerID
}

// Valuation is the result document written once, together with the
// terminal status. Sections a run never reached stay nil.
type Valuation struct {
	Version           int                          `json:"version"`
	FileCount         int                          `json:"file_count"`
	LLOC              int64                        `json:"lloc"`
	Tokens            int64                        `json:"tokens"`
	AvgComplexity     float64                      `json:"avg_complexity"`
	CompressionRatio  float64                      `json:"compression_ratio"`
	LanguageBreakdown map[string]LanguageBreakdown `json:"language_breakdown,omitempty"`
	Qualitative       *QualitativeScores           `json:"qualitative,omitempty"`
	Similarity        *SimilarityMatch             `json:"similarity,omitempty"`
	Incremental       *IncrementalDelta            `json:"incremental,omitempty"`
	Multipliers       *Multipliers                 `json:"multipliers,omitempty"`
	FinalReward       float64                      `json:"final_reward"`
	Rejection         *Rejection                   `json:"rejection,omitempty"`
}

type LanguageBreakdown struct {
	Files      int64 `json:"files"`
	Code       int64 `json:"code"`
	Complexity int64 `json:"complexity"`
}

type QualitativeScores struct {
	Clarity      float64 `json:"clarity"`
	Architecture float64 `json:"architecture"`
	Quality      float64 `json:"quality"`
	Summary      string  `json:"summary,omitempty"`
	Source       string  `json:"source"`
}

type SimilarityMatch struct {
	Classification  string  `json:"classification"`
	NeighborID      string  `json:"neighbor_id,omitempty"`
	NeighborOwnerID string  `json:"neighbor_owner_id,omitempty"`
	Similarity      float64 `json:"similarity"`
}

// IncrementalDelta describes what an update added on top of its prior
// contribution.
type IncrementalDelta struct {
	PriorContributionID string `json:"prior_contribution_id"`
	AddedLines          int64  `json:"added_lines"`
	ChangedFiles        int    `json:"changed_files"`
	Tokens              int64  `json:"tokens"`
}

// Multipliers are the factors actually applied when the reward was paid.
// Replaying stats later cannot reproduce them, so they are kept as issued.
type Multipliers struct {
	BaseValue  float64 `json:"base_value"`
	Rarity     float64 `json:"rarity"`
	Halving    float64 `json:"halving"`
	AIWeighted float64 `json:"ai_weighted"`
}

type RejectionReason string

const (
	ReasonEmpty        RejectionReason = "empty"
	ReasonLowEntropy   RejectionReason = "low_entropy"
	ReasonOversize     RejectionReason = "oversize"
	ReasonPolicy       RejectionReason = "policy"
	ReasonNoTokens     RejectionReason = "no_tokens"
	ReasonZeroReward   RejectionReason = "zero_reward"
	ReasonOrphaned     RejectionReason = "orphaned"
	ReasonDuplicate    RejectionReason = "duplicate"
	ReasonNoNewCode    RejectionReason = "no_new_code"
	ReasonNoEmbedding  RejectionReason = "embedding_unavailable"
	ReasonInterrupted  RejectionReason = "interrupted"
	ReasonInternal     RejectionReason = "internal_error"
	ReasonBlobNotFound RejectionReason = "content_missing"
)

type Rejection struct {
	Reason  RejectionReason `json:"reason"`
	Summary string          `json:"summary"`
}
