package payout

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchOpen       BatchStatus = "OPEN"
	BatchClosed     BatchStatus = "CLOSED"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
	PayoutReconciled PayoutStatus = "RECONCILED"
)

// PayoutBatch groups the payouts snapshotted at one close. At most one batch
// is OPEN at a time.
type PayoutBatch struct {
	ID          string          `gorm:"column:id;primaryKey" json:"id"`
	Code        string          `gorm:"column:code;uniqueIndex" json:"code"`
	Status      BatchStatus     `gorm:"column:status;index:idx_payout_batches_single_open,unique,where:status = 'OPEN'" json:"status"`
	StartTime   time.Time       `gorm:"column:start_time" json:"start_time"`
	EndTime     *time.Time      `gorm:"column:end_time" json:"end_time,omitempty"`
	TotalAmount decimal.Decimal `gorm:"column:total_amount;type:decimal(38,18);default:0" json:"total_amount"`
	CreatedAt   time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

// BatchPayout is one owner's disbursement within a batch. Amount never
// changes after the snapshot.
type BatchPayout struct {
	ID          string          `gorm:"column:id;primaryKey" json:"id"`
	BatchID     string          `gorm:"column:batch_id;index" json:"batch_id"`
	OwnerID     string          `gorm:"column:owner_id;index" json:"owner_id"`
	Recipient   string          `gorm:"column:recipient" json:"recipient"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(38,18)" json:"amount"`
	Status      PayoutStatus    `gorm:"column:status;index" json:"status"`
	TxReference string          `gorm:"column:tx_reference" json:"tx_reference,omitempty"`
	Error       string          `gorm:"column:error" json:"error,omitempty"`
	Attempts    int             `gorm:"column:attempts;default:0" json:"attempts"`
	ProcessedAt *time.Time      `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at" json:"updated_at"`
}
