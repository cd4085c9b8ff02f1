package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GenesisHash is the previous_hash of an owner's first entry.
const GenesisHash = "GENESIS"

// amountScale is the fixed number of decimals amounts are hashed with, so
// the hash does not depend on how the store returns numerics.
const amountScale = 18

type EntryType string

const (
	EntryReward          EntryType = "REWARD"
	EntryPayoutSnapshot  EntryType = "PAYOUT_SNAPSHOT"
	EntryReconcileRefund EntryType = "RECONCILE_REFUND"
)

// sign is +1 for entries that raise the balance and -1 for those that
// lower it.
func (t EntryType) sign() int {
	switch t {
	case EntryReward, EntryReconcileRefund:
		return 1
	case EntryPayoutSnapshot:
		return -1
	}
	return 0
}

type Account struct {
	ID            string          `gorm:"column:id;primaryKey" json:"id"`
	OwnerID       string          `gorm:"column:owner_id;uniqueIndex" json:"owner_id"`
	WalletAddress string          `gorm:"column:wallet_address" json:"wallet_address"`
	Balance       decimal.Decimal `gorm:"column:balance;type:decimal(38,18);default:0" json:"balance"`
	TotalEarned   decimal.Decimal `gorm:"column:total_earned;type:decimal(38,18);default:0" json:"total_earned"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

// LedgerEntry is one hash-chained audit row. Entries of an owner form a
// chain ordered by Sequence.
type LedgerEntry struct {
	ID           string          `gorm:"column:id;primaryKey" json:"id"`
	OwnerID      string          `gorm:"column:owner_id;uniqueIndex:idx_ledger_owner_sequence" json:"owner_id"`
	Sequence     int64           `gorm:"column:sequence;uniqueIndex:idx_ledger_owner_sequence" json:"sequence"`
	Type         EntryType       `gorm:"column:type;uniqueIndex:idx_ledger_type_reference" json:"type"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(38,18)" json:"amount"`
	ReferenceID  string          `gorm:"column:reference_id;uniqueIndex:idx_ledger_type_reference" json:"reference_id"`
	Description  string          `gorm:"column:description" json:"description"`
	PreviousHash string          `gorm:"column:previous_hash" json:"previous_hash"`
	Hash         string          `gorm:"column:hash" json:"hash"`
	Metadata     datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"owner_id":      m.OwnerID,
		"sequence":      fmt.Sprintf("%d", m.Sequence),
		"type":          string(m.Type),
		"amount":        m.Amount.StringFixed(amountScale),
		"reference_id":  m.ReferenceID,
		"description":   m.Description,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
