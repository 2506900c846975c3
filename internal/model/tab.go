package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Tab movement reasons.
const (
	TabReasonTopUp         = "topup"
	TabReasonDebit         = "debit"
	TabReasonDebitReversal = "debit_reversal"
	TabReasonRefund        = "refund"
	// TabReasonReconcile marks the zero-delta anchor written by a rebuild.
	TabReasonReconcile = "reconcile"
)

// Tab statuses.
const (
	TabOpen   = "open"
	TabClosed = "closed"
)

// Tab (comanda) is a prepaid running-balance account for a customer or table.
// Balance must equal the sum of its TabMovement deltas.
type Tab struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	VenueID        uuid.UUID `gorm:"type:uuid;not null;index:idx_tab_venue_number,priority:1"`
	Number         int       `gorm:"not null;index:idx_tab_venue_number,priority:2"`
	HolderName     *string
	HolderDocument *string
	Balance        decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	// CreditAllowed lets the balance go below zero (running tab).
	CreditAllowed bool   `gorm:"not null;default:false"`
	Status        string `gorm:"type:varchar(10);not null;default:'open'"` // open | closed
	Version       int64  `gorm:"not null;default:0"`
	Frozen        bool   `gorm:"not null;default:false"`
	FrozenReason  *string
	OpenedAt      time.Time
	ClosedAt      *time.Time
	UpdatedAt     time.Time
}

func (t *Tab) BeforeCreate(_ *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// TabMovement is an immutable entry of the tab ledger.
type TabMovement struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TabID            uuid.UUID       `gorm:"type:uuid;not null;index:idx_tab_mov_tab_version,priority:1"`
	VenueID          uuid.UUID       `gorm:"type:uuid;not null;index"`
	Delta            decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Reason           string          `gorm:"type:varchar(20);not null"` // topup | debit | debit_reversal | refund | reconcile
	ReferenceID      uuid.UUID       `gorm:"type:uuid;not null;index"`
	ResultingBalance decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Version          int64           `gorm:"not null;index:idx_tab_mov_tab_version,priority:2"`
	CreatedAt        time.Time
}

func (TabMovement) TableName() string { return "tab_movements" }

func (m *TabMovement) BeforeCreate(_ *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
