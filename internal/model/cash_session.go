package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Cash session statuses.
const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)

// CashSession represents the lifecycle of a register (caixa).
// Open → Closed is terminal. Sales may only commit against an open session.
type CashSession struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	VenueID        uuid.UUID       `gorm:"type:uuid;not null;index:idx_session_venue_register,priority:1"`
	Register       int             `gorm:"not null;index:idx_session_venue_register,priority:2"`
	OperatorID     string          `gorm:"not null"`
	OpeningBalance decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	// ExpectedBalance is computed on close: opening + cash sales - cash refunds.
	ExpectedBalance *decimal.Decimal `gorm:"type:decimal(12,2)"`
	ClosingBalance  *decimal.Decimal `gorm:"type:decimal(12,2)"`
	Variance        *decimal.Decimal `gorm:"type:decimal(12,2)"`
	VariancePct     *decimal.Decimal `gorm:"type:decimal(7,2)"`
	// VarianceClass: "normal" | "warning" | "critical"
	VarianceClass *string `gorm:"type:varchar(10)"`
	Notes         *string
	Status        string `gorm:"type:varchar(10);not null;default:'open'"`
	// Version is bumped by every commit against the session and by close,
	// so a close can never race a commit.
	Version  int64 `gorm:"not null;default:0"`
	OpenedAt time.Time
	ClosedAt *time.Time
}

func (CashSession) TableName() string { return "cash_sessions" }

func (s *CashSession) BeforeCreate(_ *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
