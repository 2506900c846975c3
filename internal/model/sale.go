package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TenderMethod is the closed set of payment methods a split may use.
type TenderMethod string

const (
	TenderCash       TenderMethod = "cash"
	TenderCard       TenderMethod = "card"
	TenderPix        TenderMethod = "pix"
	TenderTabBalance TenderMethod = "tab_balance"
)

// Valid reports whether m is one of the supported tender methods.
func (m TenderMethod) Valid() bool {
	switch m {
	case TenderCash, TenderCard, TenderPix, TenderTabBalance:
		return true
	default:
		return false
	}
}

// ViaProcessor reports whether the split settles through a tender processor
// rather than the tab ledger.
func (m TenderMethod) ViaProcessor() bool {
	return m == TenderCash || m == TenderCard || m == TenderPix
}

// Sale statuses.
const (
	SaleStatusPending   = "pending"
	SaleStatusCommitted = "committed"
	SaleStatusFailed    = "failed"
	SaleStatusVoided    = "voided"
)

// Tender split statuses.
const (
	TenderPending    = "pending"
	TenderApproved   = "approved"
	TenderDeclined   = "declined"
	TenderVoided     = "voided"
	TenderVoidFailed = "void_failed"
)

// Sale is the record of one settlement attempt. ID is the idempotency key
// supplied by the client, so it is never generated server-side.
// Status: "pending" | "committed" | "failed" | "voided"
// Outcome holds the final settlement state ("committed" | "rejected" | "rolled_back").
type Sale struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	VenueID       uuid.UUID       `gorm:"type:uuid;not null;index;uniqueIndex:idx_sale_venue_seq,priority:1"`
	CashSessionID uuid.UUID       `gorm:"type:uuid;not null;index"`
	OperatorID    string          `gorm:"not null"`
	Total         decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Status        string          `gorm:"type:varchar(12);not null;default:'pending';index"`
	Outcome       *string         `gorm:"type:varchar(12)"`
	FailureReason *string         `gorm:"type:varchar(40)"`
	FailureDetail *string
	// CommitSeq totally orders committed sales within a venue.
	CommitSeq   *int64 `gorm:"uniqueIndex:idx_sale_venue_seq,priority:2"`
	CreatedAt   time.Time
	CommittedAt *time.Time
	VoidedAt    *time.Time
	VoidReason  *string
	// VoidSessionID is the session that paid out the refund of a voided sale.
	VoidSessionID *uuid.UUID `gorm:"type:uuid;index"`

	Items   []SaleItem    `gorm:"foreignKey:SaleID"`
	Tenders []TenderSplit `gorm:"foreignKey:SaleID"`
}

// SaleItem snapshots the unit price at sale time; it is never re-read live.
type SaleItem struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	SaleID    uuid.UUID       `gorm:"type:uuid;not null;index"`
	ProductID uuid.UUID       `gorm:"type:uuid;not null"`
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Subtotal  decimal.Decimal `gorm:"type:decimal(12,2);not null"`
}

func (i *SaleItem) BeforeCreate(_ *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// TenderSplit is one payment within a sale. Splits are settled in Position order.
type TenderSplit struct {
	ID       uuid.UUID       `gorm:"type:uuid;primaryKey"`
	SaleID   uuid.UUID       `gorm:"type:uuid;not null;index"`
	Position int             `gorm:"not null"`
	Method   TenderMethod    `gorm:"type:varchar(20);not null"`
	Amount   decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	// TabID is set for tab_balance splits.
	TabID             *uuid.UUID `gorm:"type:uuid"`
	Status            string     `gorm:"type:varchar(12);not null;default:'pending'"`
	ExternalReference *string
	DeclineReason     *string
}

func (TenderSplit) TableName() string { return "tender_splits" }

func (s *TenderSplit) BeforeCreate(_ *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
