package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Stock movement reasons.
const (
	StockReasonSale             = "sale"
	StockReasonSaleReversal     = "sale_reversal"
	StockReasonReturn           = "return"
	StockReasonManualAdjustment = "manual_adjustment"
)

// StockLevel is the cached current quantity of one product.
// It is only ever written together with a StockMovement; Quantity must always
// equal the sum of the product's movement deltas.
type StockLevel struct {
	ProductID uuid.UUID `gorm:"type:uuid;primaryKey"`
	VenueID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Quantity  int       `gorm:"not null;default:0"`
	// Version is the optimistic-concurrency counter, bumped on every movement.
	Version int64 `gorm:"not null;default:0"`
	// Frozen rows refuse new debits until an operator reconciles them.
	Frozen       bool `gorm:"not null;default:false"`
	FrozenReason *string
	UpdatedAt    time.Time
}

func (StockLevel) TableName() string { return "stock_levels" }

// StockMovement is an immutable entry of the stock ledger.
// Delta is positive for entries and negative for exits.
type StockMovement struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProductID   uuid.UUID `gorm:"type:uuid;not null;index:idx_stock_mov_product_version,priority:1"`
	VenueID     uuid.UUID `gorm:"type:uuid;not null;index"`
	Delta       int       `gorm:"not null"`
	Reason      string    `gorm:"type:varchar(30);not null"` // sale | sale_reversal | return | manual_adjustment
	ReferenceID uuid.UUID `gorm:"type:uuid;not null;index"`
	Note        *string
	// Flagged marks manual adjustments that took the level below zero.
	Flagged           bool `gorm:"not null;default:false"`
	ResultingQuantity int  `gorm:"not null"`
	// Version is the level version this movement produced; strictly increasing per product.
	Version   int64 `gorm:"not null;index:idx_stock_mov_product_version,priority:2"`
	CreatedAt time.Time
}

func (StockMovement) TableName() string { return "stock_movements" }

func (m *StockMovement) BeforeCreate(_ *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
