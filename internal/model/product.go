package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product is a catalog entry owned by the venue catalog.
// The settlement core only reads it; price is snapshotted into SaleItem at sale time.
type Product struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	VenueID   uuid.UUID       `gorm:"type:uuid;not null;index"`
	Name      string          `gorm:"index;not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Category  string          `gorm:"not null;default:''"`
	Barcode   *string         `gorm:"uniqueIndex"`
	Active    bool            `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrPriceNotCents rejects negative catalog prices and prices finer than one cent.
var ErrPriceNotCents = errors.New("unit price must be a non-negative amount in whole cents")

func (p *Product) BeforeCreate(_ *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.UnitPrice.IsNegative() || !p.UnitPrice.Equal(p.UnitPrice.Round(2)) {
		return ErrPriceNotCents
	}
	return nil
}
