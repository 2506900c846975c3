package dto

import "github.com/shopspring/decimal"

// ─── Stock ──────────────────────────────────────────────────────────────────

type StockAdjustmentRequest struct {
	Delta  int     `json:"delta"  validate:"required,ne=0"`
	Reason string  `json:"reason" validate:"required,oneof=shrinkage recount receiving correction"`
	Note   *string `json:"note"   validate:"omitempty,max=500"`
}

type MovementFilter struct {
	Reason string `form:"reason"`
	Page   int    `form:"page,default=1"   validate:"min=1"`
	Limit  int    `form:"limit,default=50" validate:"min=1,max=200"`
}

type StockLevelResponse struct {
	ProductID    string  `json:"product_id"`
	Quantity     int     `json:"quantity"`
	Version      int64   `json:"version"`
	Frozen       bool    `json:"frozen"`
	FrozenReason *string `json:"frozen_reason,omitempty"`
	UpdatedAt    string  `json:"updated_at"`
}

type StockMovementResponse struct {
	ID                string  `json:"id"`
	ProductID         string  `json:"product_id"`
	Delta             int     `json:"delta"`
	Reason            string  `json:"reason"`
	ReferenceID       string  `json:"reference_id"`
	Note              *string `json:"note,omitempty"`
	Flagged           bool    `json:"flagged"`
	ResultingQuantity int     `json:"resulting_quantity"`
	Version           int64   `json:"version"`
	CreatedAt         string  `json:"created_at"`
}

type StockMovementListResponse struct {
	Data  []StockMovementResponse `json:"data"`
	Total int64                   `json:"total"`
	Page  int                     `json:"page"`
	Limit int                     `json:"limit"`
}

// ─── Tabs ───────────────────────────────────────────────────────────────────

type OpenTabRequest struct {
	Number         int     `json:"number"          validate:"required,min=1"`
	HolderName     *string `json:"holder_name"     validate:"omitempty,max=120"`
	HolderDocument *string `json:"holder_document" validate:"omitempty,max=40"`
	CreditAllowed  bool    `json:"credit_allowed"`
}

type TopUpRequest struct {
	Number         int             `json:"number"          validate:"required,min=1"`
	Amount         decimal.Decimal `json:"amount"          validate:"required,gt=0"`
	HolderName     *string         `json:"holder_name"     validate:"omitempty,max=120"`
	HolderDocument *string         `json:"holder_document" validate:"omitempty,max=40"`
	// ReferenceID makes a retried top-up idempotent.
	ReferenceID *string `json:"reference_id" validate:"omitempty,uuid"`
}

type TabResponse struct {
	ID             string          `json:"id"`
	VenueID        string          `json:"venue_id"`
	Number         int             `json:"number"`
	HolderName     *string         `json:"holder_name,omitempty"`
	HolderDocument *string         `json:"holder_document,omitempty"`
	Balance        decimal.Decimal `json:"balance"`
	CreditAllowed  bool            `json:"credit_allowed"`
	Status         string          `json:"status"`
	Version        int64           `json:"version"`
	Frozen         bool            `json:"frozen"`
	FrozenReason   *string         `json:"frozen_reason,omitempty"`
	OpenedAt       string          `json:"opened_at"`
	ClosedAt       *string         `json:"closed_at,omitempty"`
}

type TabMovementResponse struct {
	ID               string          `json:"id"`
	TabID            string          `json:"tab_id"`
	Delta            decimal.Decimal `json:"delta"`
	Reason           string          `json:"reason"`
	ReferenceID      string          `json:"reference_id"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	Version          int64           `json:"version"`
	CreatedAt        string          `json:"created_at"`
}

type TabMovementListResponse struct {
	Data  []TabMovementResponse `json:"data"`
	Total int64                 `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
}

// ─── Catalog ────────────────────────────────────────────────────────────────

type ProductResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Category  string          `json:"category"`
	Barcode   *string         `json:"barcode,omitempty"`
	Stock     *int            `json:"stock,omitempty"`
}
