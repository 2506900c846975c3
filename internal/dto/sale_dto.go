package dto

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement result kinds seen by terminals.
const (
	ResultCommitted   = "committed"
	ResultDeclined    = "declined"
	ResultConflict    = "conflict"
	ResultUnavailable = "unavailable"
	ResultRejected    = "rejected"
)

// ─── Filter / List ──────────────────────────────────────────────────────────

// SaleFilter is bound from the query string of GET /v1/orders.
// VenueID always comes from the operator token.
type SaleFilter struct {
	VenueID   uuid.UUID `form:"-"`
	SessionID string    `form:"session_id"          validate:"omitempty,uuid"`
	Status    string    `form:"status,default=all"  validate:"omitempty,oneof=pending committed failed voided all"`
	Page      int       `form:"page,default=1"      validate:"min=1"`
	Limit     int       `form:"limit,default=50"    validate:"min=1,max=200"`
}

type SaleListResponse struct {
	Data  []SaleResponse `json:"data"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// ─── Request DTOs ────────────────────────────────────────────────────────────

// Business checks (positive quantities, known methods, exact tender sum) are
// done by the settlement engine so the rejection is recorded against the id.

type OrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity"`
}

type TenderSplitRequest struct {
	Method string          `json:"method" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
	TabID  *string         `json:"tab_id" validate:"omitempty,uuid"`
}

type SubmitOrderRequest struct {
	// OrderID is generated by the terminal and is the idempotency key.
	OrderID   string               `json:"order_id"   validate:"required,uuid"`
	SessionID string               `json:"session_id" validate:"required,uuid"`
	Items     []OrderItemRequest   `json:"items"      validate:"required,min=1,dive"`
	Tenders   []TenderSplitRequest `json:"tenders"    validate:"required,min=1,dive"`
	// TenderTimeoutMS overrides the configured external tender timeout.
	TenderTimeoutMS int `json:"tender_timeout_ms" validate:"omitempty,min=100,max=120000"`
}

type VoidSaleRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid"`
	Reason    string `json:"reason"     validate:"required,min=5"`
}

// ─── Response DTOs ───────────────────────────────────────────────────────────

// SettlementResult is the typed answer to submit_order. Business rejections
// are results, not errors.
type SettlementResult struct {
	OrderID string        `json:"order_id"`
	Kind    string        `json:"kind"` // committed | declined | conflict | unavailable | rejected
	Reason  string        `json:"reason,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Sale    *SaleResponse `json:"sale,omitempty"`
}

type CancelOrderResponse struct {
	OrderID string `json:"order_id"`
	State   string `json:"state"`
}

type SaleItemResponse struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type TenderSplitResponse struct {
	Position          int             `json:"position"`
	Method            string          `json:"method"`
	Amount            decimal.Decimal `json:"amount"`
	TabID             *string         `json:"tab_id,omitempty"`
	Status            string          `json:"status"`
	ExternalReference *string         `json:"external_reference,omitempty"`
	DeclineReason     *string         `json:"decline_reason,omitempty"`
}

type SaleResponse struct {
	ID            string                `json:"id"`
	VenueID       string                `json:"venue_id"`
	CashSessionID string                `json:"cash_session_id"`
	OperatorID    string                `json:"operator_id"`
	Total         decimal.Decimal       `json:"total"`
	Status        string                `json:"status"`
	Outcome       *string               `json:"outcome,omitempty"`
	FailureReason *string               `json:"failure_reason,omitempty"`
	CommitSeq     *int64                `json:"commit_seq,omitempty"`
	Items         []SaleItemResponse    `json:"items"`
	Tenders       []TenderSplitResponse `json:"tenders"`
	CreatedAt     string                `json:"created_at"`
	CommittedAt   *string               `json:"committed_at,omitempty"`
	VoidedAt      *string               `json:"voided_at,omitempty"`
	VoidReason    *string               `json:"void_reason,omitempty"`
}
