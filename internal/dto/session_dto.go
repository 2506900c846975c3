package dto

import "github.com/shopspring/decimal"

// ─── Request DTOs ────────────────────────────────────────────────────────────

type OpenSessionRequest struct {
	Register       int             `json:"register"        validate:"required,min=1"`
	OpeningBalance decimal.Decimal `json:"opening_balance" validate:"min=0"`
}

type CloseSessionRequest struct {
	CountedBalance decimal.Decimal `json:"counted_balance" validate:"min=0"`
	// Notes are mandatory when the variance is critical.
	Notes *string `json:"notes"`
}

// ─── Response DTOs ───────────────────────────────────────────────────────────

type VarianceResponse struct {
	Amount  decimal.Decimal `json:"amount"`
	Percent decimal.Decimal `json:"percent"`
	Class   string          `json:"class"` // normal | warning | critical
}

type SessionResponse struct {
	ID              string            `json:"id"`
	VenueID         string            `json:"venue_id"`
	Register        int               `json:"register"`
	OperatorID      string            `json:"operator_id"`
	OpeningBalance  decimal.Decimal   `json:"opening_balance"`
	ExpectedBalance *decimal.Decimal  `json:"expected_balance,omitempty"`
	ClosingBalance  *decimal.Decimal  `json:"closing_balance,omitempty"`
	Variance        *VarianceResponse `json:"variance,omitempty"`
	Status          string            `json:"status"`
	Notes           *string           `json:"notes,omitempty"`
	OpenedAt        string            `json:"opened_at"`
	ClosedAt        *string           `json:"closed_at,omitempty"`
}

// SessionReportResponse is the X report of an open session or the Z report
// of a closed one.
type SessionReportResponse struct {
	Kind            string                     `json:"kind"` // X | Z
	Session         SessionResponse            `json:"session"`
	SalesByTender   map[string]decimal.Decimal `json:"sales_by_tender"`
	RefundsByTender map[string]decimal.Decimal `json:"refunds_by_tender"`
	SaleCount       int64                      `json:"sale_count"`
	VoidedCount     int64                      `json:"voided_count"`
	ExpectedCash    decimal.Decimal            `json:"expected_cash"`
	Variance        *VarianceResponse          `json:"variance,omitempty"`
}
