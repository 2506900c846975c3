// Package broadcast fans committed ledger changes out to the terminals of a
// venue. It is not a source of truth: a terminal that misses a delta must
// re-fetch the current ledger state.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"comandapos/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind identifies the payload carried by a LedgerDelta.
type Kind string

const (
	KindStockMovement Kind = "stock_movement"
	KindTabMovement   Kind = "tab_movement"
	KindSaleCommitted Kind = "sale_committed"
	KindSaleVoided    Kind = "sale_voided"
	KindSessionOpened Kind = "session_opened"
	KindSessionClosed Kind = "session_closed"
	KindHeartbeat     Kind = "heartbeat"
)

// LedgerDelta is the envelope delivered to subscribers.
// Seq is assigned by the hub and increases by one per venue.
type LedgerDelta struct {
	Kind    Kind            `json:"kind"`
	VenueID uuid.UUID       `json:"venue_id"`
	Seq     uint64          `json:"seq"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Origin is the replica that produced the delta; set by the Redis relay.
	Origin string `json:"origin,omitempty"`
}

// Publisher accepts deltas in commit order.
type Publisher interface {
	Publish(ctx context.Context, d LedgerDelta) error
}

// ── Payloads ──────────────────────────────────────────────────────────────────

type StockPayload struct {
	ProductID         uuid.UUID `json:"product_id"`
	Delta             int       `json:"delta"`
	Reason            string    `json:"reason"`
	ReferenceID       uuid.UUID `json:"reference_id"`
	ResultingQuantity int       `json:"resulting_quantity"`
	Version           int64     `json:"version"`
}

type TabPayload struct {
	TabID            uuid.UUID       `json:"tab_id"`
	Delta            decimal.Decimal `json:"delta"`
	Reason           string          `json:"reason"`
	ReferenceID      uuid.UUID       `json:"reference_id"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	Version          int64           `json:"version"`
}

type SalePayload struct {
	SaleID        uuid.UUID       `json:"sale_id"`
	CashSessionID uuid.UUID       `json:"cash_session_id"`
	Total         decimal.Decimal `json:"total"`
	CommitSeq     int64           `json:"commit_seq,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

type SessionPayload struct {
	SessionID       uuid.UUID        `json:"session_id"`
	Register        int              `json:"register"`
	OperatorID      string           `json:"operator_id"`
	Status          string           `json:"status"`
	ExpectedBalance *decimal.Decimal `json:"expected_balance,omitempty"`
	VarianceClass   *string          `json:"variance_class,omitempty"`
}

func newDelta(kind Kind, venueID uuid.UUID, payload interface{}) LedgerDelta {
	// Payload types above always marshal.
	raw, _ := json.Marshal(payload)
	return LedgerDelta{Kind: kind, VenueID: venueID, At: time.Now().UTC(), Payload: raw}
}

func StockDelta(m *model.StockMovement) LedgerDelta {
	return newDelta(KindStockMovement, m.VenueID, StockPayload{
		ProductID:         m.ProductID,
		Delta:             m.Delta,
		Reason:            m.Reason,
		ReferenceID:       m.ReferenceID,
		ResultingQuantity: m.ResultingQuantity,
		Version:           m.Version,
	})
}

func TabDelta(m *model.TabMovement) LedgerDelta {
	return newDelta(KindTabMovement, m.VenueID, TabPayload{
		TabID:            m.TabID,
		Delta:            m.Delta,
		Reason:           m.Reason,
		ReferenceID:      m.ReferenceID,
		ResultingBalance: m.ResultingBalance,
		Version:          m.Version,
	})
}

func SaleCommittedDelta(s *model.Sale) LedgerDelta {
	p := SalePayload{SaleID: s.ID, CashSessionID: s.CashSessionID, Total: s.Total}
	if s.CommitSeq != nil {
		p.CommitSeq = *s.CommitSeq
	}
	return newDelta(KindSaleCommitted, s.VenueID, p)
}

func SaleVoidedDelta(s *model.Sale, reason string) LedgerDelta {
	p := SalePayload{SaleID: s.ID, CashSessionID: s.CashSessionID, Total: s.Total, Reason: reason}
	if s.CommitSeq != nil {
		p.CommitSeq = *s.CommitSeq
	}
	return newDelta(KindSaleVoided, s.VenueID, p)
}

func SessionDelta(s *model.CashSession) LedgerDelta {
	kind := KindSessionOpened
	if s.Status == model.SessionClosed {
		kind = KindSessionClosed
	}
	return newDelta(kind, s.VenueID, SessionPayload{
		SessionID:       s.ID,
		Register:        s.Register,
		OperatorID:      s.OperatorID,
		Status:          s.Status,
		ExpectedBalance: s.ExpectedBalance,
		VarianceClass:   s.VarianceClass,
	})
}
