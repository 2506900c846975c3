package service

import (
	"context"

	"comandapos/internal/dto"
	"comandapos/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func (s *settlementService) RecoverPending(ctx context.Context) (int, error) {
	pending, err := s.sales.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range pending {
		sale := &pending[i]
		f := &flight{saleID: sale.ID, venueID: sale.VenueID, sessionID: sale.CashSessionID, state: StateReceived}
		if !s.flights.register(f) {
			continue
		}
		res := s.recover(ctx, f, sale)
		s.flights.remove(sale.ID)

		log.Info().
			Str("order_id", sale.ID.String()).
			Str("kind", res.Kind).
			Str("reason", res.Reason).
			Msg("settlement: pending sale recovered")
		recovered++
	}
	return recovered, nil
}

// recover resolves a sale found pending with no live settlement behind it.
// When every ledger debit and tender is already in place the sale commits,
// otherwise whatever was applied is compensated.
func (s *settlementService) recover(ctx context.Context, f *flight, sale *model.Sale) *dto.SettlementResult {
	f.set(StateCommitting)

	stockMoves, err := s.stock.MovementsByReference(ctx, sale.ID)
	if err != nil {
		return unavailable(sale.ID, err)
	}
	tabMoves, err := s.tabs.MovementsByReference(ctx, sale.ID)
	if err != nil {
		return unavailable(sale.ID, err)
	}

	a := &attempt{flight: f, sale: sale, timeout: s.cfg.TenderTimeout}
	for i := range stockMoves {
		if stockMoves[i].Reason == model.StockReasonSale {
			a.stockMoves = append(a.stockMoves, &stockMoves[i])
		}
	}
	for i := range tabMoves {
		if tabMoves[i].Reason == model.TabReasonDebit {
			a.tabMoves = append(a.tabMoves, &tabMoves[i])
		}
	}

	if fullySatisfied(sale, stockMoves, tabMoves) {
		log.Warn().Str("order_id", sale.ID.String()).Msg("settlement: recovering fully settled sale, committing")
		return s.commit(ctx, a)
	}

	for _, split := range sale.Tenders {
		if split.Method.ViaProcessor() && split.Status == model.TenderPending && split.Method != model.TenderCash {
			s.alertUnknownOutcome(ctx, sale, &split, "settlement was interrupted")
		}
	}
	log.Warn().Str("order_id", sale.ID.String()).Msg("settlement: recovering partial sale, rolling back")
	return s.rollback(ctx, a, ReasonRecovered, "settlement interrupted")
}

// fullySatisfied reports whether the ledgers and tenders hold exactly what
// the sale requires.
func fullySatisfied(sale *model.Sale, stockMoves []model.StockMovement, tabMoves []model.TabMovement) bool {
	wantStock := make(map[uuid.UUID]int)
	for _, line := range aggregateItems(sale.Items) {
		wantStock[line.productID] = -line.qty
	}
	gotStock := netStock(stockMoves)
	for id, net := range gotStock {
		if net != 0 {
			if _, ok := wantStock[id]; !ok {
				return false
			}
		}
	}
	for id, want := range wantStock {
		if gotStock[id] != want {
			return false
		}
	}

	wantTab := make(map[uuid.UUID]decimal.Decimal)
	for _, split := range sale.Tenders {
		switch {
		case split.Method == model.TenderTabBalance && split.TabID != nil:
			wantTab[*split.TabID] = wantTab[*split.TabID].Sub(split.Amount)
		case split.Method.ViaProcessor() && split.Status != model.TenderApproved:
			return false
		}
	}
	gotTab := netTab(tabMoves)
	for id, net := range gotTab {
		if !net.IsZero() {
			if _, ok := wantTab[id]; !ok {
				return false
			}
		}
	}
	for id, want := range wantTab {
		if !gotTab[id].Equal(want) {
			return false
		}
	}
	return true
}
