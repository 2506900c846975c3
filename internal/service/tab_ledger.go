package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comandapos/internal/broadcast"
	"comandapos/internal/dto"
	"comandapos/internal/model"
	"comandapos/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// TabLedger is the only writer of tab balances. It shares the stock ledger's
// append discipline: compare-and-swap on the tab version with bounded retry.
type TabLedger interface {
	Debit(ctx context.Context, tabID uuid.UUID, amount decimal.Decimal, referenceID uuid.UUID) (*model.TabMovement, error)
	// Credit adds amount back. Used for compensation (debit_reversal) and voids (refund).
	Credit(ctx context.Context, tabID uuid.UUID, amount decimal.Decimal, reason string, referenceID uuid.UUID) (*model.TabMovement, error)
	TopUp(ctx context.Context, venueID uuid.UUID, req dto.TopUpRequest) (*dto.TabResponse, error)
	Open(ctx context.Context, venueID uuid.UUID, req dto.OpenTabRequest) (*dto.TabResponse, error)
	Close(ctx context.Context, venueID, tabID uuid.UUID) (*dto.TabResponse, error)

	Get(ctx context.Context, venueID, tabID uuid.UUID) (*dto.TabResponse, error)
	// Find returns the raw tab for the settlement engine.
	Find(ctx context.Context, tabID uuid.UUID) (*model.Tab, error)
	Movements(ctx context.Context, venueID, tabID uuid.UUID, page, limit int) (*dto.TabMovementListResponse, error)
	MovementsByReference(ctx context.Context, referenceID uuid.UUID) ([]model.TabMovement, error)

	Replay(ctx context.Context, tabID uuid.UUID) (*Replay, error)
	ReplayAll(ctx context.Context) ([]Replay, error)
	Reconcile(ctx context.Context, venueID, tabID uuid.UUID, operatorID string) (*dto.TabResponse, error)
}

type tabLedger struct {
	repo      repository.TabRepository
	publisher broadcast.Publisher
	alerts    Alerter
	retry     RetryPolicy
}

func NewTabLedger(repo repository.TabRepository, publisher broadcast.Publisher, alerts Alerter, retry RetryPolicy) TabLedger {
	if alerts == nil {
		alerts = LogAlerter{}
	}
	return &tabLedger{repo: repo, publisher: publisher, alerts: alerts, retry: retry}
}

type tabWrite struct {
	tabID        uuid.UUID
	delta        decimal.Decimal
	reason       string
	referenceID  uuid.UUID
	sufficient   bool
	compensating bool
}

func (l *tabLedger) Debit(ctx context.Context, tabID uuid.UUID, amount decimal.Decimal, referenceID uuid.UUID) (*model.TabMovement, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return l.append(ctx, tabWrite{
		tabID:       tabID,
		delta:       amount.Neg(),
		reason:      model.TabReasonDebit,
		referenceID: referenceID,
		sufficient:  true,
	})
}

func (l *tabLedger) Credit(ctx context.Context, tabID uuid.UUID, amount decimal.Decimal, reason string, referenceID uuid.UUID) (*model.TabMovement, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return l.append(ctx, tabWrite{
		tabID:        tabID,
		delta:        amount,
		reason:       reason,
		referenceID:  referenceID,
		compensating: true,
	})
}

func (l *tabLedger) TopUp(ctx context.Context, venueID uuid.UUID, req dto.TopUpRequest) (*dto.TabResponse, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !isCents(req.Amount) {
		return nil, fmt.Errorf("%w: amount must be in whole cents", ErrValidation)
	}
	referenceID := uuid.New()
	if req.ReferenceID != nil {
		parsed, err := uuid.Parse(*req.ReferenceID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid reference_id", ErrValidation)
		}
		referenceID = parsed
	}

	tab, err := l.findOrOpen(ctx, venueID, dto.OpenTabRequest{
		Number:         req.Number,
		HolderName:     req.HolderName,
		HolderDocument: req.HolderDocument,
	})
	if err != nil {
		return nil, err
	}

	if req.ReferenceID != nil {
		// A retried top-up returns the tab without a second credit.
		existing, err := l.repo.MovementsByReference(ctx, referenceID)
		if err != nil {
			return nil, err
		}
		for _, m := range existing {
			if m.TabID == tab.ID && m.Reason == model.TabReasonTopUp {
				return l.Get(ctx, venueID, tab.ID)
			}
		}
	}

	m, err := l.append(ctx, tabWrite{
		tabID:       tab.ID,
		delta:       req.Amount,
		reason:      model.TabReasonTopUp,
		referenceID: referenceID,
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("tab_id", tab.ID.String()).
		Int("number", tab.Number).
		Str("amount", req.Amount.StringFixed(2)).
		Str("balance", m.ResultingBalance.StringFixed(2)).
		Msg("tab: topped up")
	l.publish(ctx, broadcast.TabDelta(m))
	return l.Get(ctx, venueID, tab.ID)
}

func (l *tabLedger) Open(ctx context.Context, venueID uuid.UUID, req dto.OpenTabRequest) (*dto.TabResponse, error) {
	if _, err := l.repo.FindOpenByNumber(ctx, venueID, req.Number); err == nil {
		return nil, fmt.Errorf("%w: tab %d is already open", ErrInvalidState, req.Number)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	tab, err := l.create(ctx, venueID, req)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: tab %d is already open", ErrInvalidState, req.Number)
		}
		return nil, err
	}
	resp := tabToResponse(tab)
	return &resp, nil
}

func (l *tabLedger) findOrOpen(ctx context.Context, venueID uuid.UUID, req dto.OpenTabRequest) (*model.Tab, error) {
	tab, err := l.repo.FindOpenByNumber(ctx, venueID, req.Number)
	if err == nil {
		return tab, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	tab, err = l.create(ctx, venueID, req)
	if errors.Is(err, repository.ErrDuplicate) {
		// Lost the race to open the same number.
		return l.repo.FindOpenByNumber(ctx, venueID, req.Number)
	}
	return tab, err
}

func (l *tabLedger) create(ctx context.Context, venueID uuid.UUID, req dto.OpenTabRequest) (*model.Tab, error) {
	now := time.Now().UTC()
	tab := &model.Tab{
		VenueID:        venueID,
		Number:         req.Number,
		HolderName:     req.HolderName,
		HolderDocument: req.HolderDocument,
		Balance:        decimal.Zero,
		CreditAllowed:  req.CreditAllowed,
		Status:         model.TabOpen,
		OpenedAt:       now,
		UpdatedAt:      now,
	}
	if err := l.repo.Create(ctx, tab); err != nil {
		return nil, err
	}
	log.Info().Str("tab_id", tab.ID.String()).Int("number", tab.Number).Msg("tab: opened")
	return tab, nil
}

func (l *tabLedger) Close(ctx context.Context, venueID, tabID uuid.UUID) (*dto.TabResponse, error) {
	err := withCAS(ctx, l.retry, func() error {
		tab, err := l.find(ctx, venueID, tabID)
		if err != nil {
			return err
		}
		if tab.Status == model.TabClosed {
			return ErrTabClosed
		}
		if !tab.Balance.IsZero() {
			return ErrTabBalanceNotZero
		}
		return l.repo.Close(ctx, tabID, tab.Version)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("tab_id", tabID.String()).Msg("tab: closed")
	return l.Get(ctx, venueID, tabID)
}

func (l *tabLedger) append(ctx context.Context, w tabWrite) (*model.TabMovement, error) {
	policy := l.retry
	if w.compensating {
		policy = compensationPolicy(l.retry)
	}

	var out *model.TabMovement
	err := withCAS(ctx, policy, func() error {
		tab, err := l.repo.FindByID(ctx, w.tabID)
		if err != nil {
			return notFound(err)
		}
		if !w.compensating {
			if tab.Status != model.TabOpen {
				return ErrTabClosed
			}
			if tab.Frozen {
				return ErrLedgerFrozen
			}
			if err := l.checkConsistency(ctx, tab); err != nil {
				return err
			}
		}

		next := tab.Balance.Add(w.delta)
		if w.sufficient && next.IsNegative() && !tab.CreditAllowed {
			return ErrInsufficientBalance
		}
		m := &model.TabMovement{
			TabID:            tab.ID,
			VenueID:          tab.VenueID,
			Delta:            w.delta,
			Reason:           w.reason,
			ReferenceID:      w.referenceID,
			ResultingBalance: next,
			Version:          tab.Version + 1,
		}
		if err := l.repo.AppendMovement(ctx, tab.Version, m, w.compensating); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *tabLedger) checkConsistency(ctx context.Context, tab *model.Tab) error {
	last, err := l.repo.LastMovement(ctx, tab.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if tab.Balance.IsZero() {
			return nil
		}
		return l.freeze(ctx, tab.ID, fmt.Sprintf("cached balance %s without movements", tab.Balance.StringFixed(2)))
	case err != nil:
		return err
	case last.Version > tab.Version:
		return repository.ErrVersionConflict
	case !last.ResultingBalance.Equal(tab.Balance):
		return l.freeze(ctx, tab.ID, fmt.Sprintf("cached balance %s, last movement %s",
			tab.Balance.StringFixed(2), last.ResultingBalance.StringFixed(2)))
	}
	return nil
}

func (l *tabLedger) freeze(ctx context.Context, tabID uuid.UUID, reason string) error {
	if err := l.repo.Freeze(ctx, tabID, reason); err != nil {
		log.Error().Err(err).Str("tab_id", tabID.String()).Msg("tab: freeze failed")
	}
	log.Error().Str("tab_id", tabID.String()).Str("reason", reason).Msg("tab: ledger inconsistency, row frozen")
	l.alerts.Alert(ctx, "Tab ledger frozen", fmt.Sprintf("Tab %s was frozen: %s. Reconcile it before using it.", tabID, reason))
	return ErrLedgerFrozen
}

func (l *tabLedger) find(ctx context.Context, venueID, tabID uuid.UUID) (*model.Tab, error) {
	tab, err := l.repo.FindByID(ctx, tabID)
	if err != nil {
		return nil, notFound(err)
	}
	if tab.VenueID != venueID {
		return nil, ErrNotFound
	}
	return tab, nil
}

func (l *tabLedger) Find(ctx context.Context, tabID uuid.UUID) (*model.Tab, error) {
	tab, err := l.repo.FindByID(ctx, tabID)
	if err != nil {
		return nil, notFound(err)
	}
	return tab, nil
}

func (l *tabLedger) Get(ctx context.Context, venueID, tabID uuid.UUID) (*dto.TabResponse, error) {
	tab, err := l.find(ctx, venueID, tabID)
	if err != nil {
		return nil, err
	}
	resp := tabToResponse(tab)
	return &resp, nil
}

func (l *tabLedger) Movements(ctx context.Context, venueID, tabID uuid.UUID, page, limit int) (*dto.TabMovementListResponse, error) {
	if _, err := l.find(ctx, venueID, tabID); err != nil {
		return nil, err
	}
	movements, total, err := l.repo.ListMovements(ctx, tabID, page, limit)
	if err != nil {
		return nil, err
	}
	data := make([]dto.TabMovementResponse, 0, len(movements))
	for i := range movements {
		data = append(data, tabMovementToResponse(&movements[i]))
	}
	return &dto.TabMovementListResponse{Data: data, Total: total, Page: page, Limit: limit}, nil
}

func (l *tabLedger) MovementsByReference(ctx context.Context, referenceID uuid.UUID) ([]model.TabMovement, error) {
	return l.repo.MovementsByReference(ctx, referenceID)
}

func (l *tabLedger) Replay(ctx context.Context, tabID uuid.UUID) (*Replay, error) {
	before, err := l.repo.FindByID(ctx, tabID)
	if err != nil {
		return nil, notFound(err)
	}
	sum, err := l.repo.SumDeltas(ctx, tabID)
	if err != nil {
		return nil, err
	}
	after, err := l.repo.FindByID(ctx, tabID)
	if err != nil {
		return nil, notFound(err)
	}

	r := &Replay{Ledger: "tab", ID: tabID, Cached: before.Balance, Replayed: sum}
	if after.Version != before.Version {
		r.Skipped = true
		r.Consistent = true
		return r, nil
	}
	r.Consistent = sum.Equal(before.Balance)
	if !r.Consistent && !before.Frozen {
		_ = l.freeze(ctx, tabID, fmt.Sprintf("replay %s, cached %s", sum.StringFixed(2), before.Balance.StringFixed(2)))
	}
	return r, nil
}

func (l *tabLedger) ReplayAll(ctx context.Context) ([]Replay, error) {
	tabs, err := l.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Replay, 0, len(tabs))
	for _, tab := range tabs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		r, err := l.Replay(ctx, tab.ID)
		if err != nil {
			log.Warn().Err(err).Str("tab_id", tab.ID.String()).Msg("tab: replay failed")
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (l *tabLedger) Reconcile(ctx context.Context, venueID, tabID uuid.UUID, operatorID string) (*dto.TabResponse, error) {
	if _, err := l.find(ctx, venueID, tabID); err != nil {
		return nil, err
	}
	var tab *model.Tab
	err := withCAS(ctx, l.retry, func() error {
		var err error
		tab, err = l.repo.Rebuild(ctx, tabID, uuid.New())
		return err
	})
	if err != nil {
		return nil, notFound(err)
	}

	log.Warn().
		Str("tab_id", tabID.String()).
		Str("balance", tab.Balance.StringFixed(2)).
		Str("operator_id", operatorID).
		Msg("tab: balance rebuilt from movements")
	if anchor, err := l.repo.LastMovement(ctx, tabID); err == nil {
		l.publish(ctx, broadcast.TabDelta(anchor))
	}
	resp := tabToResponse(tab)
	return &resp, nil
}

func (l *tabLedger) publish(ctx context.Context, d broadcast.LedgerDelta) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, d); err != nil {
		log.Warn().Err(err).Str("kind", string(d.Kind)).Msg("tab: publish failed")
	}
}

func tabToResponse(t *model.Tab) dto.TabResponse {
	resp := dto.TabResponse{
		ID:             t.ID.String(),
		VenueID:        t.VenueID.String(),
		Number:         t.Number,
		HolderName:     t.HolderName,
		HolderDocument: t.HolderDocument,
		Balance:        t.Balance,
		CreditAllowed:  t.CreditAllowed,
		Status:         t.Status,
		Version:        t.Version,
		Frozen:         t.Frozen,
		FrozenReason:   t.FrozenReason,
		OpenedAt:       t.OpenedAt.Format(time.RFC3339),
	}
	if t.ClosedAt != nil {
		s := t.ClosedAt.Format(time.RFC3339)
		resp.ClosedAt = &s
	}
	return resp
}

func tabMovementToResponse(m *model.TabMovement) dto.TabMovementResponse {
	return dto.TabMovementResponse{
		ID:               m.ID.String(),
		TabID:            m.TabID.String(),
		Delta:            m.Delta,
		Reason:           m.Reason,
		ReferenceID:      m.ReferenceID.String(),
		ResultingBalance: m.ResultingBalance,
		Version:          m.Version,
		CreatedAt:        m.CreatedAt.Format(time.RFC3339),
	}
}
