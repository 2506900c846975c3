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

// Replay compares a cached ledger value with the sum of its movements.
type Replay struct {
	Ledger     string // stock | tab
	ID         uuid.UUID
	Cached     decimal.Decimal
	Replayed   decimal.Decimal
	Consistent bool
	// Skipped is set when the row changed while it was being replayed.
	Skipped bool
}

// StockLedger is the only writer of stock levels. Every change is a movement
// appended with compare-and-swap on the level version.
type StockLedger interface {
	ReserveAndDebit(ctx context.Context, productID uuid.UUID, qty int, referenceID uuid.UUID) (*model.StockMovement, error)
	// Credit adds qty back. Used for compensation (sale_reversal) and voids (return).
	Credit(ctx context.Context, productID uuid.UUID, qty int, reason string, referenceID uuid.UUID) (*model.StockMovement, error)
	ManualAdjustment(ctx context.Context, venueID, productID uuid.UUID, operatorID string, req dto.StockAdjustmentRequest) (*dto.StockMovementResponse, error)

	Level(ctx context.Context, venueID, productID uuid.UUID) (*dto.StockLevelResponse, error)
	Movements(ctx context.Context, venueID, productID uuid.UUID, filter dto.MovementFilter) (*dto.StockMovementListResponse, error)
	MovementsByReference(ctx context.Context, referenceID uuid.UUID) ([]model.StockMovement, error)

	Replay(ctx context.Context, productID uuid.UUID) (*Replay, error)
	ReplayAll(ctx context.Context) ([]Replay, error)
	Reconcile(ctx context.Context, venueID, productID uuid.UUID, operatorID string) (*dto.StockLevelResponse, error)
}

type stockLedger struct {
	repo      repository.StockRepository
	products  repository.ProductRepository
	publisher broadcast.Publisher
	alerts    Alerter
	retry     RetryPolicy
}

func NewStockLedger(
	repo repository.StockRepository,
	products repository.ProductRepository,
	publisher broadcast.Publisher,
	alerts Alerter,
	retry RetryPolicy,
) StockLedger {
	if alerts == nil {
		alerts = LogAlerter{}
	}
	return &stockLedger{repo: repo, products: products, publisher: publisher, alerts: alerts, retry: retry}
}

type stockWrite struct {
	productID    uuid.UUID
	delta        int
	reason       string
	referenceID  uuid.UUID
	note         *string
	sufficient   bool // reject writes that take the level below zero
	compensating bool
}

func (l *stockLedger) ReserveAndDebit(ctx context.Context, productID uuid.UUID, qty int, referenceID uuid.UUID) (*model.StockMovement, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	m, err := l.append(ctx, stockWrite{
		productID:   productID,
		delta:       -qty,
		reason:      model.StockReasonSale,
		referenceID: referenceID,
		sufficient:  true,
	})
	if errors.Is(err, ErrNotFound) {
		// A catalog product without a level row has never been stocked.
		if _, perr := l.products.FindByID(ctx, productID); perr == nil {
			return nil, ErrInsufficientStock
		}
	}
	return m, err
}

func (l *stockLedger) Credit(ctx context.Context, productID uuid.UUID, qty int, reason string, referenceID uuid.UUID) (*model.StockMovement, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	return l.append(ctx, stockWrite{
		productID:    productID,
		delta:        qty,
		reason:       reason,
		referenceID:  referenceID,
		compensating: true,
	})
}

func (l *stockLedger) ManualAdjustment(ctx context.Context, venueID, productID uuid.UUID, operatorID string, req dto.StockAdjustmentRequest) (*dto.StockMovementResponse, error) {
	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must not be zero", ErrValidation)
	}
	product, err := l.products.FindByID(ctx, productID)
	if err != nil {
		return nil, notFound(err)
	}
	if product.VenueID != venueID {
		return nil, ErrNotFound
	}
	if err := l.ensureLevel(ctx, product); err != nil {
		return nil, err
	}

	note := fmt.Sprintf("%s by %s", req.Reason, operatorID)
	if req.Note != nil && *req.Note != "" {
		note += ": " + *req.Note
	}
	m, err := l.append(ctx, stockWrite{
		productID:   productID,
		delta:       req.Delta,
		reason:      model.StockReasonManualAdjustment,
		referenceID: uuid.New(),
		note:        &note,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("product_id", productID.String()).
		Int("delta", req.Delta).
		Int("resulting_quantity", m.ResultingQuantity).
		Bool("flagged", m.Flagged).
		Str("operator_id", operatorID).
		Msg("stock: manual adjustment")
	l.publish(ctx, broadcast.StockDelta(m))
	resp := stockMovementToResponse(m)
	return &resp, nil
}

func (l *stockLedger) ensureLevel(ctx context.Context, p *model.Product) error {
	_, err := l.repo.FindLevel(ctx, p.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	err = l.repo.CreateLevel(ctx, &model.StockLevel{ProductID: p.ID, VenueID: p.VenueID})
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return err
	}
	return nil
}

// append is the single write path of the stock ledger.
func (l *stockLedger) append(ctx context.Context, w stockWrite) (*model.StockMovement, error) {
	policy := l.retry
	if w.compensating {
		policy = compensationPolicy(l.retry)
	}

	var out *model.StockMovement
	err := withCAS(ctx, policy, func() error {
		level, err := l.repo.FindLevel(ctx, w.productID)
		if err != nil {
			return notFound(err)
		}
		if !w.compensating {
			if level.Frozen {
				return ErrLedgerFrozen
			}
			if err := l.checkConsistency(ctx, level); err != nil {
				return err
			}
		}

		next := level.Quantity + w.delta
		if w.sufficient && next < 0 {
			return ErrInsufficientStock
		}
		m := &model.StockMovement{
			ProductID:         w.productID,
			VenueID:           level.VenueID,
			Delta:             w.delta,
			Reason:            w.reason,
			ReferenceID:       w.referenceID,
			Note:              w.note,
			Flagged:           w.reason == model.StockReasonManualAdjustment && next < 0,
			ResultingQuantity: next,
			Version:           level.Version + 1,
		}
		if err := l.repo.AppendMovement(ctx, level.Version, m, w.compensating); err != nil {
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

// checkConsistency compares the cached level with the last movement written
// for it. A mismatch freezes the row.
func (l *stockLedger) checkConsistency(ctx context.Context, level *model.StockLevel) error {
	last, err := l.repo.LastMovement(ctx, level.ProductID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if level.Quantity == 0 {
			return nil
		}
		return l.freeze(ctx, level.ProductID, fmt.Sprintf("cached quantity %d without movements", level.Quantity))
	case err != nil:
		return err
	case last.Version > level.Version:
		// Another writer committed between the two reads.
		return repository.ErrVersionConflict
	case last.ResultingQuantity != level.Quantity:
		return l.freeze(ctx, level.ProductID, fmt.Sprintf("cached quantity %d, last movement %d", level.Quantity, last.ResultingQuantity))
	}
	return nil
}

func (l *stockLedger) freeze(ctx context.Context, productID uuid.UUID, reason string) error {
	if err := l.repo.Freeze(ctx, productID, reason); err != nil {
		log.Error().Err(err).Str("product_id", productID.String()).Msg("stock: freeze failed")
	}
	log.Error().Str("product_id", productID.String()).Str("reason", reason).Msg("stock: ledger inconsistency, row frozen")
	l.alerts.Alert(ctx, "Stock ledger frozen", fmt.Sprintf("Product %s was frozen: %s. Reconcile it before selling.", productID, reason))
	return ErrLedgerFrozen
}

func (l *stockLedger) Level(ctx context.Context, venueID, productID uuid.UUID) (*dto.StockLevelResponse, error) {
	level, err := l.repo.FindLevel(ctx, productID)
	if err != nil {
		return nil, notFound(err)
	}
	if level.VenueID != venueID {
		return nil, ErrNotFound
	}
	resp := stockLevelToResponse(level)
	return &resp, nil
}

func (l *stockLedger) Movements(ctx context.Context, venueID, productID uuid.UUID, filter dto.MovementFilter) (*dto.StockMovementListResponse, error) {
	if _, err := l.Level(ctx, venueID, productID); err != nil {
		return nil, err
	}
	movements, total, err := l.repo.ListMovements(ctx, repository.StockMovementFilter{
		ProductID: productID,
		Reason:    filter.Reason,
		Page:      filter.Page,
		Limit:     filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	data := make([]dto.StockMovementResponse, 0, len(movements))
	for i := range movements {
		data = append(data, stockMovementToResponse(&movements[i]))
	}
	return &dto.StockMovementListResponse{Data: data, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

func (l *stockLedger) MovementsByReference(ctx context.Context, referenceID uuid.UUID) ([]model.StockMovement, error) {
	return l.repo.MovementsByReference(ctx, referenceID)
}

func (l *stockLedger) Replay(ctx context.Context, productID uuid.UUID) (*Replay, error) {
	before, err := l.repo.FindLevel(ctx, productID)
	if err != nil {
		return nil, notFound(err)
	}
	sum, err := l.repo.SumDeltas(ctx, productID)
	if err != nil {
		return nil, err
	}
	after, err := l.repo.FindLevel(ctx, productID)
	if err != nil {
		return nil, notFound(err)
	}

	r := &Replay{
		Ledger:   "stock",
		ID:       productID,
		Cached:   decimal.NewFromInt(int64(before.Quantity)),
		Replayed: decimal.NewFromInt(int64(sum)),
	}
	if after.Version != before.Version {
		r.Skipped = true
		r.Consistent = true
		return r, nil
	}
	r.Consistent = sum == before.Quantity
	if !r.Consistent && !before.Frozen {
		_ = l.freeze(ctx, productID, fmt.Sprintf("replay %d, cached %d", sum, before.Quantity))
	}
	return r, nil
}

func (l *stockLedger) ReplayAll(ctx context.Context) ([]Replay, error) {
	levels, err := l.repo.ListLevels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Replay, 0, len(levels))
	for _, level := range levels {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		r, err := l.Replay(ctx, level.ProductID)
		if err != nil {
			log.Warn().Err(err).Str("product_id", level.ProductID.String()).Msg("stock: replay failed")
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (l *stockLedger) Reconcile(ctx context.Context, venueID, productID uuid.UUID, operatorID string) (*dto.StockLevelResponse, error) {
	if _, err := l.Level(ctx, venueID, productID); err != nil {
		return nil, err
	}
	var level *model.StockLevel
	err := withCAS(ctx, l.retry, func() error {
		var err error
		level, err = l.repo.Rebuild(ctx, productID, uuid.New(), "reconciled by "+operatorID)
		return err
	})
	if err != nil {
		return nil, notFound(err)
	}

	log.Warn().
		Str("product_id", productID.String()).
		Int("quantity", level.Quantity).
		Str("operator_id", operatorID).
		Msg("stock: level rebuilt from movements")
	if anchor, err := l.repo.LastMovement(ctx, productID); err == nil {
		l.publish(ctx, broadcast.StockDelta(anchor))
	}
	resp := stockLevelToResponse(level)
	return &resp, nil
}

func (l *stockLedger) publish(ctx context.Context, d broadcast.LedgerDelta) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, d); err != nil {
		log.Warn().Err(err).Str("kind", string(d.Kind)).Msg("stock: publish failed")
	}
}

// compensationPolicy gives compensating writes more room: a reservation must
// always end matched by a reversal.
func compensationPolicy(p RetryPolicy) RetryPolicy {
	p.MaxAttempts *= 10
	if p.MaxAttempts < 50 {
		p.MaxAttempts = 50
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Millisecond
	}
	return p
}

func stockLevelToResponse(l *model.StockLevel) dto.StockLevelResponse {
	return dto.StockLevelResponse{
		ProductID:    l.ProductID.String(),
		Quantity:     l.Quantity,
		Version:      l.Version,
		Frozen:       l.Frozen,
		FrozenReason: l.FrozenReason,
		UpdatedAt:    l.UpdatedAt.Format(time.RFC3339),
	}
}

func stockMovementToResponse(m *model.StockMovement) dto.StockMovementResponse {
	return dto.StockMovementResponse{
		ID:                m.ID.String(),
		ProductID:         m.ProductID.String(),
		Delta:             m.Delta,
		Reason:            m.Reason,
		ReferenceID:       m.ReferenceID.String(),
		Note:              m.Note,
		Flagged:           m.Flagged,
		ResultingQuantity: m.ResultingQuantity,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt.Format(time.RFC3339),
	}
}
