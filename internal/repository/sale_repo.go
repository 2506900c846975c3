package repository

import (
	"context"
	"time"

	"comandapos/internal/dto"
	"comandapos/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SessionTotals aggregates the tender splits attributed to one cash session.
type SessionTotals struct {
	// ByMethod sums splits of sales committed against the session, including
	// those voided later.
	ByMethod map[model.TenderMethod]decimal.Decimal
	// Refunds sums splits of sales voided while this session was open.
	Refunds     map[model.TenderMethod]decimal.Decimal
	SaleCount   int64
	VoidedCount int64
}

// SaleRepository persists settlement attempts. A sale row is the idempotency
// record of an order id: it exists before any ledger write happens.
type SaleRepository interface {
	// Create inserts the sale with its items and tender splits. Returns
	// ErrDuplicate when the id is already recorded.
	Create(ctx context.Context, s *model.Sale) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Sale, error)
	UpdateTender(ctx context.Context, t *model.TenderSplit) error
	MarkTenderVoided(ctx context.Context, splitID uuid.UUID) error

	// MarkFailed moves a pending sale to failed with its final outcome.
	MarkFailed(ctx context.Context, id uuid.UUID, outcome, reason, detail string) error
	// Commit touches the cash session, assigns the next venue commit_seq and
	// flips the sale to committed, all in one transaction. Returns
	// ErrSessionNotOpen if the session closed and ErrStateMismatch if the sale
	// is no longer pending.
	Commit(ctx context.Context, s *model.Sale) error
	// Reopen returns a sale rolled back for one of the retryable reasons to pending.
	Reopen(ctx context.Context, id uuid.UUID, retryableReasons []string) error
	// MarkVoided flips a committed sale to voided against an open session.
	MarkVoided(ctx context.Context, id, voidSessionID uuid.UUID, reason string) error

	ListPending(ctx context.Context) ([]model.Sale, error)
	List(ctx context.Context, filter dto.SaleFilter) ([]model.Sale, int64, error)
	SessionTotals(ctx context.Context, sessionID uuid.UUID) (*SessionTotals, error)
}

type saleRepo struct{ db *gorm.DB }

func NewSaleRepository(db *gorm.DB) SaleRepository { return &saleRepo{db: db} }

func (r *saleRepo) Create(ctx context.Context, s *model.Sale) error {
	return translate(r.db.WithContext(ctx).Create(s).Error)
}

func (r *saleRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Sale, error) {
	var s model.Sale
	err := r.db.WithContext(ctx).
		Preload("Items").
		Preload("Tenders", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&s, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *saleRepo) UpdateTender(ctx context.Context, t *model.TenderSplit) error {
	return r.db.WithContext(ctx).Model(&model.TenderSplit{}).
		Where("id = ?", t.ID).
		Updates(map[string]interface{}{
			"status":             t.Status,
			"external_reference": t.ExternalReference,
			"decline_reason":     t.DeclineReason,
		}).Error
}

func (r *saleRepo) MarkTenderVoided(ctx context.Context, splitID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&model.TenderSplit{}).
		Where("id = ? AND status = ?", splitID, model.TenderVoidFailed).
		Update("status", model.TenderVoided).Error
}

func (r *saleRepo) MarkFailed(ctx context.Context, id uuid.UUID, outcome, reason, detail string) error {
	updates := map[string]interface{}{
		"status":         model.SaleStatusFailed,
		"outcome":        outcome,
		"failure_reason": reason,
		"failure_detail": nil,
	}
	if detail != "" {
		updates["failure_detail"] = detail
	}
	res := r.db.WithContext(ctx).Model(&model.Sale{}).
		Where("id = ? AND status = ?", id, model.SaleStatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateMismatch
	}
	return nil
}

func (r *saleRepo) Commit(ctx context.Context, s *model.Sale) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchOpenSession(tx, s.CashSessionID); err != nil {
			return err
		}

		var maxSeq int64
		if err := tx.Model(&model.Sale{}).
			Where("venue_id = ?", s.VenueID).
			Select("COALESCE(MAX(commit_seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		seq := maxSeq + 1
		now := time.Now().UTC()

		res := tx.Model(&model.Sale{}).
			Where("id = ? AND status = ?", s.ID, model.SaleStatusPending).
			Updates(map[string]interface{}{
				"status":       model.SaleStatusCommitted,
				"outcome":      model.SaleStatusCommitted,
				"commit_seq":   seq,
				"committed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStateMismatch
		}

		outcome := model.SaleStatusCommitted
		s.Status = model.SaleStatusCommitted
		s.Outcome = &outcome
		s.CommitSeq = &seq
		s.CommittedAt = &now
		return nil
	})
}

// touchOpenSession bumps the session version so a concurrent close fails its
// compare-and-swap and re-computes.
func touchOpenSession(tx *gorm.DB, sessionID uuid.UUID) error {
	res := tx.Model(&model.CashSession{}).
		Where("id = ? AND status = ?", sessionID, model.SessionOpen).
		UpdateColumn("version", gorm.Expr("version + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotOpen
	}
	return nil
}

func (r *saleRepo) Reopen(ctx context.Context, id uuid.UUID, retryableReasons []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Sale{}).
			Where("id = ? AND status = ? AND failure_reason IN ?", id, model.SaleStatusFailed, retryableReasons).
			Updates(map[string]interface{}{
				"status":         model.SaleStatusPending,
				"outcome":        nil,
				"failure_reason": nil,
				"failure_detail": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStateMismatch
		}
		return tx.Model(&model.TenderSplit{}).
			Where("sale_id = ?", id).
			Updates(map[string]interface{}{
				"status":             model.TenderPending,
				"external_reference": nil,
				"decline_reason":     nil,
			}).Error
	})
}

func (r *saleRepo) MarkVoided(ctx context.Context, id, voidSessionID uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := touchOpenSession(tx, voidSessionID); err != nil {
			return err
		}
		res := tx.Model(&model.Sale{}).
			Where("id = ? AND status = ?", id, model.SaleStatusCommitted).
			Updates(map[string]interface{}{
				"status":          model.SaleStatusVoided,
				"voided_at":       time.Now().UTC(),
				"void_reason":     reason,
				"void_session_id": voidSessionID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStateMismatch
		}
		return nil
	})
}

func (r *saleRepo) ListPending(ctx context.Context) ([]model.Sale, error) {
	var sales []model.Sale
	err := r.db.WithContext(ctx).
		Preload("Items").
		Preload("Tenders", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("status = ?", model.SaleStatusPending).
		Order("created_at ASC").
		Find(&sales).Error
	return sales, err
}

func (r *saleRepo) List(ctx context.Context, filter dto.SaleFilter) ([]model.Sale, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Sale{}).Where("venue_id = ?", filter.VenueID)

	if filter.Status != "" && filter.Status != "all" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.SessionID != "" {
		q = q.Where("cash_session_id = ?", filter.SessionID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := Page(filter.Page, filter.Limit)
	var sales []model.Sale
	err := q.Preload("Items").
		Preload("Tenders", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&sales).Error
	return sales, total, err
}

type splitRow struct {
	Method model.TenderMethod
	Amount decimal.Decimal
}

func (r *saleRepo) SessionTotals(ctx context.Context, sessionID uuid.UUID) (*SessionTotals, error) {
	db := r.db.WithContext(ctx)
	out := &SessionTotals{
		ByMethod: map[model.TenderMethod]decimal.Decimal{},
		Refunds:  map[model.TenderMethod]decimal.Decimal{},
	}
	settled := []string{model.SaleStatusCommitted, model.SaleStatusVoided}

	var sold []splitRow
	if err := db.Table("tender_splits").
		Select("tender_splits.method, tender_splits.amount").
		Joins("JOIN sales ON sales.id = tender_splits.sale_id").
		Where("sales.cash_session_id = ? AND sales.status IN ?", sessionID, settled).
		Scan(&sold).Error; err != nil {
		return nil, err
	}
	for _, row := range sold {
		out.ByMethod[row.Method] = out.ByMethod[row.Method].Add(row.Amount)
	}

	var refunded []splitRow
	if err := db.Table("tender_splits").
		Select("tender_splits.method, tender_splits.amount").
		Joins("JOIN sales ON sales.id = tender_splits.sale_id").
		Where("sales.void_session_id = ? AND sales.status = ?", sessionID, model.SaleStatusVoided).
		Scan(&refunded).Error; err != nil {
		return nil, err
	}
	for _, row := range refunded {
		out.Refunds[row.Method] = out.Refunds[row.Method].Add(row.Amount)
	}

	if err := db.Model(&model.Sale{}).
		Where("cash_session_id = ? AND status IN ?", sessionID, settled).
		Count(&out.SaleCount).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.Sale{}).
		Where("void_session_id = ? AND status = ?", sessionID, model.SaleStatusVoided).
		Count(&out.VoidedCount).Error; err != nil {
		return nil, err
	}
	return out, nil
}
