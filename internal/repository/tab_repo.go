package repository

import (
	"context"
	"time"

	"comandapos/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TabRepository persists tabs and the tab movement table. Balance changes
// only happen through AppendMovement.
type TabRepository interface {
	Create(ctx context.Context, t *model.Tab) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Tab, error)
	FindOpenByNumber(ctx context.Context, venueID uuid.UUID, number int) (*model.Tab, error)
	ListAll(ctx context.Context) ([]model.Tab, error)

	// AppendMovement applies m to the tab only if it is still at
	// expectedVersion, open and not frozen. Returns ErrVersionConflict otherwise.
	// Compensating writes skip the open and frozen conditions.
	AppendMovement(ctx context.Context, expectedVersion int64, m *model.TabMovement, compensating bool) error

	LastMovement(ctx context.Context, tabID uuid.UUID) (*model.TabMovement, error)
	ListMovements(ctx context.Context, tabID uuid.UUID, page, limit int) ([]model.TabMovement, int64, error)
	MovementsByReference(ctx context.Context, referenceID uuid.UUID) ([]model.TabMovement, error)
	SumDeltas(ctx context.Context, tabID uuid.UUID) (decimal.Decimal, error)

	// Close flips an open tab to closed, bumping the version. Returns
	// ErrVersionConflict if the tab changed since it was read.
	Close(ctx context.Context, tabID uuid.UUID, expectedVersion int64) error
	Freeze(ctx context.Context, tabID uuid.UUID, reason string) error
	Rebuild(ctx context.Context, tabID uuid.UUID, referenceID uuid.UUID) (*model.Tab, error)
}

type tabRepo struct{ db *gorm.DB }

func NewTabRepository(db *gorm.DB) TabRepository { return &tabRepo{db: db} }

func (r *tabRepo) Create(ctx context.Context, t *model.Tab) error {
	return translate(r.db.WithContext(ctx).Create(t).Error)
}

func (r *tabRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Tab, error) {
	var t model.Tab
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *tabRepo) FindOpenByNumber(ctx context.Context, venueID uuid.UUID, number int) (*model.Tab, error) {
	var t model.Tab
	err := r.db.WithContext(ctx).
		Where("venue_id = ? AND number = ? AND status = ?", venueID, number, model.TabOpen).
		First(&t).Error
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *tabRepo) ListAll(ctx context.Context) ([]model.Tab, error) {
	var tabs []model.Tab
	err := r.db.WithContext(ctx).Order("id ASC").Find(&tabs).Error
	return tabs, err
}

func (r *tabRepo) AppendMovement(ctx context.Context, expectedVersion int64, m *model.TabMovement, compensating bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.Tab{}).Where("id = ? AND version = ?", m.TabID, expectedVersion)
		if !compensating {
			q = q.Where("frozen = ? AND status = ?", false, model.TabOpen)
		}
		res := q.Updates(map[string]interface{}{
			"balance":    m.ResultingBalance,
			"version":    m.Version,
			"updated_at": time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
		return translate(tx.Create(m).Error)
	})
}

func (r *tabRepo) LastMovement(ctx context.Context, tabID uuid.UUID) (*model.TabMovement, error) {
	var m model.TabMovement
	err := r.db.WithContext(ctx).Where("tab_id = ?", tabID).Order("version DESC").First(&m).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (r *tabRepo) ListMovements(ctx context.Context, tabID uuid.UUID, page, limit int) ([]model.TabMovement, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.TabMovement{}).Where("tab_id = ?", tabID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, size := Page(page, limit)
	var movements []model.TabMovement
	err := q.Order("version DESC").Offset(offset).Limit(size).Find(&movements).Error
	return movements, total, err
}

func (r *tabRepo) MovementsByReference(ctx context.Context, referenceID uuid.UUID) ([]model.TabMovement, error) {
	var movements []model.TabMovement
	err := r.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("created_at ASC").
		Find(&movements).Error
	return movements, err
}

func (r *tabRepo) SumDeltas(ctx context.Context, tabID uuid.UUID) (decimal.Decimal, error) {
	return sumTabDeltas(r.db.WithContext(ctx), tabID)
}

func sumTabDeltas(db *gorm.DB, tabID uuid.UUID) (decimal.Decimal, error) {
	var deltas []decimal.Decimal
	if err := db.Model(&model.TabMovement{}).Where("tab_id = ?", tabID).Pluck("delta", &deltas).Error; err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, d := range deltas {
		sum = sum.Add(d)
	}
	return sum, nil
}

func (r *tabRepo) Close(ctx context.Context, tabID uuid.UUID, expectedVersion int64) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&model.Tab{}).
		Where("id = ? AND version = ? AND status = ?", tabID, expectedVersion, model.TabOpen).
		Updates(map[string]interface{}{
			"status":     model.TabClosed,
			"closed_at":  now,
			"version":    expectedVersion + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *tabRepo) Freeze(ctx context.Context, tabID uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).Model(&model.Tab{}).
		Where("id = ?", tabID).
		Updates(map[string]interface{}{"frozen": true, "frozen_reason": reason}).Error
}

func (r *tabRepo) Rebuild(ctx context.Context, tabID uuid.UUID, referenceID uuid.UUID) (*model.Tab, error) {
	var tab model.Tab
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&tab, "id = ?", tabID).Error; err != nil {
			return translate(err)
		}
		sum, err := sumTabDeltas(tx, tabID)
		if err != nil {
			return err
		}

		next := tab.Version + 1
		res := tx.Model(&model.Tab{}).
			Where("id = ? AND version = ?", tabID, tab.Version).
			Updates(map[string]interface{}{
				"balance":       sum,
				"version":       next,
				"frozen":        false,
				"frozen_reason": nil,
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}

		anchor := &model.TabMovement{
			TabID:            tabID,
			VenueID:          tab.VenueID,
			Delta:            decimal.Zero,
			Reason:           model.TabReasonReconcile,
			ReferenceID:      referenceID,
			ResultingBalance: sum,
			Version:          next,
		}
		if err := tx.Create(anchor).Error; err != nil {
			return err
		}

		tab.Balance = sum
		tab.Version = next
		tab.Frozen = false
		tab.FrozenReason = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tab, nil
}
