package repository

import (
	"context"
	"time"

	"comandapos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StockMovementFilter defines filters for listing stock movements.
type StockMovementFilter struct {
	ProductID uuid.UUID
	Reason    string
	Page      int
	Limit     int
}

// StockRepository persists stock levels and their append-only movement table.
// A level is never updated on its own: AppendMovement writes both in one transaction.
type StockRepository interface {
	FindLevel(ctx context.Context, productID uuid.UUID) (*model.StockLevel, error)
	CreateLevel(ctx context.Context, l *model.StockLevel) error
	ListLevels(ctx context.Context) ([]model.StockLevel, error)

	// AppendMovement applies m to the product's level only if the level is still
	// at expectedVersion and not frozen. m.ResultingQuantity and m.Version must
	// already describe the post-write state. Returns ErrVersionConflict otherwise.
	// Compensating writes are accepted on frozen rows.
	AppendMovement(ctx context.Context, expectedVersion int64, m *model.StockMovement, compensating bool) error

	LastMovement(ctx context.Context, productID uuid.UUID) (*model.StockMovement, error)
	ListMovements(ctx context.Context, filter StockMovementFilter) ([]model.StockMovement, int64, error)
	MovementsByReference(ctx context.Context, referenceID uuid.UUID) ([]model.StockMovement, error)
	SumDeltas(ctx context.Context, productID uuid.UUID) (int, error)

	Freeze(ctx context.Context, productID uuid.UUID, reason string) error
	// Rebuild re-derives the cached quantity from the movement table, anchors
	// it with a zero-delta movement and clears the frozen flag.
	Rebuild(ctx context.Context, productID uuid.UUID, referenceID uuid.UUID, note string) (*model.StockLevel, error)
}

type stockRepo struct{ db *gorm.DB }

func NewStockRepository(db *gorm.DB) StockRepository { return &stockRepo{db: db} }

func (r *stockRepo) FindLevel(ctx context.Context, productID uuid.UUID) (*model.StockLevel, error) {
	var l model.StockLevel
	if err := r.db.WithContext(ctx).First(&l, "product_id = ?", productID).Error; err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (r *stockRepo) CreateLevel(ctx context.Context, l *model.StockLevel) error {
	return translate(r.db.WithContext(ctx).Create(l).Error)
}

func (r *stockRepo) ListLevels(ctx context.Context) ([]model.StockLevel, error) {
	var levels []model.StockLevel
	err := r.db.WithContext(ctx).Order("product_id ASC").Find(&levels).Error
	return levels, err
}

func (r *stockRepo) AppendMovement(ctx context.Context, expectedVersion int64, m *model.StockMovement, compensating bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.StockLevel{}).Where("product_id = ? AND version = ?", m.ProductID, expectedVersion)
		if !compensating {
			q = q.Where("frozen = ?", false)
		}
		res := q.Updates(map[string]interface{}{
			"quantity":   m.ResultingQuantity,
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

func (r *stockRepo) LastMovement(ctx context.Context, productID uuid.UUID) (*model.StockMovement, error) {
	var m model.StockMovement
	err := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("version DESC").
		First(&m).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (r *stockRepo) ListMovements(ctx context.Context, filter StockMovementFilter) ([]model.StockMovement, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.StockMovement{}).Where("product_id = ?", filter.ProductID)
	if filter.Reason != "" {
		q = q.Where("reason = ?", filter.Reason)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := Page(filter.Page, filter.Limit)
	var movements []model.StockMovement
	err := q.Order("version DESC").Offset(offset).Limit(limit).Find(&movements).Error
	return movements, total, err
}

func (r *stockRepo) MovementsByReference(ctx context.Context, referenceID uuid.UUID) ([]model.StockMovement, error) {
	var movements []model.StockMovement
	err := r.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("created_at ASC").
		Find(&movements).Error
	return movements, err
}

func (r *stockRepo) SumDeltas(ctx context.Context, productID uuid.UUID) (int, error) {
	var sum int
	err := r.db.WithContext(ctx).Model(&model.StockMovement{}).
		Where("product_id = ?", productID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error
	return sum, err
}

func (r *stockRepo) Freeze(ctx context.Context, productID uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).Model(&model.StockLevel{}).
		Where("product_id = ?", productID).
		Updates(map[string]interface{}{"frozen": true, "frozen_reason": reason}).Error
}

func (r *stockRepo) Rebuild(ctx context.Context, productID uuid.UUID, referenceID uuid.UUID, note string) (*model.StockLevel, error) {
	var level model.StockLevel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&level, "product_id = ?", productID).Error; err != nil {
			return translate(err)
		}
		var sum int
		if err := tx.Model(&model.StockMovement{}).
			Where("product_id = ?", productID).
			Select("COALESCE(SUM(delta), 0)").
			Scan(&sum).Error; err != nil {
			return err
		}

		next := level.Version + 1
		res := tx.Model(&model.StockLevel{}).
			Where("product_id = ? AND version = ?", productID, level.Version).
			Updates(map[string]interface{}{
				"quantity":      sum,
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

		anchor := &model.StockMovement{
			ProductID:         productID,
			VenueID:           level.VenueID,
			Delta:             0,
			Reason:            model.StockReasonManualAdjustment,
			ReferenceID:       referenceID,
			Note:              &note,
			Flagged:           sum < 0,
			ResultingQuantity: sum,
			Version:           next,
		}
		if err := tx.Create(anchor).Error; err != nil {
			return err
		}

		level.Quantity = sum
		level.Version = next
		level.Frozen = false
		level.FrozenReason = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &level, nil
}
