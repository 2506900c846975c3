package repository

import (
	"context"
	"time"

	"comandapos/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CashSessionRepository persists register sessions. Status changes are
// compare-and-swap on Version so a close can never interleave with a commit
// that touches the same session.
type CashSessionRepository interface {
	Create(ctx context.Context, s *model.CashSession) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.CashSession, error)
	FindOpenByRegister(ctx context.Context, venueID uuid.UUID, register int) (*model.CashSession, error)
	// Close persists the closing figures and flips status to closed, only if
	// the session is still open at expectedVersion.
	Close(ctx context.Context, s *model.CashSession, expectedVersion int64) error
}

type cashSessionRepo struct{ db *gorm.DB }

func NewCashSessionRepository(db *gorm.DB) CashSessionRepository { return &cashSessionRepo{db: db} }

func (r *cashSessionRepo) Create(ctx context.Context, s *model.CashSession) error {
	return translate(r.db.WithContext(ctx).Create(s).Error)
}

func (r *cashSessionRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.CashSession, error) {
	var s model.CashSession
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *cashSessionRepo) FindOpenByRegister(ctx context.Context, venueID uuid.UUID, register int) (*model.CashSession, error) {
	var s model.CashSession
	err := r.db.WithContext(ctx).
		Where("venue_id = ? AND register = ? AND status = ?", venueID, register, model.SessionOpen).
		First(&s).Error
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *cashSessionRepo) Close(ctx context.Context, s *model.CashSession, expectedVersion int64) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&model.CashSession{}).
		Where("id = ? AND version = ? AND status = ?", s.ID, expectedVersion, model.SessionOpen).
		Updates(map[string]interface{}{
			"status":           model.SessionClosed,
			"expected_balance": s.ExpectedBalance,
			"closing_balance":  s.ClosingBalance,
			"variance":         s.Variance,
			"variance_pct":     s.VariancePct,
			"variance_class":   s.VarianceClass,
			"notes":            s.Notes,
			"closed_at":        now,
			"version":          expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	s.Status = model.SessionClosed
	s.ClosedAt = &now
	s.Version = expectedVersion + 1
	return nil
}
