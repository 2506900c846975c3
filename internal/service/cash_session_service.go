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

// Variance classes of a closed session.
const (
	VarianceNormal   = "normal"
	VarianceWarning  = "warning"
	VarianceCritical = "critical"
)

type CashSessionService interface {
	Open(ctx context.Context, op Operator, req dto.OpenSessionRequest) (*dto.SessionResponse, error)
	Close(ctx context.Context, op Operator, sessionID uuid.UUID, req dto.CloseSessionRequest) (*dto.SessionReportResponse, error)
	Report(ctx context.Context, op Operator, sessionID uuid.UUID) (*dto.SessionReportResponse, error)
	// FindOpen returns the session only while it accepts sales.
	FindOpen(ctx context.Context, sessionID uuid.UUID) (*model.CashSession, error)
	Active(ctx context.Context, venueID uuid.UUID, register int) (*dto.SessionResponse, error)
}

type cashSessionService struct {
	repo      repository.CashSessionRepository
	sales     repository.SaleRepository
	inFlight  InFlightTracker
	publisher broadcast.Publisher
	alerts    Alerter
	retry     RetryPolicy
}

func NewCashSessionService(
	repo repository.CashSessionRepository,
	sales repository.SaleRepository,
	inFlight InFlightTracker,
	publisher broadcast.Publisher,
	alerts Alerter,
	retry RetryPolicy,
) CashSessionService {
	if alerts == nil {
		alerts = LogAlerter{}
	}
	return &cashSessionService{
		repo:      repo,
		sales:     sales,
		inFlight:  inFlight,
		publisher: publisher,
		alerts:    alerts,
		retry:     retry,
	}
}

// ── Open ──────────────────────────────────────────────────────────────────────

func (s *cashSessionService) Open(ctx context.Context, op Operator, req dto.OpenSessionRequest) (*dto.SessionResponse, error) {
	if req.OpeningBalance.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance cannot be negative", ErrValidation)
	}
	if !isCents(req.OpeningBalance) {
		return nil, fmt.Errorf("%w: opening balance must be in whole cents", ErrValidation)
	}
	if _, err := s.repo.FindOpenByRegister(ctx, op.VenueID, req.Register); err == nil {
		return nil, ErrSessionExists
	}

	session := &model.CashSession{
		VenueID:        op.VenueID,
		Register:       req.Register,
		OperatorID:     op.ID,
		OpeningBalance: req.OpeningBalance,
		Status:         model.SessionOpen,
		OpenedAt:       time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, session); err != nil {
		// The partial unique index on open sessions catches a concurrent open.
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrSessionExists
		}
		return nil, err
	}

	s.publish(ctx, broadcast.SessionDelta(session))
	log.Info().
		Str("session_id", session.ID.String()).
		Str("venue_id", op.VenueID.String()).
		Int("register", req.Register).
		Str("operator_id", op.ID).
		Msg("cash session opened")
	resp := sessionToResponse(session)
	return &resp, nil
}

// ── Close ─────────────────────────────────────────────────────────────────────
// Expected cash is computed from committed sales and refunds at the moment of
// the compare-and-swap; a commit landing in between bumps the version and the
// figures are recomputed.

func (s *cashSessionService) Close(ctx context.Context, op Operator, sessionID uuid.UUID, req dto.CloseSessionRequest) (*dto.SessionReportResponse, error) {
	if req.CountedBalance.IsNegative() {
		return nil, fmt.Errorf("%w: counted balance cannot be negative", ErrValidation)
	}
	if !isCents(req.CountedBalance) {
		return nil, fmt.Errorf("%w: counted balance must be in whole cents", ErrValidation)
	}

	var (
		session *model.CashSession
		totals  *repository.SessionTotals
	)
	err := withCAS(ctx, s.retry, func() error {
		var err error
		session, err = s.find(ctx, op.VenueID, sessionID)
		if err != nil {
			return err
		}
		if session.Status != model.SessionOpen {
			return ErrSessionClosed
		}
		if n := s.inFlight.InFlight(sessionID); n > 0 {
			return fmt.Errorf("%w: %d orders in flight", ErrSessionBusy, n)
		}

		totals, err = s.sales.SessionTotals(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		expected := expectedCash(session.OpeningBalance, totals)
		variance, pct := varianceOf(req.CountedBalance, expected)
		class := classifyVariance(pct)
		if class == VarianceCritical && (req.Notes == nil || *req.Notes == "") {
			return fmt.Errorf("%w: variance of %s%% is critical", ErrNotesRequired, pct.StringFixed(2))
		}

		counted := req.CountedBalance
		session.ExpectedBalance = &expected
		session.ClosingBalance = &counted
		session.Variance = &variance
		session.VariancePct = &pct
		session.VarianceClass = &class
		session.Notes = req.Notes
		return s.repo.Close(ctx, session, session.Version)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, broadcast.SessionDelta(session))
	if *session.VarianceClass == VarianceCritical {
		s.alerts.Alert(ctx, "Critical cash variance",
			fmt.Sprintf("Register %d closed by %s: expected %s, counted %s, variance %s (%s%%). Notes: %s",
				session.Register, op.ID,
				session.ExpectedBalance.StringFixed(2), session.ClosingBalance.StringFixed(2),
				session.Variance.StringFixed(2), session.VariancePct.StringFixed(2), *session.Notes))
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Str("expected", session.ExpectedBalance.StringFixed(2)).
		Str("counted", session.ClosingBalance.StringFixed(2)).
		Str("variance_class", *session.VarianceClass).
		Msg("cash session closed")
	return buildReport(session, totals), nil
}

// ── Report ────────────────────────────────────────────────────────────────────

func (s *cashSessionService) Report(ctx context.Context, op Operator, sessionID uuid.UUID) (*dto.SessionReportResponse, error) {
	session, err := s.find(ctx, op.VenueID, sessionID)
	if err != nil {
		return nil, err
	}
	totals, err := s.sales.SessionTotals(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return buildReport(session, totals), nil
}

func (s *cashSessionService) FindOpen(ctx context.Context, sessionID uuid.UUID) (*model.CashSession, error) {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, notFound(err)
	}
	if session.Status != model.SessionOpen {
		return nil, ErrSessionClosed
	}
	return session, nil
}

func (s *cashSessionService) Active(ctx context.Context, venueID uuid.UUID, register int) (*dto.SessionResponse, error) {
	session, err := s.repo.FindOpenByRegister(ctx, venueID, register)
	if err != nil {
		return nil, notFound(err)
	}
	resp := sessionToResponse(session)
	return &resp, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (s *cashSessionService) find(ctx context.Context, venueID, sessionID uuid.UUID) (*model.CashSession, error) {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, notFound(err)
	}
	if session.VenueID != venueID {
		return nil, ErrNotFound
	}
	return session, nil
}

func (s *cashSessionService) publish(ctx context.Context, d broadcast.LedgerDelta) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, d); err != nil {
		log.Warn().Err(err).Str("kind", string(d.Kind)).Msg("cash session: publish failed")
	}
}

// expectedCash is opening + cash taken by sales of the session − cash paid
// out by voids recorded against it.
func expectedCash(opening decimal.Decimal, totals *repository.SessionTotals) decimal.Decimal {
	return opening.Add(totals.ByMethod[model.TenderCash]).Sub(totals.Refunds[model.TenderCash])
}

// varianceOf returns counted − expected and its percentage of expected.
// With nothing expected any shortfall or surplus counts as 100%.
func varianceOf(counted, expected decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	variance := counted.Sub(expected)
	switch {
	case variance.IsZero():
		return variance, decimal.Zero
	case expected.IsZero():
		return variance, decimal.NewFromInt(100).Mul(decimal.NewFromInt(int64(variance.Sign())))
	}
	return variance, variance.Div(expected).Mul(decimal.NewFromInt(100)).Round(2)
}

// classifyVariance: normal up to 1%, warning up to 5%, critical beyond.
func classifyVariance(pct decimal.Decimal) string {
	abs := pct.Abs()
	switch {
	case abs.LessThanOrEqual(decimal.NewFromInt(1)):
		return VarianceNormal
	case abs.LessThanOrEqual(decimal.NewFromInt(5)):
		return VarianceWarning
	default:
		return VarianceCritical
	}
}

func buildReport(session *model.CashSession, totals *repository.SessionTotals) *dto.SessionReportResponse {
	kind := "X"
	if session.Status == model.SessionClosed {
		kind = "Z"
	}
	report := &dto.SessionReportResponse{
		Kind:            kind,
		Session:         sessionToResponse(session),
		SalesByTender:   make(map[string]decimal.Decimal, len(totals.ByMethod)),
		RefundsByTender: make(map[string]decimal.Decimal, len(totals.Refunds)),
		SaleCount:       totals.SaleCount,
		VoidedCount:     totals.VoidedCount,
		ExpectedCash:    expectedCash(session.OpeningBalance, totals),
	}
	for m, v := range totals.ByMethod {
		report.SalesByTender[string(m)] = v
	}
	for m, v := range totals.Refunds {
		report.RefundsByTender[string(m)] = v
	}
	if session.ExpectedBalance != nil {
		report.ExpectedCash = *session.ExpectedBalance
	}
	report.Variance = report.Session.Variance
	return report
}

func sessionToResponse(s *model.CashSession) dto.SessionResponse {
	resp := dto.SessionResponse{
		ID:              s.ID.String(),
		VenueID:         s.VenueID.String(),
		Register:        s.Register,
		OperatorID:      s.OperatorID,
		OpeningBalance:  s.OpeningBalance,
		ExpectedBalance: s.ExpectedBalance,
		ClosingBalance:  s.ClosingBalance,
		Status:          s.Status,
		Notes:           s.Notes,
		OpenedAt:        s.OpenedAt.Format(time.RFC3339),
	}
	if s.Variance != nil && s.VariancePct != nil && s.VarianceClass != nil {
		resp.Variance = &dto.VarianceResponse{
			Amount:  *s.Variance,
			Percent: *s.VariancePct,
			Class:   *s.VarianceClass,
		}
	}
	if s.ClosedAt != nil {
		t := s.ClosedAt.Format(time.RFC3339)
		resp.ClosedAt = &t
	}
	return resp
}
