package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"comandapos/internal/broadcast"
	"comandapos/internal/dto"
	"comandapos/internal/model"
	"comandapos/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Stored outcomes of a finished sale.
const (
	OutcomeCommitted  = "committed"
	OutcomeRejected   = "rejected"
	OutcomeRolledBack = "rolled_back"
)

// Failure reasons reported to terminals.
const (
	ReasonValidation          = "validation"
	ReasonSessionClosed       = "session_closed"
	ReasonCancelled           = "cancelled"
	ReasonInsufficientStock   = "insufficient_stock"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonTenderDeclined      = "tender_declined"
	ReasonTenderTimeout       = "tender_timeout"
	ReasonTenderUnavailable   = "tender_unavailable"
	ReasonConflict            = "conflict"
	ReasonLedgerFrozen        = "ledger_frozen"
	ReasonTabClosed           = "tab_closed"
	ReasonNotFound            = "not_found"
	ReasonPersistence         = "persistence"
	ReasonRecovered           = "recovered"
	ReasonInProgress          = "in_progress"
)

// retryableReasons may be settled again under the same order id.
var retryableReasons = []string{ReasonConflict, ReasonPersistence}

// Operator is the verified identity attached to sessions and sales.
type Operator struct {
	ID      string
	VenueID uuid.UUID
	Role    string
}

// TenderVoidJob is queued when voiding an approved external tender fails.
type TenderVoidJob struct {
	SaleID            uuid.UUID          `json:"sale_id"`
	SplitID           uuid.UUID          `json:"split_id"`
	Method            model.TenderMethod `json:"method"`
	ExternalReference string             `json:"external_reference"`
	Amount            decimal.Decimal    `json:"amount"`
}

// VoidQueue retries tender voids in the background.
type VoidQueue interface {
	EnqueueTenderVoid(ctx context.Context, job TenderVoidJob) error
}

// SettlementConfig tunes the engine.
type SettlementConfig struct {
	// TenderTimeout applies when the order does not carry its own.
	TenderTimeout time.Duration
}

// SettlementService turns carts into committed sales. It is the only writer
// of both ledgers during settlement.
type SettlementService interface {
	SubmitOrder(ctx context.Context, op Operator, req dto.SubmitOrderRequest) (*dto.SettlementResult, error)
	CancelOrder(ctx context.Context, op Operator, orderID uuid.UUID) (*dto.CancelOrderResponse, error)
	VoidSale(ctx context.Context, op Operator, saleID uuid.UUID, req dto.VoidSaleRequest) (*dto.SaleResponse, error)
	GetSale(ctx context.Context, op Operator, saleID uuid.UUID) (*dto.SaleResponse, error)
	ListSales(ctx context.Context, filter dto.SaleFilter) (*dto.SaleListResponse, error)
	// RecoverPending resolves every pending sale left by a previous process.
	RecoverPending(ctx context.Context) (int, error)
	InFlightTracker
}

type settlementService struct {
	sales     repository.SaleRepository
	sessions  repository.CashSessionRepository
	products  repository.ProductRepository
	stock     StockLedger
	tabs      TabLedger
	tenders   TenderProcessor
	voids     VoidQueue
	publisher broadcast.Publisher
	alerts    Alerter
	cfg       SettlementConfig

	flights *flightTable
	venues  *venueLocks
}

func NewSettlementService(
	sales repository.SaleRepository,
	sessions repository.CashSessionRepository,
	products repository.ProductRepository,
	stock StockLedger,
	tabs TabLedger,
	tenders TenderProcessor,
	voids VoidQueue,
	publisher broadcast.Publisher,
	alerts Alerter,
	cfg SettlementConfig,
) SettlementService {
	if alerts == nil {
		alerts = LogAlerter{}
	}
	if cfg.TenderTimeout <= 0 {
		cfg.TenderTimeout = 30 * time.Second
	}
	return &settlementService{
		sales:     sales,
		sessions:  sessions,
		products:  products,
		stock:     stock,
		tabs:      tabs,
		tenders:   tenders,
		voids:     voids,
		publisher: publisher,
		alerts:    alerts,
		cfg:       cfg,
		flights:   newFlightTable(),
		venues:    newVenueLocks(),
	}
}

func (s *settlementService) InFlight(sessionID uuid.UUID) int {
	return s.flights.countSession(sessionID)
}

// attempt carries one settlement pass of a sale.
type attempt struct {
	flight  *flight
	sale    *model.Sale
	timeout time.Duration

	stockMoves []*model.StockMovement
	tabMoves   []*model.TabMovement
}

// ── Submit ────────────────────────────────────────────────────────────────────

func (s *settlementService) SubmitOrder(ctx context.Context, op Operator, req dto.SubmitOrderRequest) (*dto.SettlementResult, error) {
	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid order_id", ErrValidation)
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid session_id", ErrValidation)
	}
	// The order outlives a dropped client connection; cancellation is explicit.
	ctx = context.WithoutCancel(ctx)

	f := &flight{saleID: orderID, venueID: op.VenueID, sessionID: sessionID, state: StateReceived}
	if !s.flights.register(f) {
		return inProgress(orderID), nil
	}
	defer s.flights.remove(orderID)

	existing, err := s.sales.FindByID(ctx, orderID)
	switch {
	case err == nil:
		if existing.VenueID != op.VenueID {
			return nil, ErrForbidden
		}
		return s.resume(ctx, f, existing, req.TenderTimeoutMS), nil
	case !errors.Is(err, repository.ErrNotFound):
		return unavailable(orderID, err), nil
	}

	f.set(StateValidating)
	sale, reason, detail, err := s.validate(ctx, op, orderID, sessionID, req)
	if err != nil {
		// Nothing is recorded, so a resubmit validates again.
		return unavailable(orderID, err), nil
	}
	if reason == "" && f.cancelRequested() {
		reason, detail = ReasonCancelled, "cancelled before reservation"
	}
	if reason != "" {
		f.set(StateRejected)
		return s.reject(ctx, sale, reason, detail), nil
	}

	sale.Status = model.SaleStatusPending
	if err := s.sales.Create(ctx, sale); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return inProgress(orderID), nil
		}
		return unavailable(orderID, err), nil
	}

	log.Info().
		Str("order_id", orderID.String()).
		Str("venue_id", op.VenueID.String()).
		Str("total", sale.Total.StringFixed(2)).
		Msg("settlement: order accepted")
	return s.settle(ctx, &attempt{flight: f, sale: sale, timeout: s.timeout(req.TenderTimeoutMS)}), nil
}

func (s *settlementService) timeout(ms int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return s.cfg.TenderTimeout
}

// resume handles an order id that already has a sale row.
func (s *settlementService) resume(ctx context.Context, f *flight, sale *model.Sale, timeoutMS int) *dto.SettlementResult {
	switch sale.Status {
	case model.SaleStatusPending:
		// Left behind by a process that died mid-settlement.
		return s.recover(ctx, f, sale)
	case model.SaleStatusFailed:
		if sale.FailureReason == nil || !slices.Contains(retryableReasons, *sale.FailureReason) {
			return resultFromSale(sale)
		}
		if err := s.sales.Reopen(ctx, sale.ID, retryableReasons); err != nil {
			if errors.Is(err, repository.ErrStateMismatch) {
				return s.stored(ctx, sale.ID)
			}
			return unavailable(sale.ID, err)
		}
		reopened, err := s.sales.FindByID(ctx, sale.ID)
		if err != nil {
			return unavailable(sale.ID, err)
		}
		log.Info().Str("order_id", sale.ID.String()).Msg("settlement: retrying order")
		f.sessionID = reopened.CashSessionID
		return s.settle(ctx, &attempt{flight: f, sale: reopened, timeout: s.timeout(timeoutMS)})
	default:
		return resultFromSale(sale)
	}
}

// validate builds the sale from the request. A non-empty reason means the
// order is rejected; the returned sale is still recorded. An error means a
// lookup failed and the order could not be judged.
func (s *settlementService) validate(ctx context.Context, op Operator, orderID, sessionID uuid.UUID, req dto.SubmitOrderRequest) (*model.Sale, string, string, error) {
	sale := &model.Sale{
		ID:            orderID,
		VenueID:       op.VenueID,
		CashSessionID: sessionID,
		OperatorID:    op.ID,
		Total:         decimal.Zero,
		CreatedAt:     time.Now().UTC(),
	}
	for i, t := range req.Tenders {
		split := model.TenderSplit{
			Position: i + 1,
			Method:   model.TenderMethod(t.Method),
			Amount:   t.Amount,
			Status:   model.TenderPending,
		}
		if t.TabID != nil {
			if id, err := uuid.Parse(*t.TabID); err == nil {
				split.TabID = &id
			}
		}
		sale.Tenders = append(sale.Tenders, split)
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return sale, ReasonValidation, "unknown cash session", nil
	case err != nil:
		return sale, "", "", fmt.Errorf("%w: read cash session: %v", ErrPersistence, err)
	case session.VenueID != op.VenueID:
		return sale, ReasonValidation, "unknown cash session", nil
	case session.Status != model.SessionOpen:
		return sale, ReasonSessionClosed, "cash session is closed", nil
	}

	ids := make([]uuid.UUID, 0, len(req.Items))
	for _, item := range req.Items {
		id, err := uuid.Parse(item.ProductID)
		if err != nil {
			return sale, ReasonValidation, "invalid product id", nil
		}
		ids = append(ids, id)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return sale, "", "", fmt.Errorf("%w: read catalog: %v", ErrPersistence, err)
	}

	var reason, detail string
	for i, item := range req.Items {
		line := model.SaleItem{ProductID: ids[i], Quantity: item.Quantity, UnitPrice: decimal.Zero, Subtotal: decimal.Zero}
		p, ok := products[ids[i]]
		switch {
		case !ok || !p.Active || p.VenueID != op.VenueID:
			if reason == "" {
				reason, detail = ReasonValidation, fmt.Sprintf("unknown product %s", ids[i])
			}
		case item.Quantity <= 0:
			if reason == "" {
				reason, detail = ReasonValidation, fmt.Sprintf("quantity must be positive for product %s", ids[i])
			}
		case !isCents(p.UnitPrice):
			if reason == "" {
				reason, detail = ReasonValidation, fmt.Sprintf("price of product %s is not in whole cents", ids[i])
			}
		default:
			line.UnitPrice = p.UnitPrice
			line.Subtotal = p.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		}
		sale.Items = append(sale.Items, line)
		sale.Total = sale.Total.Add(line.Subtotal)
	}
	if reason != "" {
		return sale, reason, detail, nil
	}

	paid := decimal.Zero
	for i, split := range sale.Tenders {
		switch {
		case !split.Method.Valid():
			return sale, ReasonValidation, fmt.Sprintf("unsupported tender method %q", split.Method), nil
		case !split.Amount.IsPositive():
			return sale, ReasonValidation, "tender amounts must be positive", nil
		case !isCents(split.Amount):
			return sale, ReasonValidation, "tender amounts must be in whole cents", nil
		case split.Method == model.TenderTabBalance && split.TabID == nil:
			return sale, ReasonValidation, "tab_balance tender requires tab_id", nil
		case split.Method != model.TenderTabBalance && req.Tenders[i].TabID != nil:
			return sale, ReasonValidation, "tab_id is only valid for tab_balance tenders", nil
		}
		if split.Method == model.TenderTabBalance {
			tab, err := s.tabs.Find(ctx, *split.TabID)
			switch {
			case errors.Is(err, ErrNotFound):
				return sale, ReasonValidation, "unknown tab", nil
			case err != nil:
				return sale, "", "", fmt.Errorf("%w: read tab: %v", ErrPersistence, err)
			case tab.VenueID != op.VenueID:
				return sale, ReasonValidation, "unknown tab", nil
			}
		}
		paid = paid.Add(split.Amount)
	}
	if !paid.Equal(sale.Total) {
		return sale, ReasonValidation, fmt.Sprintf("tenders sum %s, order total %s", paid.StringFixed(2), sale.Total.StringFixed(2)), nil
	}
	return sale, "", "", nil
}

// reject records a rejected order without touching the ledgers.
func (s *settlementService) reject(ctx context.Context, sale *model.Sale, reason, detail string) *dto.SettlementResult {
	outcome := OutcomeRejected
	sale.Status = model.SaleStatusFailed
	sale.Outcome = &outcome
	sale.FailureReason = &reason
	if detail != "" {
		sale.FailureDetail = &detail
	}
	if err := s.sales.Create(ctx, sale); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return s.stored(ctx, sale.ID)
		}
		log.Warn().Err(err).Str("order_id", sale.ID.String()).Msg("settlement: could not record rejection")
	}
	log.Info().
		Str("order_id", sale.ID.String()).
		Str("state", string(StateRejected)).
		Str("reason", reason).
		Str("detail", detail).
		Msg("settlement: order rejected")
	return resultFromSale(sale)
}

// ── Reserve, tender, commit ───────────────────────────────────────────────────

type stockLine struct {
	productID uuid.UUID
	qty       int
}

// aggregateItems sums quantities per product in ascending product id order,
// the lock order every order uses.
func aggregateItems(items []model.SaleItem) []stockLine {
	byProduct := make(map[uuid.UUID]int, len(items))
	for _, it := range items {
		byProduct[it.ProductID] += it.Quantity
	}
	lines := make([]stockLine, 0, len(byProduct))
	for id, qty := range byProduct {
		lines = append(lines, stockLine{productID: id, qty: qty})
	}
	slices.SortFunc(lines, func(a, b stockLine) int { return compareIDs(a.productID, b.productID) })
	return lines
}

func compareIDs(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) }

func (s *settlementService) settle(ctx context.Context, a *attempt) *dto.SettlementResult {
	sale := a.sale

	a.flight.set(StateReserving)
	for _, line := range aggregateItems(sale.Items) {
		if a.flight.cancelRequested() {
			return s.rollback(ctx, a, ReasonCancelled, "cancelled during reservation")
		}
		m, err := s.stock.ReserveAndDebit(ctx, line.productID, line.qty, sale.ID)
		if err != nil {
			return s.rollback(ctx, a, reasonFor(err), fmt.Sprintf("product %s: %v", line.productID, err))
		}
		a.stockMoves = append(a.stockMoves, m)
	}

	a.flight.set(StateAwaitingTender)
	for i := range sale.Tenders {
		split := &sale.Tenders[i]
		if split.Method != model.TenderTabBalance {
			continue
		}
		if a.flight.cancelRequested() {
			return s.rollback(ctx, a, ReasonCancelled, "cancelled during tab debit")
		}
		m, err := s.tabs.Debit(ctx, *split.TabID, split.Amount, sale.ID)
		if err != nil {
			s.markSplit(ctx, split, model.TenderDeclined, nil, err.Error())
			return s.rollback(ctx, a, reasonFor(err), fmt.Sprintf("tab %s: %v", split.TabID, err))
		}
		a.tabMoves = append(a.tabMoves, m)
		s.markSplit(ctx, split, model.TenderApproved, nil, "")
	}

	for i := range sale.Tenders {
		split := &sale.Tenders[i]
		if !split.Method.ViaProcessor() {
			continue
		}
		if a.flight.cancelRequested() {
			return s.rollback(ctx, a, ReasonCancelled, "cancelled before external tender")
		}
		res, err := s.tenders.Charge(ctx, ChargeRequest{
			Method:      split.Method,
			Amount:      split.Amount,
			ReferenceID: split.ID,
			Timeout:     a.timeout,
		})
		if err != nil {
			s.markSplit(ctx, split, model.TenderDeclined, nil, err.Error())
			if errors.Is(err, ErrTenderOutcomeUnknown) {
				s.alertUnknownOutcome(ctx, sale, split, "the processor connection failed")
			}
			return s.rollback(ctx, a, ReasonTenderUnavailable, err.Error())
		}
		switch res.Outcome {
		case ChargeApproved:
			ref := res.ExternalReference
			if err := s.markSplit(ctx, split, model.TenderApproved, &ref, ""); err != nil {
				// Without the approval on record recovery could not void it.
				s.voidSplit(ctx, sale, split)
				return unavailable(sale.ID, err)
			}
		case ChargeTimeout:
			s.markSplit(ctx, split, model.TenderDeclined, nil, "timeout")
			s.alertUnknownOutcome(ctx, sale, split, "the processor did not answer in time")
			return s.rollback(ctx, a, ReasonTenderTimeout, res.Reason)
		default:
			s.markSplit(ctx, split, model.TenderDeclined, nil, res.Reason)
			return s.rollback(ctx, a, ReasonTenderDeclined, res.Reason)
		}
	}

	a.flight.set(StateCommitting)
	return s.commit(ctx, a)
}

// alertUnknownOutcome asks an operator to check a charge the processor may
// still approve after the sale gave up on it.
func (s *settlementService) alertUnknownOutcome(ctx context.Context, sale *model.Sale, split *model.TenderSplit, why string) {
	log.Warn().Str("order_id", sale.ID.String()).Str("split_id", split.ID.String()).Msg("settlement: tender outcome unknown")
	s.alerts.Alert(context.WithoutCancel(ctx), "Tender outcome unknown",
		fmt.Sprintf("Sale %s stopped waiting for %s %s (split %s) because %s. Check the gateway and refund by hand if it was approved.",
			sale.ID, split.Method, split.Amount.StringFixed(2), split.ID, why))
}

func (s *settlementService) markSplit(ctx context.Context, split *model.TenderSplit, status string, ref *string, reason string) error {
	split.Status = status
	if ref != nil {
		split.ExternalReference = ref
	}
	if reason != "" {
		split.DeclineReason = &reason
	}
	err := s.sales.UpdateTender(ctx, split)
	if err != nil {
		log.Error().Err(err).Str("split_id", split.ID.String()).Str("status", status).Msg("settlement: tender status not saved")
	}
	return err
}

func (s *settlementService) commit(ctx context.Context, a *attempt) *dto.SettlementResult {
	sale := a.sale
	unlock := s.venues.lock(sale.VenueID)

	err := s.sales.Commit(ctx, sale)
	switch {
	case errors.Is(err, repository.ErrSessionNotOpen):
		unlock()
		return s.rollback(ctx, a, ReasonSessionClosed, "cash session closed before commit")
	case errors.Is(err, repository.ErrStateMismatch):
		unlock()
		return s.stored(ctx, sale.ID)
	case err != nil:
		unlock()
		log.Error().Err(err).Str("order_id", sale.ID.String()).Msg("settlement: commit write failed, sale left pending")
		s.alerts.Alert(ctx, "Sale commit failed", fmt.Sprintf("Sale %s could not be committed: %v. It will be recovered on next access or restart.", sale.ID, err))
		return unavailable(sale.ID, err)
	}

	for _, m := range a.stockMoves {
		s.publish(ctx, broadcast.StockDelta(m))
	}
	for _, m := range a.tabMoves {
		s.publish(ctx, broadcast.TabDelta(m))
	}
	s.publish(ctx, broadcast.SaleCommittedDelta(sale))
	unlock()

	a.flight.set(StateCommitted)
	log.Info().
		Str("order_id", sale.ID.String()).
		Str("venue_id", sale.VenueID.String()).
		Int64("commit_seq", *sale.CommitSeq).
		Str("state", string(StateCommitted)).
		Msg("settlement: order committed")
	return resultFromSale(sale)
}

// ── Rollback ──────────────────────────────────────────────────────────────────

func (s *settlementService) rollback(ctx context.Context, a *attempt, reason, detail string) *dto.SettlementResult {
	sale := a.sale
	ctx = context.WithoutCancel(ctx)

	if err := s.compensate(ctx, sale, model.StockReasonSaleReversal, model.TabReasonDebitReversal); err != nil {
		log.Error().Err(err).Str("order_id", sale.ID.String()).Msg("settlement: compensation incomplete, sale left pending")
		s.alerts.Alert(ctx, "Sale compensation failed", fmt.Sprintf("Sale %s could not be compensated: %v", sale.ID, err))
		return unavailable(sale.ID, err)
	}
	if err := s.sales.MarkFailed(ctx, sale.ID, OutcomeRolledBack, reason, detail); err != nil {
		if errors.Is(err, repository.ErrStateMismatch) {
			return s.stored(ctx, sale.ID)
		}
		log.Error().Err(err).Str("order_id", sale.ID.String()).Msg("settlement: rollback not recorded")
		return unavailable(sale.ID, err)
	}

	a.flight.set(StateRolledBack)
	log.Info().
		Str("order_id", sale.ID.String()).
		Str("state", string(StateRolledBack)).
		Str("reason", reason).
		Str("detail", detail).
		Msg("settlement: order rolled back")

	outcome := OutcomeRolledBack
	sale.Status = model.SaleStatusFailed
	sale.Outcome = &outcome
	sale.FailureReason = &reason
	if detail != "" {
		sale.FailureDetail = &detail
	}
	return resultFromSale(sale)
}

// compensate brings the net movement of every product and tab referencing
// the sale back to zero and voids approved external tenders. Net-based
// compensation is idempotent, so recovery can run it again.
func (s *settlementService) compensate(ctx context.Context, sale *model.Sale, stockReason, tabReason string) error {
	if _, err := s.reverse(ctx, sale, stockReason, tabReason); err != nil {
		return err
	}
	for i := range sale.Tenders {
		split := &sale.Tenders[i]
		if split.Method.ViaProcessor() && split.Status == model.TenderApproved {
			s.voidSplit(ctx, sale, split)
		}
	}
	return nil
}

// reverse credits back the net debit left by the sale on each ledger row.
func (s *settlementService) reverse(ctx context.Context, sale *model.Sale, stockReason, tabReason string) (*reversal, error) {
	out := &reversal{}

	stockMoves, err := s.stock.MovementsByReference(ctx, sale.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: read stock movements: %v", ErrPersistence, err)
	}
	stockNet := netStock(stockMoves)
	products := make([]uuid.UUID, 0, len(stockNet))
	for id := range stockNet {
		products = append(products, id)
	}
	slices.SortFunc(products, compareIDs)
	for _, id := range products {
		if stockNet[id] >= 0 {
			continue
		}
		m, err := s.stock.Credit(ctx, id, -stockNet[id], stockReason, sale.ID)
		if err != nil {
			return nil, fmt.Errorf("credit product %s: %w", id, err)
		}
		out.stock = append(out.stock, m)
	}

	tabMoves, err := s.tabs.MovementsByReference(ctx, sale.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: read tab movements: %v", ErrPersistence, err)
	}
	tabNet := netTab(tabMoves)
	tabs := make([]uuid.UUID, 0, len(tabNet))
	for id := range tabNet {
		tabs = append(tabs, id)
	}
	slices.SortFunc(tabs, compareIDs)
	for _, id := range tabs {
		if !tabNet[id].IsNegative() {
			continue
		}
		m, err := s.tabs.Credit(ctx, id, tabNet[id].Neg(), tabReason, sale.ID)
		if err != nil {
			return nil, fmt.Errorf("credit tab %s: %w", id, err)
		}
		out.tab = append(out.tab, m)
	}
	return out, nil
}

type reversal struct {
	stock []*model.StockMovement
	tab   []*model.TabMovement
}

func netStock(moves []model.StockMovement) map[uuid.UUID]int {
	net := make(map[uuid.UUID]int)
	for _, m := range moves {
		net[m.ProductID] += m.Delta
	}
	return net
}

func netTab(moves []model.TabMovement) map[uuid.UUID]decimal.Decimal {
	net := make(map[uuid.UUID]decimal.Decimal)
	for _, m := range moves {
		net[m.TabID] = net[m.TabID].Add(m.Delta)
	}
	return net
}

// voidSplit voids an approved external tender; failures go to the retry queue.
func (s *settlementService) voidSplit(ctx context.Context, sale *model.Sale, split *model.TenderSplit) {
	ref := ""
	if split.ExternalReference != nil {
		ref = *split.ExternalReference
	}
	err := s.tenders.Void(ctx, split.Method, ref, split.Amount)
	if err == nil {
		s.markSplit(ctx, split, model.TenderVoided, nil, "")
		return
	}

	log.Warn().Err(err).Str("order_id", sale.ID.String()).Str("split_id", split.ID.String()).Msg("settlement: tender void failed, queued for retry")
	s.markSplit(ctx, split, model.TenderVoidFailed, nil, "")
	if s.voids == nil {
		return
	}
	job := TenderVoidJob{
		SaleID:            sale.ID,
		SplitID:           split.ID,
		Method:            split.Method,
		ExternalReference: ref,
		Amount:            split.Amount,
	}
	if err := s.voids.EnqueueTenderVoid(ctx, job); err != nil {
		log.Error().Err(err).Str("split_id", split.ID.String()).Msg("settlement: could not queue tender void")
		s.alerts.Alert(ctx, "Tender void lost", fmt.Sprintf("Void of %s %s (ref %s) for sale %s must be done by hand.",
			split.Method, split.Amount.StringFixed(2), ref, sale.ID))
	}
}

// ── Cancel, void, reads ───────────────────────────────────────────────────────

func (s *settlementService) CancelOrder(_ context.Context, op Operator, orderID uuid.UUID) (*dto.CancelOrderResponse, error) {
	f, ok := s.flights.get(orderID)
	if !ok || f.venueID != op.VenueID {
		return nil, ErrNotInFlight
	}
	state, err := f.requestCancel()
	if err != nil {
		return nil, err
	}
	log.Info().Str("order_id", orderID.String()).Str("state", string(state)).Msg("settlement: cancellation requested")
	return &dto.CancelOrderResponse{OrderID: orderID.String(), State: string(state)}, nil
}

// VoidSale reverses a committed sale: stock returns, tab refunds, external
// tender voids. Cash refunds are attributed to the session named in req.
func (s *settlementService) VoidSale(ctx context.Context, op Operator, saleID uuid.UUID, req dto.VoidSaleRequest) (*dto.SaleResponse, error) {
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid session_id", ErrValidation)
	}
	ctx = context.WithoutCancel(ctx)

	sale, err := s.sales.FindByID(ctx, saleID)
	if err != nil {
		return nil, notFound(err)
	}
	if sale.VenueID != op.VenueID {
		return nil, ErrNotFound
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil || session.VenueID != op.VenueID {
		return nil, fmt.Errorf("%w: unknown cash session", ErrValidation)
	}

	switch sale.Status {
	case model.SaleStatusCommitted:
		err := s.sales.MarkVoided(ctx, saleID, sessionID, req.Reason)
		switch {
		case errors.Is(err, repository.ErrSessionNotOpen):
			return nil, ErrSessionClosed
		case errors.Is(err, repository.ErrStateMismatch):
			return nil, ErrInvalidState
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	case model.SaleStatusVoided:
		// Completes the reversal of a void that was interrupted.
	default:
		return nil, fmt.Errorf("%w: only committed sales can be voided", ErrInvalidState)
	}

	unlock := s.venues.lock(sale.VenueID)
	defer unlock()

	rev, err := s.reverse(ctx, sale, model.StockReasonReturn, model.TabReasonRefund)
	if err != nil {
		log.Error().Err(err).Str("sale_id", saleID.String()).Msg("settlement: void reversal incomplete")
		s.alerts.Alert(ctx, "Sale void incomplete", fmt.Sprintf("Sale %s was voided but its reversal failed: %v. Void it again to finish.", saleID, err))
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	for i := range sale.Tenders {
		split := &sale.Tenders[i]
		if split.Method.ViaProcessor() && split.Status == model.TenderApproved {
			s.voidSplit(ctx, sale, split)
		}
	}

	for _, m := range rev.stock {
		s.publish(ctx, broadcast.StockDelta(m))
	}
	for _, m := range rev.tab {
		s.publish(ctx, broadcast.TabDelta(m))
	}
	voided, err := s.sales.FindByID(ctx, saleID)
	if err != nil {
		return nil, notFound(err)
	}
	s.publish(ctx, broadcast.SaleVoidedDelta(voided, req.Reason))

	log.Info().
		Str("sale_id", saleID.String()).
		Str("session_id", sessionID.String()).
		Str("operator_id", op.ID).
		Str("reason", req.Reason).
		Msg("settlement: sale voided")
	resp := saleToResponse(voided)
	return &resp, nil
}

func (s *settlementService) GetSale(ctx context.Context, op Operator, saleID uuid.UUID) (*dto.SaleResponse, error) {
	sale, err := s.sales.FindByID(ctx, saleID)
	if err != nil {
		return nil, notFound(err)
	}
	if sale.VenueID != op.VenueID {
		return nil, ErrNotFound
	}
	if sale.Status == model.SaleStatusPending {
		f := &flight{saleID: sale.ID, venueID: sale.VenueID, sessionID: sale.CashSessionID, state: StateReceived}
		if s.flights.register(f) {
			s.recover(context.WithoutCancel(ctx), f, sale)
			s.flights.remove(sale.ID)
			if sale, err = s.sales.FindByID(ctx, saleID); err != nil {
				return nil, notFound(err)
			}
		}
	}
	resp := saleToResponse(sale)
	return &resp, nil
}

func (s *settlementService) ListSales(ctx context.Context, filter dto.SaleFilter) (*dto.SaleListResponse, error) {
	sales, total, err := s.sales.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	data := make([]dto.SaleResponse, 0, len(sales))
	for i := range sales {
		data = append(data, saleToResponse(&sales[i]))
	}
	return &dto.SaleListResponse{Data: data, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

func (s *settlementService) publish(ctx context.Context, d broadcast.LedgerDelta) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, d); err != nil {
		log.Warn().Err(err).Str("kind", string(d.Kind)).Str("venue_id", d.VenueID.String()).Msg("settlement: publish failed")
	}
}

// ── Results ───────────────────────────────────────────────────────────────────

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return ReasonInsufficientStock
	case errors.Is(err, ErrInsufficientBalance):
		return ReasonInsufficientBalance
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrLedgerFrozen):
		return ReasonLedgerFrozen
	case errors.Is(err, ErrTabClosed):
		return ReasonTabClosed
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonPersistence
	}
}

func inProgress(orderID uuid.UUID) *dto.SettlementResult {
	return &dto.SettlementResult{
		OrderID: orderID.String(),
		Kind:    dto.ResultConflict,
		Reason:  ReasonInProgress,
		Detail:  "order is already being settled",
	}
}

func unavailable(orderID uuid.UUID, err error) *dto.SettlementResult {
	log.Error().Err(err).Str("order_id", orderID.String()).Msg("settlement: unavailable")
	return &dto.SettlementResult{
		OrderID: orderID.String(),
		Kind:    dto.ResultUnavailable,
		Reason:  ReasonPersistence,
	}
}

func (s *settlementService) stored(ctx context.Context, id uuid.UUID) *dto.SettlementResult {
	sale, err := s.sales.FindByID(ctx, id)
	if err != nil {
		return unavailable(id, err)
	}
	return resultFromSale(sale)
}

// resultFromSale derives the terminal-visible result from a stored sale, so
// a retried order id always gets the same answer.
func resultFromSale(sale *model.Sale) *dto.SettlementResult {
	resp := saleToResponse(sale)
	res := &dto.SettlementResult{OrderID: sale.ID.String(), Sale: &resp}
	if sale.FailureReason != nil {
		res.Reason = *sale.FailureReason
	}
	if sale.FailureDetail != nil {
		res.Detail = *sale.FailureDetail
	}

	switch sale.Status {
	case model.SaleStatusCommitted, model.SaleStatusVoided:
		res.Kind = dto.ResultCommitted
	case model.SaleStatusPending:
		res.Kind = dto.ResultConflict
		res.Reason = ReasonInProgress
	default:
		switch {
		case sale.Outcome != nil && *sale.Outcome == OutcomeRejected:
			res.Kind = dto.ResultRejected
		case res.Reason == ReasonConflict:
			res.Kind = dto.ResultConflict
		case res.Reason == ReasonPersistence:
			res.Kind = dto.ResultUnavailable
		default:
			res.Kind = dto.ResultDeclined
		}
	}
	return res
}

func saleToResponse(s *model.Sale) dto.SaleResponse {
	resp := dto.SaleResponse{
		ID:            s.ID.String(),
		VenueID:       s.VenueID.String(),
		CashSessionID: s.CashSessionID.String(),
		OperatorID:    s.OperatorID,
		Total:         s.Total,
		Status:        s.Status,
		Outcome:       s.Outcome,
		FailureReason: s.FailureReason,
		CommitSeq:     s.CommitSeq,
		VoidReason:    s.VoidReason,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
		Items:         make([]dto.SaleItemResponse, 0, len(s.Items)),
		Tenders:       make([]dto.TenderSplitResponse, 0, len(s.Tenders)),
	}
	if s.CommittedAt != nil {
		v := s.CommittedAt.Format(time.RFC3339)
		resp.CommittedAt = &v
	}
	if s.VoidedAt != nil {
		v := s.VoidedAt.Format(time.RFC3339)
		resp.VoidedAt = &v
	}
	for _, it := range s.Items {
		resp.Items = append(resp.Items, dto.SaleItemResponse{
			ProductID: it.ProductID.String(),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Subtotal:  it.Subtotal,
		})
	}
	for _, t := range s.Tenders {
		split := dto.TenderSplitResponse{
			Position:          t.Position,
			Method:            string(t.Method),
			Amount:            t.Amount,
			Status:            t.Status,
			ExternalReference: t.ExternalReference,
			DeclineReason:     t.DeclineReason,
		}
		if t.TabID != nil {
			v := t.TabID.String()
			split.TabID = &v
		}
		resp.Tenders = append(resp.Tenders, split)
	}
	return resp
}
