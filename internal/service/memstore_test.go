package service

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"comandapos/internal/broadcast"
	"comandapos/internal/dto"
	"comandapos/internal/model"
	"comandapos/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ── In-memory repositories ────────────────────────────────────────────────────

// memStore backs every repository with maps guarded by one mutex. Writes
// follow the same compare-and-swap rules as the GORM repositories.
type memStore struct {
	mu sync.Mutex

	products   map[uuid.UUID]*model.Product
	levels     map[uuid.UUID]*model.StockLevel
	stockMoves []model.StockMovement
	tabs       map[uuid.UUID]*model.Tab
	tabMoves   []model.TabMovement
	sessions   map[uuid.UUID]*model.CashSession
	sales      map[uuid.UUID]*model.Sale

	// failCommit makes the next Sale commit fail like a lost database.
	failCommit error
	// failCatalog and failSession make the next catalog or session read fail.
	failCatalog error
	failSession error
}

func newMemStore() *memStore {
	return &memStore{
		products: make(map[uuid.UUID]*model.Product),
		levels:   make(map[uuid.UUID]*model.StockLevel),
		tabs:     make(map[uuid.UUID]*model.Tab),
		sessions: make(map[uuid.UUID]*model.CashSession),
		sales:    make(map[uuid.UUID]*model.Sale),
	}
}

func copySale(s *model.Sale) *model.Sale {
	c := *s
	c.Items = slices.Clone(s.Items)
	c.Tenders = slices.Clone(s.Tenders)
	sort.Slice(c.Tenders, func(i, j int) bool { return c.Tenders[i].Position < c.Tenders[j].Position })
	return &c
}

// ── Products ──────────────────────────────────────────────────────────────────

type memProducts struct{ s *memStore }

var _ repository.ProductRepository = memProducts{}

func (r memProducts) Create(_ context.Context, p *model.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	c := *p
	r.s.products[p.ID] = &c
	return nil
}

func (r memProducts) FindByID(_ context.Context, id uuid.UUID) (*model.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.products[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r memProducts) FindByBarcode(_ context.Context, barcode string) (*model.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.products {
		if p.Barcode != nil && *p.Barcode == barcode && p.Active {
			c := *p
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memProducts) FindByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failCatalog; err != nil {
		r.s.failCatalog = nil
		return nil, err
	}
	out := make(map[uuid.UUID]*model.Product, len(ids))
	for _, id := range ids {
		if p, ok := r.s.products[id]; ok {
			c := *p
			out[id] = &c
		}
	}
	return out, nil
}

func (r memProducts) ListByVenue(_ context.Context, venueID uuid.UUID) ([]model.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Product
	for _, p := range r.s.products {
		if p.VenueID == venueID && p.Active {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── Stock ─────────────────────────────────────────────────────────────────────

type memStock struct{ s *memStore }

var _ repository.StockRepository = memStock{}

func (r memStock) FindLevel(_ context.Context, productID uuid.UUID) (*model.StockLevel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.levels[productID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *l
	return &c, nil
}

func (r memStock) CreateLevel(_ context.Context, l *model.StockLevel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.levels[l.ProductID]; ok {
		return repository.ErrDuplicate
	}
	c := *l
	r.s.levels[l.ProductID] = &c
	return nil
}

func (r memStock) ListLevels(_ context.Context) ([]model.StockLevel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.StockLevel, 0, len(r.s.levels))
	for _, l := range r.s.levels {
		out = append(out, *l)
	}
	return out, nil
}

func (r memStock) AppendMovement(_ context.Context, expectedVersion int64, m *model.StockMovement, compensating bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.levels[m.ProductID]
	if !ok || l.Version != expectedVersion || (!compensating && l.Frozen) {
		return repository.ErrVersionConflict
	}
	l.Quantity = m.ResultingQuantity
	l.Version = m.Version
	l.UpdatedAt = time.Now().UTC()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now().UTC()
	r.s.stockMoves = append(r.s.stockMoves, *m)
	return nil
}

func (r memStock) LastMovement(_ context.Context, productID uuid.UUID) (*model.StockMovement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var last *model.StockMovement
	for i := range r.s.stockMoves {
		m := &r.s.stockMoves[i]
		if m.ProductID == productID && (last == nil || m.Version > last.Version) {
			last = m
		}
	}
	if last == nil {
		return nil, repository.ErrNotFound
	}
	c := *last
	return &c, nil
}

func (r memStock) ListMovements(_ context.Context, f repository.StockMovementFilter) ([]model.StockMovement, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.StockMovement
	for _, m := range r.s.stockMoves {
		if m.ProductID == f.ProductID && (f.Reason == "" || m.Reason == f.Reason) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	total := int64(len(out))
	offset, limit := repository.Page(f.Page, f.Limit)
	if offset >= len(out) {
		return nil, total, nil
	}
	return out[offset:min(offset+limit, len(out))], total, nil
}

func (r memStock) MovementsByReference(_ context.Context, referenceID uuid.UUID) ([]model.StockMovement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.StockMovement
	for _, m := range r.s.stockMoves {
		if m.ReferenceID == referenceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r memStock) SumDeltas(_ context.Context, productID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.sumStock(productID), nil
}

func (s *memStore) sumStock(productID uuid.UUID) int {
	sum := 0
	for _, m := range s.stockMoves {
		if m.ProductID == productID {
			sum += m.Delta
		}
	}
	return sum
}

func (r memStock) Freeze(_ context.Context, productID uuid.UUID, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l, ok := r.s.levels[productID]; ok {
		l.Frozen = true
		l.FrozenReason = &reason
	}
	return nil
}

func (r memStock) Rebuild(_ context.Context, productID, referenceID uuid.UUID, note string) (*model.StockLevel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.levels[productID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	sum := r.s.sumStock(productID)
	l.Quantity = sum
	l.Version++
	l.Frozen = false
	l.FrozenReason = nil
	r.s.stockMoves = append(r.s.stockMoves, model.StockMovement{
		ID: uuid.New(), ProductID: productID, VenueID: l.VenueID,
		Reason: model.StockReasonManualAdjustment, ReferenceID: referenceID, Note: &note,
		ResultingQuantity: sum, Version: l.Version, CreatedAt: time.Now().UTC(),
	})
	c := *l
	return &c, nil
}

// ── Tabs ──────────────────────────────────────────────────────────────────────

type memTabs struct{ s *memStore }

var _ repository.TabRepository = memTabs{}

func (r memTabs) Create(_ context.Context, t *model.Tab) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.tabs {
		if o.VenueID == t.VenueID && o.Number == t.Number && o.Status == model.TabOpen {
			return repository.ErrDuplicate
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	c := *t
	r.s.tabs[t.ID] = &c
	return nil
}

func (r memTabs) FindByID(_ context.Context, id uuid.UUID) (*model.Tab, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tabs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (r memTabs) FindOpenByNumber(_ context.Context, venueID uuid.UUID, number int) (*model.Tab, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tabs {
		if t.VenueID == venueID && t.Number == number && t.Status == model.TabOpen {
			c := *t
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memTabs) ListAll(_ context.Context) ([]model.Tab, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Tab, 0, len(r.s.tabs))
	for _, t := range r.s.tabs {
		out = append(out, *t)
	}
	return out, nil
}

func (r memTabs) AppendMovement(_ context.Context, expectedVersion int64, m *model.TabMovement, compensating bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tabs[m.TabID]
	if !ok || t.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	if !compensating && (t.Frozen || t.Status != model.TabOpen) {
		return repository.ErrVersionConflict
	}
	t.Balance = m.ResultingBalance
	t.Version = m.Version
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now().UTC()
	r.s.tabMoves = append(r.s.tabMoves, *m)
	return nil
}

func (r memTabs) LastMovement(_ context.Context, tabID uuid.UUID) (*model.TabMovement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var last *model.TabMovement
	for i := range r.s.tabMoves {
		m := &r.s.tabMoves[i]
		if m.TabID == tabID && (last == nil || m.Version > last.Version) {
			last = m
		}
	}
	if last == nil {
		return nil, repository.ErrNotFound
	}
	c := *last
	return &c, nil
}

func (r memTabs) ListMovements(_ context.Context, tabID uuid.UUID, page, limit int) ([]model.TabMovement, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.TabMovement
	for _, m := range r.s.tabMoves {
		if m.TabID == tabID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	total := int64(len(out))
	offset, size := repository.Page(page, limit)
	if offset >= len(out) {
		return nil, total, nil
	}
	return out[offset:min(offset+size, len(out))], total, nil
}

func (r memTabs) MovementsByReference(_ context.Context, referenceID uuid.UUID) ([]model.TabMovement, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.TabMovement
	for _, m := range r.s.tabMoves {
		if m.ReferenceID == referenceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r memTabs) SumDeltas(_ context.Context, tabID uuid.UUID) (decimal.Decimal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.sumTab(tabID), nil
}

func (s *memStore) sumTab(tabID uuid.UUID) decimal.Decimal {
	sum := decimal.Zero
	for _, m := range s.tabMoves {
		if m.TabID == tabID {
			sum = sum.Add(m.Delta)
		}
	}
	return sum
}

func (r memTabs) Close(_ context.Context, tabID uuid.UUID, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tabs[tabID]
	if !ok || t.Version != expectedVersion || t.Status != model.TabOpen {
		return repository.ErrVersionConflict
	}
	now := time.Now().UTC()
	t.Status = model.TabClosed
	t.ClosedAt = &now
	t.Version++
	return nil
}

func (r memTabs) Freeze(_ context.Context, tabID uuid.UUID, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t, ok := r.s.tabs[tabID]; ok {
		t.Frozen = true
		t.FrozenReason = &reason
	}
	return nil
}

func (r memTabs) Rebuild(_ context.Context, tabID, referenceID uuid.UUID) (*model.Tab, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tabs[tabID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	sum := r.s.sumTab(tabID)
	t.Balance = sum
	t.Version++
	t.Frozen = false
	t.FrozenReason = nil
	r.s.tabMoves = append(r.s.tabMoves, model.TabMovement{
		ID: uuid.New(), TabID: tabID, VenueID: t.VenueID, Delta: decimal.Zero,
		Reason: model.TabReasonReconcile, ReferenceID: referenceID,
		ResultingBalance: sum, Version: t.Version, CreatedAt: time.Now().UTC(),
	})
	c := *t
	return &c, nil
}

// ── Cash sessions ─────────────────────────────────────────────────────────────

type memSessions struct{ s *memStore }

var _ repository.CashSessionRepository = memSessions{}

func (r memSessions) Create(_ context.Context, cs *model.CashSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.sessions {
		if o.VenueID == cs.VenueID && o.Register == cs.Register && o.Status == model.SessionOpen {
			return repository.ErrDuplicate
		}
	}
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	c := *cs
	r.s.sessions[cs.ID] = &c
	return nil
}

func (r memSessions) FindByID(_ context.Context, id uuid.UUID) (*model.CashSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failSession; err != nil {
		r.s.failSession = nil
		return nil, err
	}
	cs, ok := r.s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *cs
	return &c, nil
}

func (r memSessions) FindOpenByRegister(_ context.Context, venueID uuid.UUID, register int) (*model.CashSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cs := range r.s.sessions {
		if cs.VenueID == venueID && cs.Register == register && cs.Status == model.SessionOpen {
			c := *cs
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memSessions) Close(_ context.Context, cs *model.CashSession, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.sessions[cs.ID]
	if !ok || stored.Version != expectedVersion || stored.Status != model.SessionOpen {
		return repository.ErrVersionConflict
	}
	now := time.Now().UTC()
	cs.Status = model.SessionClosed
	cs.ClosedAt = &now
	cs.Version = expectedVersion + 1
	c := *cs
	r.s.sessions[cs.ID] = &c
	return nil
}

// ── Sales ─────────────────────────────────────────────────────────────────────

type memSales struct{ s *memStore }

var _ repository.SaleRepository = memSales{}

func (r memSales) Create(_ context.Context, sale *model.Sale) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sales[sale.ID]; ok {
		return repository.ErrDuplicate
	}
	for i := range sale.Items {
		if sale.Items[i].ID == uuid.Nil {
			sale.Items[i].ID = uuid.New()
		}
		sale.Items[i].SaleID = sale.ID
	}
	for i := range sale.Tenders {
		if sale.Tenders[i].ID == uuid.Nil {
			sale.Tenders[i].ID = uuid.New()
		}
		sale.Tenders[i].SaleID = sale.ID
	}
	r.s.sales[sale.ID] = copySale(sale)
	return nil
}

func (r memSales) FindByID(_ context.Context, id uuid.UUID) (*model.Sale, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sale, ok := r.s.sales[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySale(sale), nil
}

func (r memSales) split(id uuid.UUID) *model.TenderSplit {
	for _, sale := range r.s.sales {
		for i := range sale.Tenders {
			if sale.Tenders[i].ID == id {
				return &sale.Tenders[i]
			}
		}
	}
	return nil
}

func (r memSales) UpdateTender(_ context.Context, t *model.TenderSplit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sp := r.split(t.ID); sp != nil {
		sp.Status = t.Status
		sp.ExternalReference = t.ExternalReference
		sp.DeclineReason = t.DeclineReason
	}
	return nil
}

func (r memSales) MarkTenderVoided(_ context.Context, splitID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sp := r.split(splitID); sp != nil && sp.Status == model.TenderVoidFailed {
		sp.Status = model.TenderVoided
	}
	return nil
}

func (r memSales) MarkFailed(_ context.Context, id uuid.UUID, outcome, reason, detail string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sale, ok := r.s.sales[id]
	if !ok || sale.Status != model.SaleStatusPending {
		return repository.ErrStateMismatch
	}
	sale.Status = model.SaleStatusFailed
	sale.Outcome = &outcome
	sale.FailureReason = &reason
	sale.FailureDetail = nil
	if detail != "" {
		sale.FailureDetail = &detail
	}
	return nil
}

func (s *memStore) touchOpenSession(id uuid.UUID) error {
	cs, ok := s.sessions[id]
	if !ok || cs.Status != model.SessionOpen {
		return repository.ErrSessionNotOpen
	}
	cs.Version++
	return nil
}

func (r memSales) Commit(_ context.Context, sale *model.Sale) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failCommit; err != nil {
		r.s.failCommit = nil
		return err
	}
	if err := r.s.touchOpenSession(sale.CashSessionID); err != nil {
		return err
	}
	stored, ok := r.s.sales[sale.ID]
	if !ok || stored.Status != model.SaleStatusPending {
		return repository.ErrStateMismatch
	}
	var seq int64
	for _, o := range r.s.sales {
		if o.VenueID == sale.VenueID && o.CommitSeq != nil && *o.CommitSeq > seq {
			seq = *o.CommitSeq
		}
	}
	seq++
	now := time.Now().UTC()
	outcome := model.SaleStatusCommitted
	stored.Status = model.SaleStatusCommitted
	stored.Outcome = &outcome
	stored.CommitSeq = &seq
	stored.CommittedAt = &now

	sale.Status = stored.Status
	sale.Outcome = stored.Outcome
	sale.CommitSeq = stored.CommitSeq
	sale.CommittedAt = stored.CommittedAt
	return nil
}

func (r memSales) Reopen(_ context.Context, id uuid.UUID, retryable []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sale, ok := r.s.sales[id]
	if !ok || sale.Status != model.SaleStatusFailed || sale.FailureReason == nil || !slices.Contains(retryable, *sale.FailureReason) {
		return repository.ErrStateMismatch
	}
	sale.Status = model.SaleStatusPending
	sale.Outcome = nil
	sale.FailureReason = nil
	sale.FailureDetail = nil
	for i := range sale.Tenders {
		sale.Tenders[i].Status = model.TenderPending
		sale.Tenders[i].ExternalReference = nil
		sale.Tenders[i].DeclineReason = nil
	}
	return nil
}

func (r memSales) MarkVoided(_ context.Context, id, voidSessionID uuid.UUID, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.touchOpenSession(voidSessionID); err != nil {
		return err
	}
	sale, ok := r.s.sales[id]
	if !ok || sale.Status != model.SaleStatusCommitted {
		return repository.ErrStateMismatch
	}
	now := time.Now().UTC()
	sale.Status = model.SaleStatusVoided
	sale.VoidedAt = &now
	sale.VoidReason = &reason
	sale.VoidSessionID = &voidSessionID
	return nil
}

func (r memSales) ListPending(_ context.Context) ([]model.Sale, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Sale
	for _, sale := range r.s.sales {
		if sale.Status == model.SaleStatusPending {
			out = append(out, *copySale(sale))
		}
	}
	return out, nil
}

func (r memSales) List(_ context.Context, f dto.SaleFilter) ([]model.Sale, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Sale
	for _, sale := range r.s.sales {
		if sale.VenueID != f.VenueID {
			continue
		}
		if f.Status != "" && f.Status != "all" && sale.Status != f.Status {
			continue
		}
		if f.SessionID != "" && sale.CashSessionID.String() != f.SessionID {
			continue
		}
		out = append(out, *copySale(sale))
	}
	return out, int64(len(out)), nil
}

func (r memSales) SessionTotals(_ context.Context, sessionID uuid.UUID) (*repository.SessionTotals, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := &repository.SessionTotals{
		ByMethod: map[model.TenderMethod]decimal.Decimal{},
		Refunds:  map[model.TenderMethod]decimal.Decimal{},
	}
	for _, sale := range r.s.sales {
		settled := sale.Status == model.SaleStatusCommitted || sale.Status == model.SaleStatusVoided
		if sale.CashSessionID == sessionID && settled {
			out.SaleCount++
			for _, t := range sale.Tenders {
				out.ByMethod[t.Method] = out.ByMethod[t.Method].Add(t.Amount)
			}
		}
		if sale.Status == model.SaleStatusVoided && sale.VoidSessionID != nil && *sale.VoidSessionID == sessionID {
			out.VoidedCount++
			for _, t := range sale.Tenders {
				out.Refunds[t.Method] = out.Refunds[t.Method].Add(t.Amount)
			}
		}
	}
	return out, nil
}

// ── Collaborators ─────────────────────────────────────────────────────────────

// fakeTenders answers charges per method. A method missing from outcomes is
// approved. When gate is set every charge waits on it first.
type fakeTenders struct {
	mu       sync.Mutex
	outcomes map[model.TenderMethod]ChargeOutcome
	err      error
	voidErr  error
	gate     chan struct{}
	started  chan struct{}
	charges  []ChargeRequest
	voids    []string
}

func (f *fakeTenders) Charge(ctx context.Context, req ChargeRequest) (TenderResult, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges = append(f.charges, req)
	if f.err != nil {
		return TenderResult{}, f.err
	}
	switch f.outcomes[req.Method] {
	case ChargeDeclined:
		return TenderResult{Outcome: ChargeDeclined, Reason: "insufficient funds"}, nil
	case ChargeTimeout:
		return TenderResult{Outcome: ChargeTimeout, Reason: "processor did not answer in time"}, nil
	}
	return TenderResult{Outcome: ChargeApproved, ExternalReference: "ext-" + req.ReferenceID.String()}, nil
}

func (f *fakeTenders) Void(_ context.Context, _ model.TenderMethod, ref string, _ decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voids = append(f.voids, ref)
	return f.voidErr
}

func (f *fakeTenders) chargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.charges)
}

type recordingPublisher struct {
	mu     sync.Mutex
	deltas []broadcast.LedgerDelta
}

func (p *recordingPublisher) Publish(_ context.Context, d broadcast.LedgerDelta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, d)
	return nil
}

func (p *recordingPublisher) kinds() []broadcast.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broadcast.Kind, 0, len(p.deltas))
	for _, d := range p.deltas {
		out = append(out, d.Kind)
	}
	return out
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(_ context.Context, subject, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subjects)
}

func (a *recordingAlerter) sent(subject string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type recordingVoidQueue struct {
	mu   sync.Mutex
	jobs []TenderVoidJob
}

func (q *recordingVoidQueue) EnqueueTenderVoid(_ context.Context, job TenderVoidJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

// decodePayload unmarshals a delta payload for assertions.
func decodePayload[T any](d broadcast.LedgerDelta) T {
	var v T
	_ = json.Unmarshal(d.Payload, &v)
	return v
}
