package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"comandapos/internal/broadcast"
	"comandapos/internal/dto"
	"comandapos/internal/middleware"
	"comandapos/internal/model"
	"comandapos/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "handler-secret"

func init() { gin.SetMode(gin.TestMode) }

// ── Stub settlement service ───────────────────────────────────────────────────

type stubSettlement struct {
	result    *dto.SettlementResult
	err       error
	gotOp     service.Operator
	gotFilter dto.SaleFilter
}

func (s *stubSettlement) SubmitOrder(_ context.Context, op service.Operator, req dto.SubmitOrderRequest) (*dto.SettlementResult, error) {
	s.gotOp = op
	if s.err != nil {
		return nil, s.err
	}
	res := *s.result
	res.OrderID = req.OrderID
	return &res, nil
}

func (s *stubSettlement) CancelOrder(_ context.Context, _ service.Operator, id uuid.UUID) (*dto.CancelOrderResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dto.CancelOrderResponse{OrderID: id.String(), State: "cancel_requested"}, nil
}

func (s *stubSettlement) VoidSale(context.Context, service.Operator, uuid.UUID, dto.VoidSaleRequest) (*dto.SaleResponse, error) {
	return nil, s.err
}

func (s *stubSettlement) GetSale(_ context.Context, _ service.Operator, id uuid.UUID) (*dto.SaleResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dto.SaleResponse{ID: id.String(), Status: model.SaleStatusCommitted}, nil
}

func (s *stubSettlement) ListSales(_ context.Context, filter dto.SaleFilter) (*dto.SaleListResponse, error) {
	s.gotFilter = filter
	return &dto.SaleListResponse{Page: filter.Page, Limit: filter.Limit}, nil
}

func (s *stubSettlement) RecoverPending(context.Context) (int, error) { return 0, nil }
func (s *stubSettlement) InFlight(uuid.UUID) int                      { return 0 }

// ── Helpers ───────────────────────────────────────────────────────────────────

func ordersRouter(svc service.SettlementService) *gin.Engine {
	r := gin.New()
	r.Use(middleware.ErrorHandler())
	h := NewOrdersHandler(svc)
	v1 := r.Group("/v1", middleware.JWTAuth(testSecret))
	v1.POST("/orders", h.SubmitOrder)
	v1.GET("/orders", h.ListOrders)
	v1.GET("/orders/:id", h.GetOrder)
	v1.POST("/orders/:id/cancel", h.CancelOrder)
	v1.POST("/orders/:id/void", h.VoidOrder)
	return r
}

func token(t *testing.T, venue uuid.UUID) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, "op-1", venue, middleware.RoleCashier, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(r http.Handler, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validOrder() dto.SubmitOrderRequest {
	return dto.SubmitOrderRequest{
		OrderID:   uuid.NewString(),
		SessionID: uuid.NewString(),
		Items:     []dto.OrderItemRequest{{ProductID: uuid.NewString(), Quantity: 1}},
		Tenders:   []dto.TenderSplitRequest{{Method: "cash", Amount: decimal.NewFromInt(5)}},
	}
}

// ── Orders ────────────────────────────────────────────────────────────────────

func TestSubmitOrder_ResultKindsMapToStatus(t *testing.T) {
	cases := []struct {
		kind   string
		status int
	}{
		{dto.ResultCommitted, http.StatusCreated},
		{dto.ResultDeclined, http.StatusConflict},
		{dto.ResultConflict, http.StatusConflict},
		{dto.ResultRejected, http.StatusUnprocessableEntity},
		{dto.ResultUnavailable, http.StatusServiceUnavailable},
	}
	venue := uuid.New()
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			svc := &stubSettlement{result: &dto.SettlementResult{Kind: tc.kind}}
			order := validOrder()

			w := do(ordersRouter(svc), http.MethodPost, "/v1/orders", token(t, venue), order)

			assert.Equal(t, tc.status, w.Code)
			var res dto.SettlementResult
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			assert.Equal(t, tc.kind, res.Kind)
			assert.Equal(t, order.OrderID, res.OrderID)
		})
	}
}

func TestSubmitOrder_OperatorComesFromToken(t *testing.T) {
	venue := uuid.New()
	svc := &stubSettlement{result: &dto.SettlementResult{Kind: dto.ResultCommitted}}

	do(ordersRouter(svc), http.MethodPost, "/v1/orders", token(t, venue), validOrder())

	assert.Equal(t, venue, svc.gotOp.VenueID)
	assert.Equal(t, "op-1", svc.gotOp.ID)
	assert.Equal(t, middleware.RoleCashier, svc.gotOp.Role)
}

func TestSubmitOrder_ShapeValidation(t *testing.T) {
	venue := uuid.New()
	svc := &stubSettlement{result: &dto.SettlementResult{Kind: dto.ResultCommitted}}
	r := ordersRouter(svc)

	noItems := validOrder()
	noItems.Items = nil
	w := do(r, http.MethodPost, "/v1/orders", token(t, venue), noItems)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "Items")

	badID := validOrder()
	badID.OrderID = "order-1"
	w = do(r, http.MethodPost, "/v1/orders", token(t, venue), badID)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "OrderID")

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, venue))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrders_ServiceErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		reason string
	}{
		{service.ErrSessionClosed, http.StatusConflict, "session_closed"},
		{service.ErrNotFound, http.StatusNotFound, "not_found"},
		{service.ErrNotInFlight, http.StatusNotFound, "not_in_flight"},
		{service.ErrCancelTooLate, http.StatusConflict, "cancel_too_late"},
		{service.ErrPersistence, http.StatusServiceUnavailable, "persistence"},
	}
	venue := uuid.New()
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			svc := &stubSettlement{err: tc.err}
			w := do(ordersRouter(svc), http.MethodPost, "/v1/orders/"+uuid.NewString()+"/cancel", token(t, venue), nil)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), `"reason":"`+tc.reason+`"`)
		})
	}
}

func TestOrders_UnknownErrorIsOpaque500(t *testing.T) {
	svc := &stubSettlement{err: errors.New("pq: connection reset by peer")}

	w := do(ordersRouter(svc), http.MethodGet, "/v1/orders/"+uuid.NewString(), token(t, uuid.New()), nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestOrders_MalformedIDIs400(t *testing.T) {
	w := do(ordersRouter(&stubSettlement{}), http.MethodGet, "/v1/orders/not-a-uuid", token(t, uuid.New()), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOrders_DefaultsAndVenueScope(t *testing.T) {
	venue := uuid.New()
	svc := &stubSettlement{}
	r := ordersRouter(svc)

	w := do(r, http.MethodGet, "/v1/orders", token(t, venue), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, venue, svc.gotFilter.VenueID)
	assert.Equal(t, 1, svc.gotFilter.Page)
	assert.Equal(t, 50, svc.gotFilter.Limit)
	assert.Equal(t, "all", svc.gotFilter.Status)

	w = do(r, http.MethodGet, "/v1/orders?status=open", token(t, venue), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestVoidOrder_RequiresReason(t *testing.T) {
	w := do(ordersRouter(&stubSettlement{}), http.MethodPost, "/v1/orders/"+uuid.NewString()+"/void",
		token(t, uuid.New()), dto.VoidSaleRequest{SessionID: uuid.NewString(), Reason: "no"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// ── Events ────────────────────────────────────────────────────────────────────

func eventsServer(t *testing.T, hub *broadcast.Hub) *httptest.Server {
	t.Helper()
	r := gin.New()
	h := NewEventsHandler(hub)
	r.GET("/v1/venues/:venue_id/events", middleware.JWTAuth(testSecret), h.Subscribe)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestEvents_OtherVenueIsForbidden(t *testing.T) {
	srv := eventsServer(t, broadcast.NewHub(broadcast.HubConfig{}))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/venues/"+uuid.NewString()+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, uuid.New()))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEvents_StreamsVenueDeltas(t *testing.T) {
	venue := uuid.New()
	hub := broadcast.NewHub(broadcast.HubConfig{})
	srv := eventsServer(t, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := srv.URL + "/v1/venues/" + venue.String() + "/events?access_token=" + token(t, venue)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)

	// Headers are flushed with the first event, so publish once attached.
	go func() {
		for hub.Subscribers(venue) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		session := &model.CashSession{ID: uuid.New(), VenueID: venue, Register: 1, Status: model.SessionOpen}
		_ = hub.Publish(ctx, broadcast.SessionDelta(session))
	}()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimPrefix(line, "event:")
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	assert.Equal(t, string(broadcast.KindSessionOpened), event)

	var d broadcast.LedgerDelta
	require.NoError(t, json.Unmarshal([]byte(data), &d))
	assert.Equal(t, uint64(1), d.Seq)
	assert.Equal(t, venue, d.VenueID)
}
