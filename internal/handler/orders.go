package handler

import (
	"net/http"

	"comandapos/internal/dto"
	"comandapos/internal/service"

	"github.com/gin-gonic/gin"
)

type OrdersHandler struct{ svc service.SettlementService }

func NewOrdersHandler(svc service.SettlementService) *OrdersHandler {
	return &OrdersHandler{svc: svc}
}

// resultStatus maps a settlement result kind to its HTTP status.
func resultStatus(kind string) int {
	switch kind {
	case dto.ResultCommitted:
		return http.StatusCreated
	case dto.ResultRejected:
		return http.StatusUnprocessableEntity
	case dto.ResultUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

// SubmitOrder godoc
// @Summary      Submit an order for settlement
// @Description  Debits stock and tabs, charges external tenders and commits the sale atomically. Resubmitting the same order_id returns the recorded result.
// @Tags         orders
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body body dto.SubmitOrderRequest true "Cart and tender splits"
// @Success      201  {object} dto.SettlementResult
// @Failure      409  {object} dto.SettlementResult
// @Failure      422  {object} dto.SettlementResult
// @Failure      503  {object} dto.SettlementResult
// @Router       /v1/orders [post]
func (h *OrdersHandler) SubmitOrder(c *gin.Context) {
	var req dto.SubmitOrderRequest
	if !bindAndValidate(c, &req) {
		return
	}
	res, err := h.svc.SubmitOrder(c.Request.Context(), operator(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(resultStatus(res.Kind), res)
}

// CancelOrder godoc
// @Summary      Cancel an in-flight order
// @Description  Requests cancellation; honoured at the next checkpoint before commit.
// @Tags         orders
// @Produce      json
// @Security     BearerAuth
// @Param        id   path     string true "Order id"
// @Success      202  {object} dto.CancelOrderResponse
// @Failure      404  {object} apierror.APIError
// @Failure      409  {object} apierror.APIError
// @Router       /v1/orders/{id}/cancel [post]
func (h *OrdersHandler) CancelOrder(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	resp, err := h.svc.CancelOrder(c.Request.Context(), operator(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// GetOrder godoc
// @Summary      Get a sale by order id
// @Tags         orders
// @Produce      json
// @Security     BearerAuth
// @Param        id   path     string true "Order id"
// @Success      200  {object} dto.SaleResponse
// @Failure      404  {object} apierror.APIError
// @Router       /v1/orders/{id} [get]
func (h *OrdersHandler) GetOrder(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	resp, err := h.svc.GetSale(c.Request.Context(), operator(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListOrders godoc
// @Summary      List sales of the operator's venue
// @Tags         orders
// @Produce      json
// @Security     BearerAuth
// @Param        session_id query string false "Cash session"
// @Param        status     query string false "pending | committed | failed | voided | all"
// @Param        page       query int    false "Page"
// @Param        limit      query int    false "Page size"
// @Success      200  {object} dto.SaleListResponse
// @Router       /v1/orders [get]
func (h *OrdersHandler) ListOrders(c *gin.Context) {
	var filter dto.SaleFilter
	if !bindQuery(c, &filter) {
		return
	}
	filter.VenueID = operator(c).VenueID
	resp, err := h.svc.ListSales(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// VoidOrder godoc
// @Summary      Void a committed sale
// @Description  Returns stock, refunds tabs and voids external tenders. The refund is attributed to the given open session.
// @Tags         orders
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id   path     string              true "Order id"
// @Param        body body     dto.VoidSaleRequest true "Session and reason"
// @Success      200  {object} dto.SaleResponse
// @Failure      409  {object} apierror.APIError
// @Router       /v1/orders/{id}/void [post]
func (h *OrdersHandler) VoidOrder(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.VoidSaleRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := h.svc.VoidSale(c.Request.Context(), operator(c), id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
