package handler

import (
	"net/http"

	"comandapos/internal/dto"
	"comandapos/internal/service"

	"github.com/gin-gonic/gin"
)

type StockHandler struct{ ledger service.StockLedger }

func NewStockHandler(ledger service.StockLedger) *StockHandler {
	return &StockHandler{ledger: ledger}
}

// Adjust godoc
// @Summary      Manual stock adjustment
// @Description  Appends a manual_adjustment movement. Taking the level below zero is allowed and flags the movement.
// @Tags         stock
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        product_id path string true "Product id"
// @Param        body body dto.StockAdjustmentRequest true "Signed delta and reason"
// @Success      201  {object} dto.StockMovementResponse
// @Failure      409  {object} apierror.APIError
// @Router       /v1/stock/{product_id}/adjustments [post]
func (h *StockHandler) Adjust(c *gin.Context) {
	productID, ok := uuidParam(c, "product_id")
	if !ok {
		return
	}
	var req dto.StockAdjustmentRequest
	if !bindAndValidate(c, &req) {
		return
	}
	op := operator(c)
	resp, err := h.ledger.ManualAdjustment(c.Request.Context(), op.VenueID, productID, op.ID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Level godoc
// @Summary      Current stock level
// @Tags         stock
// @Produce      json
// @Security     BearerAuth
// @Param        product_id path string true "Product id"
// @Success      200  {object} dto.StockLevelResponse
// @Failure      404  {object} apierror.APIError
// @Router       /v1/stock/{product_id} [get]
func (h *StockHandler) Level(c *gin.Context) {
	productID, ok := uuidParam(c, "product_id")
	if !ok {
		return
	}
	resp, err := h.ledger.Level(c.Request.Context(), operator(c).VenueID, productID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Movements godoc
// @Summary      Stock movement history, newest first
// @Tags         stock
// @Produce      json
// @Security     BearerAuth
// @Param        product_id path  string true  "Product id"
// @Param        reason     query string false "Movement reason"
// @Param        page       query int    false "Page"
// @Param        limit      query int    false "Page size"
// @Success      200  {object} dto.StockMovementListResponse
// @Router       /v1/stock/{product_id}/movements [get]
func (h *StockHandler) Movements(c *gin.Context) {
	productID, ok := uuidParam(c, "product_id")
	if !ok {
		return
	}
	var filter dto.MovementFilter
	if !bindQuery(c, &filter) {
		return
	}
	resp, err := h.ledger.Movements(c.Request.Context(), operator(c).VenueID, productID, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Reconcile godoc
// @Summary      Rebuild a stock level from its movements and unfreeze it
// @Tags         stock
// @Produce      json
// @Security     BearerAuth
// @Param        product_id path string true "Product id"
// @Success      200  {object} dto.StockLevelResponse
// @Router       /v1/stock/{product_id}/reconcile [post]
func (h *StockHandler) Reconcile(c *gin.Context) {
	productID, ok := uuidParam(c, "product_id")
	if !ok {
		return
	}
	op := operator(c)
	resp, err := h.ledger.Reconcile(c.Request.Context(), op.VenueID, productID, op.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
