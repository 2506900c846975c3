package handler

import (
	"net/http"

	"comandapos/internal/dto"
	"comandapos/internal/service"

	"github.com/gin-gonic/gin"
)

type TabsHandler struct{ ledger service.TabLedger }

func NewTabsHandler(ledger service.TabLedger) *TabsHandler {
	return &TabsHandler{ledger: ledger}
}

// Open godoc
// @Summary Open a tab (comanda)
// @Tags tabs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body dto.OpenTabRequest true "Tab number and holder"
// @Success 201 {object} dto.TabResponse
// @Failure 409 {object} apierror.APIError
// @Router /v1/tabs [post]
func (h *TabsHandler) Open(c *gin.Context) {
	var req dto.OpenTabRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := h.ledger.Open(c.Request.Context(), operator(c).VenueID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// TopUp godoc
// @Summary Credit a tab, opening it if the number is free
// @Tags tabs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body dto.TopUpRequest true "Tab number and amount"
// @Success 200 {object} dto.TabResponse
// @Router /v1/tabs/topup [post]
func (h *TabsHandler) TopUp(c *gin.Context) {
	var req dto.TopUpRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := h.ledger.TopUp(c.Request.Context(), operator(c).VenueID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Get godoc
// @Summary Get a tab with its balance
// @Tags tabs
// @Produce json
// @Security BearerAuth
// @Param id path string true "Tab id"
// @Success 200 {object} dto.TabResponse
// @Failure 404 {object} apierror.APIError
// @Router /v1/tabs/{id} [get]
func (h *TabsHandler) Get(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	resp, err := h.ledger.Get(c.Request.Context(), operator(c).VenueID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Movements godoc
// @Summary Tab movement history, newest first
// @Tags tabs
// @Produce json
// @Security BearerAuth
// @Param id    path  string true  "Tab id"
// @Param page  query int    false "Page"
// @Param limit query int    false "Page size"
// @Success 200 {object} dto.TabMovementListResponse
// @Router /v1/tabs/{id}/movements [get]
func (h *TabsHandler) Movements(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var filter dto.MovementFilter
	if !bindQuery(c, &filter) {
		return
	}
	resp, err := h.ledger.Movements(c.Request.Context(), operator(c).VenueID, id, filter.Page, filter.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Close godoc
// @Summary Close a settled tab
// @Tags tabs
// @Produce json
// @Security BearerAuth
// @Param id path string true "Tab id"
// @Success 200 {object} dto.TabResponse
// @Failure 409 {object} apierror.APIError
// @Router /v1/tabs/{id}/close [post]
func (h *TabsHandler) Close(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	resp, err := h.ledger.Close(c.Request.Context(), operator(c).VenueID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Reconcile godoc
// @Summary Rebuild a tab balance from its movements and unfreeze it
// @Tags tabs
// @Produce json
// @Security BearerAuth
// @Param id path string true "Tab id"
// @Success 200 {object} dto.TabResponse
// @Router /v1/tabs/{id}/reconcile [post]
func (h *TabsHandler) Reconcile(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	op := operator(c)
	resp, err := h.ledger.Reconcile(c.Request.Context(), op.VenueID, id, op.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
