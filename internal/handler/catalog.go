package handler

import (
	"net/http"

	"comandapos/internal/apierror"
	"comandapos/internal/dto"
	"comandapos/internal/model"
	"comandapos/internal/repository"
	"comandapos/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CatalogHandler serves the read-only product catalog terminals sync from,
// with the current stock level of each product.
type CatalogHandler struct {
	products repository.ProductRepository
	stock    service.StockLedger
}

func NewCatalogHandler(products repository.ProductRepository, stock service.StockLedger) *CatalogHandler {
	return &CatalogHandler{products: products, stock: stock}
}

// List godoc
// @Summary Active products of the operator's venue
// @Tags catalog
// @Produce json
// @Security BearerAuth
// @Success 200 {array} dto.ProductResponse
// @Router /v1/products [get]
func (h *CatalogHandler) List(c *gin.Context) {
	venueID := operator(c).VenueID
	products, err := h.products.ListByVenue(c.Request.Context(), venueID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]dto.ProductResponse, 0, len(products))
	for i := range products {
		out = append(out, h.toResponse(c, venueID, &products[i]))
	}
	c.JSON(http.StatusOK, out)
}

// ByBarcode godoc
// @Summary Product lookup by barcode
// @Tags catalog
// @Produce json
// @Security BearerAuth
// @Param barcode path string true "Barcode"
// @Success 200 {object} dto.ProductResponse
// @Failure 404 {object} apierror.APIError
// @Router /v1/products/barcode/{barcode} [get]
func (h *CatalogHandler) ByBarcode(c *gin.Context) {
	venueID := operator(c).VenueID
	p, err := h.products.FindByBarcode(c.Request.Context(), c.Param("barcode"))
	if err != nil || p.VenueID != venueID {
		c.JSON(http.StatusNotFound, apierror.WithReason("not_found", "product not found"))
		return
	}
	c.JSON(http.StatusOK, h.toResponse(c, venueID, p))
}

func (h *CatalogHandler) toResponse(c *gin.Context, venueID uuid.UUID, p *model.Product) dto.ProductResponse {
	resp := dto.ProductResponse{
		ID:        p.ID.String(),
		Name:      p.Name,
		UnitPrice: p.UnitPrice,
		Category:  p.Category,
		Barcode:   p.Barcode,
	}
	// Products never stocked have no level yet; stock is omitted.
	if level, err := h.stock.Level(c.Request.Context(), venueID, p.ID); err == nil {
		qty := level.Quantity
		resp.Stock = &qty
	}
	return resp
}
