package handler

import (
	"errors"
	"net/http"
	"reflect"

	"comandapos/internal/apierror"
	"comandapos/internal/middleware"
	"comandapos/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

func init() {
	// Register decimal.Decimal as a numeric type so that validator tags like
	// min=0, gt=0, required work on money fields.
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if v, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := v.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
}

// bindAndValidate binds JSON body and runs go-playground/validator tags.
// Returns false and writes the error response if validation fails;
// the caller should return immediately without writing another response.
func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.WithReason("validation", "invalid JSON: "+err.Error()))
		return false
	}
	return validateStruct(c, req)
}

// bindQuery binds and validates query-string filters.
func bindQuery(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindQuery(req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.WithReason("validation", "invalid query: "+err.Error()))
		return false
	}
	return validateStruct(c, req)
}

func validateStruct(c *gin.Context, req interface{}) bool {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			c.JSON(http.StatusUnprocessableEntity, apierror.WithReason("validation", err.Error()))
			return false
		}
		fields := make(map[string]string)
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		c.JSON(http.StatusUnprocessableEntity, apierror.NewValidation(fields))
		return false
	}
	return true
}

// operator builds the verified operator identity from the JWT claims.
func operator(c *gin.Context) service.Operator {
	claims := middleware.GetClaims(c)
	venueID, _ := uuid.Parse(claims.VenueID)
	return service.Operator{ID: claims.OperatorID, VenueID: venueID, Role: claims.Role}
}

// uuidParam parses a path parameter, writing a 400 when it is malformed.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.WithReason("validation", name+" must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

var errorStatus = []struct {
	err    error
	status int
	reason string
}{
	{service.ErrValidation, http.StatusUnprocessableEntity, "validation"},
	{service.ErrNotesRequired, http.StatusUnprocessableEntity, "notes_required"},
	{service.ErrNotFound, http.StatusNotFound, "not_found"},
	{service.ErrNotInFlight, http.StatusNotFound, "not_in_flight"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},
	{service.ErrInsufficientStock, http.StatusConflict, "insufficient_stock"},
	{service.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{service.ErrConflict, http.StatusConflict, "conflict"},
	{service.ErrLedgerFrozen, http.StatusConflict, "ledger_frozen"},
	{service.ErrSessionClosed, http.StatusConflict, "session_closed"},
	{service.ErrSessionBusy, http.StatusConflict, "session_busy"},
	{service.ErrSessionExists, http.StatusConflict, "session_exists"},
	{service.ErrTabClosed, http.StatusConflict, "tab_closed"},
	{service.ErrTabBalanceNotZero, http.StatusConflict, "tab_balance_not_zero"},
	{service.ErrCancelTooLate, http.StatusConflict, "cancel_too_late"},
	{service.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{service.ErrTenderUnavailable, http.StatusServiceUnavailable, "tender_unavailable"},
	{service.ErrPersistence, http.StatusServiceUnavailable, "persistence"},
}

// writeError maps service sentinels to status codes. Anything unknown is
// handed to the ErrorHandler middleware, which answers 500 without detail.
func writeError(c *gin.Context, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			c.JSON(e.status, apierror.WithReason(e.reason, err.Error()))
			return
		}
	}
	_ = c.Error(err)
}
