package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"comandapos/internal/infra"
	"comandapos/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatewayServer(t *testing.T, handler http.HandlerFunc) (TenderProcessor, *infra.CircuitBreaker) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cb := infra.NewCircuitBreaker("tender_gateway", infra.CircuitBreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour})
	return NewGatewayProcessor(infra.NewTenderGateway(srv.URL), cb), cb
}

func charge(method model.TenderMethod) ChargeRequest {
	return ChargeRequest{Method: method, Amount: decimal.RequireFromString("9.90"), ReferenceID: uuid.New()}
}

func TestGatewayProcessor_ApprovedAndDeclined(t *testing.T) {
	status := "approved"
	p, cb := gatewayServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(infra.ChargeResponse{Status: status, Reference: "gw-1", Reason: "do not honour"})
	})

	res, err := p.Charge(context.Background(), charge(model.TenderCard))
	require.NoError(t, err)
	assert.Equal(t, ChargeApproved, res.Outcome)
	assert.Equal(t, "gw-1", res.ExternalReference)

	status = "declined"
	for i := 0; i < 3; i++ {
		res, err = p.Charge(context.Background(), charge(model.TenderPix))
		require.NoError(t, err)
		assert.Equal(t, ChargeDeclined, res.Outcome)
		assert.Equal(t, "do not honour", res.Reason)
	}
	assert.Equal(t, infra.CBClosed, cb.State(), "declines never trip the breaker")
}

func TestGatewayProcessor_OutageOpensBreaker(t *testing.T) {
	p, cb := gatewayServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 2; i++ {
		_, err := p.Charge(context.Background(), charge(model.TenderCard))
		assert.ErrorIs(t, err, ErrTenderUnavailable)
	}
	assert.Equal(t, infra.CBOpen, cb.State())

	_, err := p.Charge(context.Background(), charge(model.TenderCard))
	assert.ErrorIs(t, err, ErrTenderUnavailable)
	assert.ErrorContains(t, err, "circuit open")
}

func TestGatewayProcessor_OnlySentChargesHaveUnknownOutcome(t *testing.T) {
	p, _ := gatewayServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := p.Charge(context.Background(), charge(model.TenderCard))
	assert.ErrorIs(t, err, ErrTenderUnavailable)
	assert.ErrorIs(t, err, ErrTenderOutcomeUnknown)

	_, err = p.Charge(context.Background(), charge(model.TenderCard))
	require.Error(t, err)

	// The open breaker refuses without contacting the gateway.
	_, err = p.Charge(context.Background(), charge(model.TenderCard))
	assert.ErrorIs(t, err, ErrTenderUnavailable)
	assert.NotErrorIs(t, err, ErrTenderOutcomeUnknown)
}

func TestTenderRouter_TimeoutBecomesOutcome(t *testing.T) {
	release := make(chan struct{})
	p, _ := gatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	router := NewTenderRouter(p, CashDrawer{})

	req := charge(model.TenderCard)
	req.Timeout = 20 * time.Millisecond
	res, err := router.Charge(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, ChargeTimeout, res.Outcome)
}

func TestTenderRouter_CashGoesToDrawer(t *testing.T) {
	router := NewTenderRouter(nil, CashDrawer{})
	req := charge(model.TenderCash)

	res, err := router.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ChargeApproved, res.Outcome)
	assert.Equal(t, "cash-"+req.ReferenceID.String(), res.ExternalReference)
	assert.NoError(t, router.Void(context.Background(), model.TenderCash, res.ExternalReference, req.Amount))

	_, err = router.Charge(context.Background(), charge(model.TenderCard))
	assert.ErrorIs(t, err, ErrTenderUnavailable, "no gateway configured")
	_, err = router.Charge(context.Background(), charge(model.TenderTabBalance))
	assert.ErrorIs(t, err, ErrTenderUnavailable)
}

func TestChargeOutcome_String(t *testing.T) {
	assert.Equal(t, "approved", ChargeApproved.String())
	assert.Equal(t, "declined", ChargeDeclined.String())
	assert.Equal(t, "timeout", ChargeTimeout.String())
	assert.Equal(t, "unknown", ChargeOutcome(0).String())
}
