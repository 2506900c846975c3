package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comandapos/internal/infra"
	"comandapos/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ChargeOutcome is the answer of an external tender processor.
type ChargeOutcome int

const (
	ChargeApproved ChargeOutcome = iota + 1
	ChargeDeclined
	ChargeTimeout
)

func (o ChargeOutcome) String() string {
	switch o {
	case ChargeApproved:
		return "approved"
	case ChargeDeclined:
		return "declined"
	case ChargeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type ChargeRequest struct {
	Method      model.TenderMethod
	Amount      decimal.Decimal
	ReferenceID uuid.UUID
	Timeout     time.Duration
}

type TenderResult struct {
	Outcome           ChargeOutcome
	ExternalReference string
	Reason            string
}

// TenderProcessor settles card, PIX and cash splits. Declines are never
// retried automatically. A non-nil error means the processor could not be
// reached; the caller treats it as unavailable.
type TenderProcessor interface {
	Charge(ctx context.Context, req ChargeRequest) (TenderResult, error)
	Void(ctx context.Context, method model.TenderMethod, externalRef string, amount decimal.Decimal) error
}

// ── Router ────────────────────────────────────────────────────────────────────

// TenderRouter dispatches each method to its processor and enforces the
// per-charge timeout.
type TenderRouter struct {
	processors map[model.TenderMethod]TenderProcessor
}

// NewTenderRouter routes card and PIX to gateway and cash to drawer.
func NewTenderRouter(gateway, drawer TenderProcessor) *TenderRouter {
	return &TenderRouter{processors: map[model.TenderMethod]TenderProcessor{
		model.TenderCard: gateway,
		model.TenderPix:  gateway,
		model.TenderCash: drawer,
	}}
}

func (r *TenderRouter) processor(method model.TenderMethod) (TenderProcessor, error) {
	p, ok := r.processors[method]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: no processor for %q", ErrTenderUnavailable, method)
	}
	return p, nil
}

func (r *TenderRouter) Charge(ctx context.Context, req ChargeRequest) (TenderResult, error) {
	p, err := r.processor(req.Method)
	if err != nil {
		return TenderResult{}, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	res, err := p.Charge(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return TenderResult{Outcome: ChargeTimeout, Reason: "processor did not answer in time"}, nil
	}
	return res, err
}

func (r *TenderRouter) Void(ctx context.Context, method model.TenderMethod, externalRef string, amount decimal.Decimal) error {
	p, err := r.processor(method)
	if err != nil {
		return err
	}
	return p.Void(ctx, method, externalRef, amount)
}

// ── Gateway ───────────────────────────────────────────────────────────────────

// gatewayProcessor adapts the HTTP tender gateway behind a circuit breaker.
// Declines are answers, not failures, so they never trip the breaker.
type gatewayProcessor struct {
	gateway *infra.TenderGateway
	breaker *infra.CircuitBreaker
}

func NewGatewayProcessor(gateway *infra.TenderGateway, breaker *infra.CircuitBreaker) TenderProcessor {
	return &gatewayProcessor{gateway: gateway, breaker: breaker}
}

func (p *gatewayProcessor) Charge(ctx context.Context, req ChargeRequest) (TenderResult, error) {
	var resp *infra.ChargeResponse
	err := p.breaker.Execute(func() error {
		var err error
		resp, err = p.gateway.Charge(ctx, infra.ChargeRequest{
			Method:      string(req.Method),
			Amount:      req.Amount.StringFixed(2),
			ReferenceID: req.ReferenceID.String(),
		})
		return err
	})
	switch {
	case errors.Is(err, infra.ErrCircuitOpen):
		return TenderResult{}, fmt.Errorf("%w: circuit open", ErrTenderUnavailable)
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return TenderResult{Outcome: ChargeTimeout, Reason: "processor did not answer in time"}, nil
	case err != nil:
		// The request may have reached the processor.
		return TenderResult{}, fmt.Errorf("%w: %w: %v", ErrTenderUnavailable, ErrTenderOutcomeUnknown, err)
	}

	if resp.Status == "approved" {
		return TenderResult{Outcome: ChargeApproved, ExternalReference: resp.Reference}, nil
	}
	return TenderResult{Outcome: ChargeDeclined, ExternalReference: resp.Reference, Reason: resp.Reason}, nil
}

func (p *gatewayProcessor) Void(ctx context.Context, _ model.TenderMethod, externalRef string, amount decimal.Decimal) error {
	return p.breaker.Execute(func() error {
		return p.gateway.Void(ctx, externalRef, amount.StringFixed(2))
	})
}

// ── Cash drawer ───────────────────────────────────────────────────────────────

// CashDrawer settles cash splits locally: the operator has the money in hand.
// The drawer total is reconciled by the cash session close.
type CashDrawer struct{}

func (CashDrawer) Charge(_ context.Context, req ChargeRequest) (TenderResult, error) {
	return TenderResult{Outcome: ChargeApproved, ExternalReference: "cash-" + req.ReferenceID.String()}, nil
}

func (CashDrawer) Void(_ context.Context, _ model.TenderMethod, externalRef string, amount decimal.Decimal) error {
	log.Info().Str("reference", externalRef).Str("amount", amount.StringFixed(2)).Msg("cash drawer: refund paid out")
	return nil
}
