package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ChargeRequest is sent to the payment gateway for card and PIX tenders.
type ChargeRequest struct {
	Method      string `json:"method"` // card | pix
	Amount      string `json:"amount"` // decimal string, two places
	ReferenceID string `json:"reference_id"`
}

// ChargeResponse is returned by the gateway once the processor answered.
type ChargeResponse struct {
	Status    string `json:"status"` // approved | declined
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// VoidRequest cancels an approved charge.
type VoidRequest struct {
	Amount string `json:"amount"`
}

// TenderGateway is an HTTP client for the external payment gateway. The
// gateway owns processor integration; this side only charges and voids.
type TenderGateway struct {
	baseURL    string
	httpClient *http.Client
}

func NewTenderGateway(baseURL string) *TenderGateway {
	return &TenderGateway{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Charge posts a charge. Per-call deadlines come from ctx.
func (g *TenderGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	var result ChargeResponse
	if err := g.post(ctx, "/charges", req.ReferenceID, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Void cancels a previously approved charge.
func (g *TenderGateway) Void(ctx context.Context, reference string, amount string) error {
	path := "/charges/" + url.PathEscape(reference) + "/void"
	return g.post(ctx, path, "void-"+reference, VoidRequest{Amount: amount}, nil)
}

func (g *TenderGateway) post(ctx context.Context, path, idempotencyKey string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("tender gateway: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tender gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tender gateway: unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tender gateway: returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tender gateway: decode response: %w", err)
	}
	return nil
}
