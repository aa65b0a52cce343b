package api

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// QuoteRequest carries the inputs for a new price quote. Exactly the target
// fields relevant to the flow type must be set.
type QuoteRequest struct {
	FlowType         FlowType `json:"flowType"`
	Amount           float64  `json:"amount"`
	Currency         string   `json:"currency"`
	Phone            string   `json:"phone,omitempty"`
	PaybillNumber    string   `json:"paybillNumber,omitempty"`
	TillNumber       string   `json:"tillNumber,omitempty"`
	AccountReference string   `json:"accountReference,omitempty"`
}

// Validate checks the request before any network call is made.
func (r *QuoteRequest) Validate() error {
	if !r.FlowType.Valid() {
		return fmt.Errorf("unknown flow type %q", r.FlowType)
	}
	if math.IsNaN(r.Amount) || math.IsInf(r.Amount, 0) || r.Amount <= 0 {
		return errors.New("amount must be a positive number")
	}
	if r.Currency == "" {
		return errors.New("currency is required")
	}
	// Exactly the target fields for the flow, nothing else: a stray target
	// would silently change where the money goes if it were forwarded.
	switch r.FlowType {
	case FlowOnramp, FlowOfframp:
		if r.PaybillNumber != "" || r.TillNumber != "" || r.AccountReference != "" {
			return fmt.Errorf("%s takes only a phone number target", r.FlowType)
		}
		if r.Phone == "" {
			return fmt.Errorf("phone number is required for %s", r.FlowType)
		}
		normalized, err := NormalizeMSISDN(r.Phone)
		if err != nil {
			return err
		}
		r.Phone = normalized
	case FlowPaybill:
		if r.Phone != "" || r.TillNumber != "" {
			return errors.New("paybill takes only a paybill number and account reference")
		}
		if r.PaybillNumber == "" {
			return errors.New("paybill number is required")
		}
		if r.AccountReference == "" {
			return errors.New("account reference is required for paybill")
		}
	case FlowBuygoods:
		if r.Phone != "" || r.PaybillNumber != "" {
			return errors.New("buygoods takes only a till number and optional account reference")
		}
		if r.TillNumber == "" {
			return errors.New("till number is required")
		}
	}
	return nil
}

// CreateQuote asks the backend to price the requested payment. The returned
// transaction embeds the quote snapshot. Quote calls are never retried
// automatically: each call may mint a fresh quote.
func (c *Client) CreateQuote(ctx context.Context, req QuoteRequest) (*Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var tx Transaction
	if err := c.post(ctx, "quotes", req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// PrecheckLiquidity asks the backend whether it can currently settle the
// quoted amount on the mobile-money side.
func (c *Client) PrecheckLiquidity(ctx context.Context, quoteID string, flow FlowType) error {
	body := map[string]any{"quoteId": quoteID, "flowType": flow}
	var result struct {
		Available bool   `json:"available"`
		Reason    string `json:"reason,omitempty"`
	}
	if err := c.post(ctx, "liquidity/precheck", body, &result); err != nil {
		return err
	}
	if !result.Available {
		reason := result.Reason
		if reason == "" {
			reason = "insufficient liquidity for this amount"
		}
		return &Error{Status: 409, Message: reason}
	}
	return nil
}
