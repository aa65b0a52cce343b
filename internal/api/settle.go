package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Authorization carries the user's proof for the three signing flows, plus
// the on-chain funding reference when the quote required one.
type Authorization struct {
	PIN       string    `json:"pin"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signedAt"`
	Nonce     string    `json:"nonce"`
	TxHash    string    `json:"onchainTxHash,omitempty"`
	ChainID   int64     `json:"chainId,omitempty"`
}

func (a Authorization) validate() error {
	if a.PIN == "" {
		return errors.New("pin is required")
	}
	if a.Signature == "" {
		return errors.New("signature is required")
	}
	if a.Nonce == "" {
		return errors.New("nonce is required")
	}
	if a.SignedAt.IsZero() {
		return errors.New("signedAt is required")
	}
	return nil
}

// SettlementPayload is the tagged union over the four flow-specific initiate
// endpoints. Exactly one concrete payload type exists per flow.
type SettlementPayload interface {
	Flow() FlowType
	path() string
	validate() error
}

// OnrampPayload tops up via an STK push. No PIN or signature: funds are
// pulled from mobile money, not pushed from the wallet.
type OnrampPayload struct {
	QuoteID string `json:"quoteId"`
	Phone   string `json:"phone"`
}

func (OnrampPayload) Flow() FlowType { return FlowOnramp }
func (OnrampPayload) path() string   { return "onramp/stk/initiate" }
func (p OnrampPayload) validate() error {
	if p.QuoteID == "" {
		return errors.New("quoteId is required")
	}
	if p.Phone == "" {
		return errors.New("phone is required")
	}
	return nil
}

// OfframpPayload cashes out to a phone number.
type OfframpPayload struct {
	QuoteID string `json:"quoteId"`
	Phone   string `json:"phone"`
	Authorization
}

func (OfframpPayload) Flow() FlowType { return FlowOfframp }
func (OfframpPayload) path() string   { return "offramp/initiate" }
func (p OfframpPayload) validate() error {
	if p.QuoteID == "" {
		return errors.New("quoteId is required")
	}
	if p.Phone == "" {
		return errors.New("phone is required")
	}
	return p.Authorization.validate()
}

// PaybillPayload pays a merchant paybill with an account reference.
type PaybillPayload struct {
	QuoteID          string `json:"quoteId"`
	PaybillNumber    string `json:"paybillNumber"`
	AccountReference string `json:"accountReference"`
	Authorization
}

func (PaybillPayload) Flow() FlowType { return FlowPaybill }
func (PaybillPayload) path() string   { return "merchant/paybill/initiate" }
func (p PaybillPayload) validate() error {
	if p.QuoteID == "" {
		return errors.New("quoteId is required")
	}
	if p.PaybillNumber == "" {
		return errors.New("paybillNumber is required")
	}
	if p.AccountReference == "" {
		return errors.New("accountReference is required")
	}
	return p.Authorization.validate()
}

// BuygoodsPayload pays a merchant till. The account reference is optional.
type BuygoodsPayload struct {
	QuoteID          string `json:"quoteId"`
	TillNumber       string `json:"tillNumber"`
	AccountReference string `json:"accountReference,omitempty"`
	Authorization
}

func (BuygoodsPayload) Flow() FlowType { return FlowBuygoods }
func (BuygoodsPayload) path() string   { return "merchant/buygoods/initiate" }
func (p BuygoodsPayload) validate() error {
	if p.QuoteID == "" {
		return errors.New("quoteId is required")
	}
	if p.TillNumber == "" {
		return errors.New("tillNumber is required")
	}
	return p.Authorization.validate()
}

// InitiateSettlement submits the payment intent to the flow's endpoint under
// the given idempotency key. Retries of the same logical attempt must reuse
// the same key; the backend replays the original result for a repeated key.
func (c *Client) InitiateSettlement(ctx context.Context, idempotencyKey string, payload SettlementPayload) (*Transaction, error) {
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}
	if payload == nil {
		return nil, errors.New("settlement payload is required")
	}
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("%s settlement: %w", payload.Flow(), err)
	}

	headers := http.Header{}
	headers.Set("Idempotency-Key", idempotencyKey)

	var tx Transaction
	if err := c.do(ctx, http.MethodPost, payload.path(), payload, headers, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}
