package api

import (
	"encoding/json"
	"time"
)

// FlowType selects which settlement rail a transaction rides.
type FlowType string

const (
	FlowOnramp   FlowType = "onramp"
	FlowOfframp  FlowType = "offramp"
	FlowPaybill  FlowType = "paybill"
	FlowBuygoods FlowType = "buygoods"
)

func (f FlowType) Valid() bool {
	switch f {
	case FlowOnramp, FlowOfframp, FlowPaybill, FlowBuygoods:
		return true
	}
	return false
}

// RequiresAuthorization reports whether the flow needs a PIN and wallet
// signature. Onramp pulls funds via mobile money, so nothing is signed.
func (f FlowType) RequiresAuthorization() bool {
	return f != FlowOnramp
}

// Status is the backend-owned transaction state. The client only reads it.
type Status string

const (
	StatusCreated         Status = "created"
	StatusQuoted          Status = "quoted"
	StatusAwaitingAuth    Status = "awaiting_user_authorization"
	StatusAwaitingFunding Status = "awaiting_onchain_funding"
	StatusMpesaSubmitted  Status = "mpesa_submitted"
	StatusMpesaProcessing Status = "mpesa_processing"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusRefundPending   Status = "refund_pending"
	StatusRefunded        Status = "refunded"
)

// Terminal reports whether polling should stop at this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Quote is a time-boxed price lock issued by the backend. Immutable once issued.
type Quote struct {
	QuoteID         string    `json:"quoteId"`
	AmountKes       float64   `json:"amountKes"`
	Currency        string    `json:"currency"`
	FeeAmountKes    float64   `json:"feeAmountKes"`
	NetworkFeeKes   float64   `json:"networkFeeKes"`
	TotalDebitKes   float64   `json:"totalDebitKes"`
	ExpectedReceive float64   `json:"expectedReceive"`
	ExchangeRate    float64   `json:"exchangeRate"`
	TokenAmount     float64   `json:"tokenAmount"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Expired reports whether the quote is past its expiry at the given instant.
func (q Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// Onchain describes the crypto leg the quote requires, if any. Amounts are
// decimal strings already scaled to the token's smallest unit.
type Onchain struct {
	Required            bool   `json:"required"`
	TreasuryAddress     string `json:"treasuryAddress"`
	TokenAddress        string `json:"tokenAddress"`
	ChainID             int64  `json:"chainId"`
	ExpectedAmountUnits string `json:"expectedAmountUnits"`
	TxHash              string `json:"txHash,omitempty"`
}

// Targets carries exactly the destination fields relevant to the flow type.
type Targets struct {
	Phone            string `json:"phone,omitempty"`
	PaybillNumber    string `json:"paybillNumber,omitempty"`
	TillNumber       string `json:"tillNumber,omitempty"`
	AccountReference string `json:"accountReference,omitempty"`
}

// Daraja holds the mobile-money gateway result fields, null until the
// gateway callback lands on the backend.
type Daraja struct {
	ReceiptNumber     *string    `json:"receiptNumber"`
	ResultCode        *int       `json:"resultCode"`
	ResultDescription *string    `json:"resultDescription"`
	CallbackAt        *time.Time `json:"callbackAt"`
}

// StateChange is one entry of the transaction's transition history.
type StateChange struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Transaction is the backend-owned record the client observes by polling.
type Transaction struct {
	TransactionID string        `json:"transactionId"`
	FlowType      FlowType      `json:"flowType"`
	Status        Status        `json:"status"`
	Quote         Quote         `json:"quote"`
	Targets       Targets       `json:"targets"`
	Onchain       *Onchain      `json:"onchain,omitempty"`
	Daraja        Daraja        `json:"daraja"`
	RefundStatus  string        `json:"refundStatus,omitempty"`
	History       []StateChange `json:"history,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data"`
	Idempotent bool            `json:"idempotent,omitempty"`
}
