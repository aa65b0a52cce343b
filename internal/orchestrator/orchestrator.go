package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pesabridge/internal/api"
	"pesabridge/internal/attempts"
	"pesabridge/internal/funding"
	"pesabridge/internal/metrics"
	"pesabridge/internal/poller"
	"pesabridge/internal/signing"
)

// Backend is the slice of the payments API the pipeline needs. *api.Client
// satisfies it.
type Backend interface {
	CreateQuote(ctx context.Context, req api.QuoteRequest) (*api.Transaction, error)
	InitiateSettlement(ctx context.Context, idempotencyKey string, payload api.SettlementPayload) (*api.Transaction, error)
	GetTransaction(ctx context.Context, transactionID string) (*api.Transaction, error)
	PrecheckLiquidity(ctx context.Context, quoteID string, flow api.FlowType) error
}

var (
	// ErrQuoteExpired aborts an attempt before any money moves. The backend
	// would reject the submission anyway; failing here avoids funding a
	// transfer the settlement side is about to refuse.
	ErrQuoteExpired = errors.New("quote has expired, request a new quote")

	// ErrAttemptNotFound means the idempotency key has no live attempt
	// record (never created, reset, or past the quote's expiry).
	ErrAttemptNotFound = errors.New("attempt not found or expired")
)

// expiryMargin guards against a quote expiring while the submission is in
// flight.
const expiryMargin = 5 * time.Second

// Attempt is one confirm-and-send flow: the quoted transaction plus the
// journal record holding the idempotency key and the stage reached. The
// same Attempt may be passed to Run repeatedly; retries reuse the key and
// never re-fund a confirmed transfer.
type Attempt struct {
	Transaction *api.Transaction
	Record      attempts.Attempt
}

// IdempotencyKey is stable for the lifetime of the attempt.
func (a *Attempt) IdempotencyKey() string {
	return a.Record.IdempotencyKey
}

// Orchestrator drives the pipeline: quote, authorize, fund on-chain,
// settle, poll. One orchestrator may serve many flows; each flow owns its
// own Attempt, so no cross-flow state is shared.
type Orchestrator struct {
	backend Backend
	funding funding.Client
	signer  signing.Signer
	store   attempts.Store
	poller  *poller.Poller
	metrics *metrics.Metrics
	logger  *slog.Logger

	now      func() time.Time
	newNonce func() string
}

type Config struct {
	Backend Backend
	Funding funding.Client
	Signer  signing.Signer
	Store   attempts.Store
	Poller  *poller.Poller
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend client is required")
	}
	if cfg.Funding == nil {
		return nil, errors.New("funding client is required")
	}
	if cfg.Store == nil {
		cfg.Store = attempts.NewMemoryStore()
	}
	if cfg.Poller == nil {
		cfg.Poller = poller.New(cfg.Backend, cfg.Metrics, cfg.Logger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		backend:  cfg.Backend,
		funding:  cfg.Funding,
		signer:   cfg.Signer,
		store:    cfg.Store,
		poller:   cfg.Poller,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      time.Now,
		newNonce: uuid.NewString,
	}, nil
}

// RequestQuote prices the payment and opens a new attempt around the
// returned quote. The idempotency key is minted here, once, and reused for
// every retry of this attempt.
func (o *Orchestrator) RequestQuote(ctx context.Context, req api.QuoteRequest) (*Attempt, error) {
	tx, err := o.backend.CreateQuote(ctx, req)
	if err != nil {
		o.metrics.IncQuote(string(req.FlowType), "failed")
		return nil, err
	}
	o.metrics.IncQuote(string(req.FlowType), "created")

	record := attempts.Attempt{
		IdempotencyKey: fmt.Sprintf("%s:%s", tx.FlowType, o.newNonce()),
		FlowType:       string(tx.FlowType),
		QuoteID:        tx.Quote.QuoteID,
		TransactionID:  tx.TransactionID,
		Stage:          attempts.StageQuoted,
		CreatedAt:      o.now(),
		ExpiresAt:      tx.Quote.ExpiresAt,
	}
	if err := o.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("save attempt: %w", err)
	}

	o.logger.InfoContext(ctx, "quote held",
		"transaction_id", tx.TransactionID,
		"flow", tx.FlowType,
		"quote_id", tx.Quote.QuoteID,
		"total_debit_kes", tx.Quote.TotalDebitKes,
	)
	return &Attempt{Transaction: tx, Record: record}, nil
}

// Resume reloads an attempt by idempotency key, refreshing the transaction
// from the backend. Used after a process restart mid-flow.
func (o *Orchestrator) Resume(ctx context.Context, idempotencyKey string) (*Attempt, error) {
	record, err := o.store.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	if record == nil {
		return nil, ErrAttemptNotFound
	}
	tx, err := o.backend.GetTransaction(ctx, record.TransactionID)
	if err != nil {
		return nil, err
	}
	return &Attempt{Transaction: tx, Record: *record}, nil
}

// Reset discards the attempt and its idempotency key. Called when the user
// abandons the flow; a later payment starts from a fresh quote and key.
func (o *Orchestrator) Reset(ctx context.Context, attempt *Attempt) error {
	return o.store.Delete(ctx, attempt.Record.IdempotencyKey)
}

// Run executes the confirm-and-send pipeline against a held attempt:
// liquidity precheck, on-chain funding when the quote requires it, PIN plus
// signature authorization, settlement under the attempt's idempotency key,
// then polling until a terminal status or the poll timeout.
//
// On failure the attempt record survives with the stage reached, so the
// caller can fix input and call Run again without re-quoting and without
// double-funding. A poll timeout is not a failure: the last observed
// transaction is returned for manual refresh. When the settlement is
// accepted but no status fetch ever succeeds, Run returns the submitted
// transaction together with an error naming it and the funding hash, so
// the caller is never left without a reconciliation handle.
func (o *Orchestrator) Run(ctx context.Context, attempt *Attempt, pin string, pollOpts poller.Options, onUpdate func(*api.Transaction)) (*api.Transaction, error) {
	tx := attempt.Transaction
	flow := tx.FlowType

	// Start each attempt on a fresh payments token; a token minted for a
	// previous attempt may expire mid-pipeline.
	if inv, ok := o.backend.(interface{ InvalidateToken() }); ok {
		inv.InvalidateToken()
	}

	if tx.Quote.Expired(o.now().Add(expiryMargin)) {
		return nil, ErrQuoteExpired
	}

	if flow != api.FlowOnramp {
		if err := o.backend.PrecheckLiquidity(ctx, tx.Quote.QuoteID, flow); err != nil {
			return nil, o.failAttempt(ctx, attempt, err)
		}
	}

	// Sign first. The authorization message carries no funding hash, and a
	// missing signer or PIN must fail before any money moves on-chain.
	auth, err := o.buildAuthorization(ctx, tx, pin)
	if err != nil {
		return nil, o.failAttempt(ctx, attempt, err)
	}

	funded, err := o.fund(ctx, attempt)
	if err != nil {
		return nil, o.failAttempt(ctx, attempt, err)
	}
	if auth != nil && funded != nil {
		auth.TxHash = funded.TxHash
		auth.ChainID = funded.ChainID
	}

	payload, err := buildPayload(tx, auth)
	if err != nil {
		return nil, o.failAttempt(ctx, attempt, err)
	}

	submitted, err := o.backend.InitiateSettlement(ctx, attempt.Record.IdempotencyKey, payload)
	if err != nil {
		o.metrics.IncSettlement(string(flow), "rejected")
		if funded != nil {
			// Money already moved on-chain. Surface the hash so the user
			// or support can reconcile.
			err = fmt.Errorf("settlement failed after funding transfer %s on chain %d: %w",
				funded.TxHash, funded.ChainID, err)
		}
		return nil, o.failAttempt(ctx, attempt, err)
	}
	o.metrics.IncSettlement(string(flow), "accepted")

	attempt.Transaction = submitted
	attempt.Record.TransactionID = submitted.TransactionID
	attempt.Record.Stage = attempts.StageSubmitted
	attempt.Record.LastError = ""
	if err := o.store.Save(ctx, attempt.Record); err != nil {
		o.logger.WarnContext(ctx, "save attempt after submission", "error", err)
	}

	o.logger.InfoContext(ctx, "settlement submitted",
		"transaction_id", submitted.TransactionID,
		"flow", flow,
		"status", submitted.Status,
	)

	final, err := o.poller.Poll(ctx, submitted.TransactionID, pollOpts, onUpdate)
	if err != nil {
		// The settlement was accepted and, on funded flows, money already
		// moved. A bare fetch error would leave the user unsure whether the
		// payment went through, so carry the identifiers needed to reconcile
		// and return the submitted transaction as the last known state.
		if funded != nil {
			err = fmt.Errorf("settlement %s accepted with funding transfer %s on chain %d, but its status could not be fetched: %w",
				submitted.TransactionID, funded.TxHash, funded.ChainID, err)
		} else {
			err = fmt.Errorf("settlement %s accepted, but its status could not be fetched: %w",
				submitted.TransactionID, err)
		}
		return submitted, err
	}
	if final == nil {
		// Polling was cancelled before any fetch; the submitted state is the
		// best we have.
		return submitted, nil
	}

	if final.Status.Terminal() {
		attempt.Record.Stage = attempts.StageSettled
		if err := o.store.Delete(ctx, attempt.Record.IdempotencyKey); err != nil {
			o.logger.WarnContext(ctx, "discard settled attempt", "error", err)
		}
	}
	return final, nil
}

// fund performs the on-chain leg when the quote requires one. A transfer
// hash already recorded on the attempt is reused: retries of one logical
// attempt must never move funds twice.
func (o *Orchestrator) fund(ctx context.Context, attempt *Attempt) (*funding.Result, error) {
	onchain := attempt.Transaction.Onchain
	if onchain == nil || !onchain.Required {
		return nil, nil
	}

	if attempt.Record.FundingTxHash != "" {
		return &funding.Result{
			TxHash:  attempt.Record.FundingTxHash,
			ChainID: attempt.Record.FundingChainID,
		}, nil
	}

	result, err := o.funding.Transfer(ctx, funding.Request{
		TreasuryAddress: onchain.TreasuryAddress,
		TokenAddress:    onchain.TokenAddress,
		ChainID:         onchain.ChainID,
		AmountUnits:     onchain.ExpectedAmountUnits,
	})
	if err != nil {
		o.metrics.IncFunding("failed")
		return nil, err
	}
	o.metrics.IncFunding("confirmed")

	attempt.Record.FundingTxHash = result.TxHash
	attempt.Record.FundingChainID = result.ChainID
	attempt.Record.Stage = attempts.StageFunded
	if err := o.store.Save(ctx, attempt.Record); err != nil {
		o.logger.WarnContext(ctx, "save attempt after funding", "error", err)
	}

	o.logger.InfoContext(ctx, "funding transfer confirmed",
		"transaction_id", attempt.Transaction.TransactionID,
		"tx_hash", result.TxHash,
		"chain_id", result.ChainID,
	)
	return &result, nil
}

// buildAuthorization signs a fresh authorization message for the three
// flows that require one. Nonce and timestamp are submission-scoped: each
// retry re-signs. Returns nil for onramp. The funding hash is attached by
// the caller after the transfer confirms.
func (o *Orchestrator) buildAuthorization(ctx context.Context, tx *api.Transaction, pin string) (*api.Authorization, error) {
	if !tx.FlowType.RequiresAuthorization() {
		return nil, nil
	}

	if o.signer == nil {
		return nil, errors.New("no signer configured for an authorization-requiring flow")
	}
	if pin == "" {
		return nil, errors.New("pin is required")
	}

	nonce := o.newNonce()
	signedAt := o.now().UTC()
	message := signing.BuildAuthorizationMessage(tx, signedAt, nonce)

	rawSig, err := o.signer.SignMessage(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	sig, err := signing.Normalize(rawSig)
	if err != nil {
		return nil, fmt.Errorf("normalize signature: %w", err)
	}

	return &api.Authorization{
		PIN:       pin,
		Signature: sig,
		SignedAt:  signedAt,
		Nonce:     nonce,
	}, nil
}

// buildPayload assembles the flow-specific settlement payload.
func buildPayload(tx *api.Transaction, auth *api.Authorization) (api.SettlementPayload, error) {
	switch tx.FlowType {
	case api.FlowOnramp:
		return api.OnrampPayload{
			QuoteID: tx.Quote.QuoteID,
			Phone:   tx.Targets.Phone,
		}, nil
	case api.FlowOfframp:
		return api.OfframpPayload{
			QuoteID:       tx.Quote.QuoteID,
			Phone:         tx.Targets.Phone,
			Authorization: *auth,
		}, nil
	case api.FlowPaybill:
		return api.PaybillPayload{
			QuoteID:          tx.Quote.QuoteID,
			PaybillNumber:    tx.Targets.PaybillNumber,
			AccountReference: tx.Targets.AccountReference,
			Authorization:    *auth,
		}, nil
	case api.FlowBuygoods:
		return api.BuygoodsPayload{
			QuoteID:          tx.Quote.QuoteID,
			TillNumber:       tx.Targets.TillNumber,
			AccountReference: tx.Targets.AccountReference,
			Authorization:    *auth,
		}, nil
	default:
		return nil, fmt.Errorf("unknown flow type %q", tx.FlowType)
	}
}

// failAttempt records the failure on the journal without touching the quote
// or the idempotency key, then returns the error unchanged.
func (o *Orchestrator) failAttempt(ctx context.Context, attempt *Attempt, cause error) error {
	attempt.Record.LastError = cause.Error()
	if err := o.store.Save(ctx, attempt.Record); err != nil {
		o.logger.WarnContext(ctx, "save failed attempt", "error", err)
	}
	o.logger.WarnContext(ctx, "attempt failed",
		"transaction_id", attempt.Record.TransactionID,
		"flow", attempt.Record.FlowType,
		"stage", attempt.Record.Stage,
		"error", cause,
	)
	return cause
}

// Refresh fetches the transaction once through the same primitive the
// poller uses.
func (o *Orchestrator) Refresh(ctx context.Context, transactionID string) (*api.Transaction, error) {
	return o.backend.GetTransaction(ctx, transactionID)
}

// CancelPolling stops any running poll session for the transaction id.
func (o *Orchestrator) CancelPolling(transactionID string) {
	o.poller.Cancel(transactionID)
}
