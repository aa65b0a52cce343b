package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pesabridge/internal/api"
	"pesabridge/internal/attempts"
	"pesabridge/internal/funding"
	"pesabridge/internal/poller"
	"pesabridge/internal/signing"
)

const (
	testTreasury = "0x9c0ffee254729296a45a3885639AC7E10F9d5497"
	testToken    = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testChainID  = int64(8453)
	testKeyHex   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

// stubBackend scripts the backend's behavior and records every call.
type stubBackend struct {
	mu sync.Mutex

	quoteTx  *api.Transaction
	quoteErr error

	settleKeys     []string
	settlePayloads []api.SettlementPayload
	settleErrs     []error
	settleTx       *api.Transaction

	statuses []api.Status
	fetches  int
	fetchErr error

	precheckErr error
}

func (s *stubBackend) CreateQuote(context.Context, api.QuoteRequest) (*api.Transaction, error) {
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	cp := *s.quoteTx
	return &cp, nil
}

func (s *stubBackend) InitiateSettlement(_ context.Context, key string, payload api.SettlementPayload) (*api.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleKeys = append(s.settleKeys, key)
	s.settlePayloads = append(s.settlePayloads, payload)
	if len(s.settleErrs) > 0 {
		err := s.settleErrs[0]
		s.settleErrs = s.settleErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	cp := *s.settleTx
	return &cp, nil
}

func (s *stubBackend) GetTransaction(_ context.Context, id string) (*api.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.fetches
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	tx := *s.settleTx
	tx.TransactionID = id
	tx.Status = s.statuses[idx]
	if tx.Status == api.StatusSucceeded {
		receipt := "SGR7TYPE2B"
		tx.Daraja = api.Daraja{ReceiptNumber: &receipt}
	}
	return &tx, nil
}

func (s *stubBackend) PrecheckLiquidity(context.Context, string, api.FlowType) error {
	return s.precheckErr
}

func offrampQuote() *api.Transaction {
	return &api.Transaction{
		TransactionID: "tx_1",
		FlowType:      api.FlowOfframp,
		Status:        api.StatusQuoted,
		Quote: api.Quote{
			QuoteID:       "q_1",
			AmountKes:     1000,
			Currency:      "KES",
			FeeAmountKes:  10,
			NetworkFeeKes: 5,
			TotalDebitKes: 1015,
			TokenAmount:   6.56,
			ExpiresAt:     time.Now().Add(2 * time.Minute),
		},
		Targets: api.Targets{Phone: "254712345678"},
		Onchain: &api.Onchain{
			Required:            true,
			TreasuryAddress:     testTreasury,
			TokenAddress:        testToken,
			ChainID:             testChainID,
			ExpectedAmountUnits: "6560000",
		},
	}
}

func fastPollOpts() poller.Options {
	return poller.Options{Interval: 2 * time.Millisecond, Timeout: time.Second}
}

func newTestOrchestrator(t *testing.T, backend *stubBackend, fund funding.Client) (*Orchestrator, attempts.Store) {
	t.Helper()
	signer, err := signing.NewKeySigner(testKeyHex)
	require.NoError(t, err)

	store := attempts.NewMemoryStore()
	orch, err := New(Config{
		Backend: backend,
		Funding: fund,
		Signer:  signer,
		Store:   store,
	})
	require.NoError(t, err)
	return orch, store
}

func TestRunOfframpEndToEnd(t *testing.T) {
	backend := &stubBackend{
		quoteTx:  offrampQuote(),
		settleTx: submittedFrom(offrampQuote()),
		statuses: []api.Status{api.StatusMpesaSubmitted, api.StatusMpesaProcessing, api.StatusSucceeded},
	}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, store := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)
	assert.Contains(t, attempt.IdempotencyKey(), "offramp:")

	final, err := orch.Run(ctx, attempt, "1234", fastPollOpts(), nil)
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, final.Status)
	require.NotNil(t, final.Daraja.ReceiptNumber)

	// Funding moved exactly the quoted minor units to the quoted treasury.
	require.Len(t, fake.Transfers, 1)
	assert.Equal(t, "6560000", fake.Transfers[0].AmountUnits)
	assert.Equal(t, testTreasury, fake.Transfers[0].TreasuryAddress)
	assert.Equal(t, testChainID, fake.Transfers[0].ChainID)

	// Settlement carried that funding hash and the signed authorization.
	require.Len(t, backend.settlePayloads, 1)
	payload, ok := backend.settlePayloads[0].(api.OfframpPayload)
	require.True(t, ok)
	assert.NotEmpty(t, payload.TxHash)
	assert.Equal(t, testChainID, payload.ChainID)
	assert.Len(t, payload.Signature, 132)
	assert.Equal(t, "254712345678", payload.Phone)

	// Settled attempts are discarded.
	rec, err := store.Get(ctx, attempt.IdempotencyKey())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func submittedFrom(quoted *api.Transaction) *api.Transaction {
	cp := *quoted
	cp.Status = api.StatusMpesaSubmitted
	return &cp
}

func TestIdempotencyKeyStableAcrossRetries(t *testing.T) {
	backend := &stubBackend{
		quoteTx:    offrampQuote(),
		settleTx:   submittedFrom(offrampQuote()),
		settleErrs: []error{&api.Error{Status: 502, Message: "network error"}},
		statuses:   []api.Status{api.StatusSucceeded},
	}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, _ := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)

	_, err = orch.Run(ctx, attempt, "1234", fastPollOpts(), nil)
	require.Error(t, err)
	// The quote and key survive the failure; the error names the funding
	// hash so the user can reconcile.
	assert.Contains(t, err.Error(), "0x")

	_, err = orch.Run(ctx, attempt, "1234", fastPollOpts(), nil)
	require.NoError(t, err)

	require.Len(t, backend.settleKeys, 2)
	assert.Equal(t, backend.settleKeys[0], backend.settleKeys[1], "same logical attempt reuses the key")

	// Funds moved exactly once across both runs.
	assert.Len(t, fake.Transfers, 1)

	// Nonce and signature are attempt-scoped: each submission re-signs.
	first := backend.settlePayloads[0].(api.OfframpPayload)
	second := backend.settlePayloads[1].(api.OfframpPayload)
	assert.NotEqual(t, first.Nonce, second.Nonce)

	// A fresh quote mints a fresh key.
	next, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)
	assert.NotEqual(t, attempt.IdempotencyKey(), next.IdempotencyKey())
}

func TestFundingPreconditionFailureSkipsSettlement(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*api.Onchain)
	}{
		{"non-digit amount", func(o *api.Onchain) { o.ExpectedAmountUnits = "6.56" }},
		{"empty amount", func(o *api.Onchain) { o.ExpectedAmountUnits = "" }},
		{"bad treasury", func(o *api.Onchain) { o.TreasuryAddress = "0xnope" }},
		{"bad token", func(o *api.Onchain) { o.TokenAddress = "1234" }},
		{"chain mismatch", func(o *api.Onchain) { o.ChainID = 1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quoted := offrampQuote()
			tc.mutate(quoted.Onchain)

			backend := &stubBackend{quoteTx: quoted, settleTx: submittedFrom(quoted)}
			fake := &funding.FakeClient{Chain: testChainID}
			orch, store := newTestOrchestrator(t, backend, fake)
			ctx := context.Background()

			attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
				FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
			})
			require.NoError(t, err)

			_, err = orch.Run(ctx, attempt, "1234", fastPollOpts(), nil)
			require.Error(t, err)

			assert.Empty(t, fake.Transfers, "no transfer dispatched")
			assert.Empty(t, backend.settleKeys, "settlement never called")

			// The attempt survives with the failure recorded.
			rec, err := store.Get(ctx, attempt.IdempotencyKey())
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.NotEmpty(t, rec.LastError)
		})
	}
}

func TestRunRejectsExpiredQuote(t *testing.T) {
	quoted := offrampQuote()
	quoted.Quote.ExpiresAt = time.Now().Add(-time.Minute)

	backend := &stubBackend{quoteTx: quoted, settleTx: submittedFrom(quoted)}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, _ := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	attempt := &Attempt{
		Transaction: quoted,
		Record: attempts.Attempt{
			IdempotencyKey: "offramp:stale",
			QuoteID:        quoted.Quote.QuoteID,
			TransactionID:  quoted.TransactionID,
			Stage:          attempts.StageQuoted,
		},
	}

	_, err := orch.Run(ctx, attempt, "1234", fastPollOpts(), nil)
	require.ErrorIs(t, err, ErrQuoteExpired)
	assert.Empty(t, fake.Transfers)
	assert.Empty(t, backend.settleKeys)
}

func TestRunOnrampNeedsNoAuthorization(t *testing.T) {
	quoted := &api.Transaction{
		TransactionID: "tx_on",
		FlowType:      api.FlowOnramp,
		Status:        api.StatusQuoted,
		Quote: api.Quote{
			QuoteID:   "q_on",
			AmountKes: 500,
			Currency:  "KES",
			ExpiresAt: time.Now().Add(time.Minute),
		},
		Targets: api.Targets{Phone: "254712345678"},
	}
	submitted := *quoted
	submitted.Status = api.StatusMpesaSubmitted

	backend := &stubBackend{
		quoteTx:  quoted,
		settleTx: &submitted,
		statuses: []api.Status{api.StatusSucceeded},
	}
	fake := &funding.FakeClient{Chain: testChainID}

	store := attempts.NewMemoryStore()
	orch, err := New(Config{Backend: backend, Funding: fake, Store: store}) // no signer
	require.NoError(t, err)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOnramp, Amount: 500, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)

	final, err := orch.Run(ctx, attempt, "", fastPollOpts(), nil)
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, final.Status)

	assert.Empty(t, fake.Transfers, "onramp has no on-chain leg")
	require.Len(t, backend.settlePayloads, 1)
	_, ok := backend.settlePayloads[0].(api.OnrampPayload)
	assert.True(t, ok)
}

// tokenAwareBackend also exposes token invalidation, as *api.Client does.
type tokenAwareBackend struct {
	*stubBackend
	invalidations int
}

func (b *tokenAwareBackend) InvalidateToken() { b.invalidations++ }

func TestRunStartsOnAFreshToken(t *testing.T) {
	backend := &tokenAwareBackend{stubBackend: &stubBackend{
		quoteTx:  offrampQuote(),
		settleTx: submittedFrom(offrampQuote()),
		statuses: []api.Status{api.StatusSucceeded},
	}}
	fake := &funding.FakeClient{Chain: testChainID}

	signer, err := signing.NewKeySigner(testKeyHex)
	require.NoError(t, err)
	orch, err := New(Config{Backend: backend, Funding: fake, Signer: signer})
	require.NoError(t, err)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)

	_, err = orch.Run(ctx, attempt, "1234", fastPollOpts(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.invalidations, "each Run drops the cached token first")
}

func TestRunSkipsFundingAlreadyConfirmed(t *testing.T) {
	backend := &stubBackend{
		quoteTx:  offrampQuote(),
		settleTx: submittedFrom(offrampQuote()),
		statuses: []api.Status{api.StatusSucceeded},
	}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, store := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	quoted := offrampQuote()
	record := attempts.Attempt{
		IdempotencyKey: "offramp:resumed",
		FlowType:       "offramp",
		QuoteID:        quoted.Quote.QuoteID,
		TransactionID:  quoted.TransactionID,
		Stage:          attempts.StageFunded,
		FundingTxHash:  "0xa1b2c3",
		FundingChainID: testChainID,
		CreatedAt:      time.Now(),
		ExpiresAt:      quoted.Quote.ExpiresAt,
	}
	require.NoError(t, store.Save(ctx, record))

	attempt := &Attempt{Transaction: quoted, Record: record}
	_, err := orch.Run(ctx, attempt, "1234", fastPollOpts(), nil)
	require.NoError(t, err)

	assert.Empty(t, fake.Transfers, "confirmed funding must not repeat")
	payload := backend.settlePayloads[0].(api.OfframpPayload)
	assert.Equal(t, "0xa1b2c3", payload.TxHash)
}

func TestRunLiquidityShortfallHaltsBeforeFunding(t *testing.T) {
	backend := &stubBackend{
		quoteTx:     offrampQuote(),
		settleTx:    submittedFrom(offrampQuote()),
		precheckErr: &api.Error{Status: 409, Message: "insufficient liquidity for this amount"},
	}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, _ := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)

	_, err = orch.Run(ctx, attempt, "1234", fastPollOpts(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "liquidity")
	assert.Empty(t, fake.Transfers)
}

func TestResumeReloadsAttempt(t *testing.T) {
	backend := &stubBackend{
		quoteTx:  offrampQuote(),
		settleTx: submittedFrom(offrampQuote()),
		statuses: []api.Status{api.StatusMpesaProcessing},
	}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, _ := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)

	resumed, err := orch.Resume(ctx, attempt.IdempotencyKey())
	require.NoError(t, err)
	assert.Equal(t, attempt.IdempotencyKey(), resumed.IdempotencyKey())
	assert.Equal(t, attempt.Record.QuoteID, resumed.Record.QuoteID)

	_, err = orch.Resume(ctx, "offramp:unknown")
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestResetDiscardsAttempt(t *testing.T) {
	backend := &stubBackend{quoteTx: offrampQuote(), settleTx: submittedFrom(offrampQuote())}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, store := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)

	require.NoError(t, orch.Reset(ctx, attempt))
	rec, err := store.Get(ctx, attempt.IdempotencyKey())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRunPinRequiredForSigningFlows(t *testing.T) {
	backend := &stubBackend{quoteTx: offrampQuote(), settleTx: submittedFrom(offrampQuote())}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, _ := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)

	_, err = orch.Run(ctx, attempt, "", fastPollOpts(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pin")
	assert.Empty(t, backend.settleKeys)
}

func TestPollFailureAfterSubmissionNamesTheSettlement(t *testing.T) {
	backend := &stubBackend{
		quoteTx:  offrampQuote(),
		settleTx: submittedFrom(offrampQuote()),
		fetchErr: &api.Error{Message: "network error: backend unreachable"},
	}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, _ := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)

	opts := poller.Options{Interval: 2 * time.Millisecond, Timeout: 15 * time.Millisecond}
	final, err := orch.Run(ctx, attempt, "1234", opts, nil)
	require.Error(t, err)

	// Money moved and the settlement was accepted; the caller must get both
	// the transaction and an error naming what to reconcile.
	require.NotNil(t, final)
	assert.Equal(t, backend.settleTx.TransactionID, final.TransactionID)
	require.Len(t, fake.Transfers, 1)
	assert.Contains(t, err.Error(), final.TransactionID)
	assert.Contains(t, err.Error(), "funding transfer 0x")
	assert.Contains(t, err.Error(), "backend unreachable")
}

func TestPollTimeoutIsNotAnError(t *testing.T) {
	backend := &stubBackend{
		quoteTx:  offrampQuote(),
		settleTx: submittedFrom(offrampQuote()),
		statuses: []api.Status{api.StatusMpesaProcessing},
	}
	fake := &funding.FakeClient{Chain: testChainID}
	orch, store := newTestOrchestrator(t, backend, fake)
	ctx := context.Background()

	attempt, err := orch.RequestQuote(ctx, api.QuoteRequest{
		FlowType: api.FlowOfframp, Amount: 1000, Currency: "KES", Phone: "0712345678",
	})
	require.NoError(t, err)

	opts := poller.Options{Interval: 2 * time.Millisecond, Timeout: 15 * time.Millisecond}
	final, err := orch.Run(ctx, attempt, "1234", opts, nil)
	require.NoError(t, err)
	assert.Equal(t, api.StatusMpesaProcessing, final.Status)

	// Non-terminal outcome keeps the attempt for manual follow-up.
	rec, err := store.Get(ctx, attempt.IdempotencyKey())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, attempts.StageSubmitted, rec.Stage)

	// Manual refresh uses the same fetch primitive.
	tx, err := orch.Refresh(ctx, final.TransactionID)
	require.NoError(t, err)
	assert.NotNil(t, tx)
}
