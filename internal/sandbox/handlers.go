package sandbox

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"pesabridge/internal/api"
)

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	var req api.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.now()
	fee := round2(req.Amount * s.opts.FeePercent / 100)
	networkFee := s.opts.NetworkFeeKes
	tokenAmount := round6(req.Amount / s.opts.ExchangeRate)

	quote := api.Quote{
		QuoteID:       "q_" + uuid.NewString(),
		AmountKes:     req.Amount,
		Currency:      req.Currency,
		FeeAmountKes:  fee,
		NetworkFeeKes: networkFee,
		TotalDebitKes: round2(req.Amount + fee + networkFee),
		ExchangeRate:  s.opts.ExchangeRate,
		TokenAmount:   tokenAmount,
		ExpiresAt:     now.Add(s.opts.QuoteTTL),
	}
	if req.FlowType == api.FlowOnramp {
		quote.ExpectedReceive = tokenAmount
	} else {
		quote.ExpectedReceive = req.Amount
	}

	tx := &api.Transaction{
		TransactionID: "tx_" + uuid.NewString(),
		FlowType:      req.FlowType,
		Status:        api.StatusQuoted,
		Quote:         quote,
		Targets: api.Targets{
			Phone:            req.Phone,
			PaybillNumber:    req.PaybillNumber,
			TillNumber:       req.TillNumber,
			AccountReference: req.AccountReference,
		},
		History: []api.StateChange{
			{Status: api.StatusCreated, Timestamp: now},
			{Status: api.StatusQuoted, Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.FlowType.RequiresAuthorization() {
		tx.Onchain = &api.Onchain{
			Required:            true,
			TreasuryAddress:     s.opts.TreasuryAddress,
			TokenAddress:        s.opts.TokenAddress,
			ChainID:             s.opts.ChainID,
			ExpectedAmountUnits: strconv.FormatInt(int64(math.Round(tokenAmount*1e6)), 10),
		}
	}

	s.mu.Lock()
	s.transactions[tx.TransactionID] = tx
	s.order = append(s.order, tx.TransactionID)
	s.mu.Unlock()

	s.logger.Info("quote issued",
		"transaction_id", tx.TransactionID,
		"flow", tx.FlowType,
		"quote_id", quote.QuoteID,
		"total_debit_kes", quote.TotalDebitKes,
	)
	writeSuccess(w, http.StatusCreated, tx, false)
}

// initiateRequest is the superset of the four flow payloads; each handler
// checks only the fields its flow requires.
type initiateRequest struct {
	QuoteID          string    `json:"quoteId"`
	Phone            string    `json:"phone"`
	PaybillNumber    string    `json:"paybillNumber"`
	TillNumber       string    `json:"tillNumber"`
	AccountReference string    `json:"accountReference"`
	PIN              string    `json:"pin"`
	Signature        string    `json:"signature"`
	SignedAt         time.Time `json:"signedAt"`
	Nonce            string    `json:"nonce"`
	OnchainTxHash    string    `json:"onchainTxHash"`
	ChainID          int64     `json:"chainId"`
}

func (s *Server) initiateHandler(flow api.FlowType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			writeError(w, http.StatusBadRequest, "missing Idempotency-Key header")
			return
		}

		s.mu.Lock()
		if existing, ok := s.replays[key]; ok {
			s.mu.Unlock()
			replay(w, existing)
			return
		}
		s.mu.Unlock()

		var req initiateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json payload")
			return
		}

		tx, errMsg, errCode := s.acceptInitiate(flow, req)
		if errMsg != "" {
			writeError(w, errCode, errMsg)
			return
		}

		raw, _ := json.Marshal(tx)
		s.mu.Lock()
		s.replays[key] = replayRecord{statusCode: http.StatusCreated, body: raw}
		s.mu.Unlock()

		s.logger.Info("settlement accepted",
			"transaction_id", tx.TransactionID,
			"flow", flow,
			"idempotency_key", key,
		)
		writeSuccess(w, http.StatusCreated, json.RawMessage(raw), false)
	}
}

func replay(w http.ResponseWriter, rec replayRecord) {
	body, _ := json.Marshal(map[string]any{
		"success":    true,
		"data":       rec.body,
		"idempotent": true,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.statusCode)
	_, _ = w.Write(body)
}

// acceptInitiate validates the payload against the held quote and moves the
// transaction to mpesa_submitted. Returns a message and HTTP status on
// rejection.
func (s *Server) acceptInitiate(flow api.FlowType, req initiateRequest) (*api.Transaction, string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.findByQuoteLocked(req.QuoteID)
	if tx == nil {
		return nil, "unknown quote", http.StatusNotFound
	}
	if tx.FlowType != flow {
		return nil, "quote was issued for a different flow", http.StatusBadRequest
	}
	if tx.Quote.Expired(s.now()) {
		return nil, "quote expired", http.StatusBadRequest
	}
	if tx.Status != api.StatusQuoted {
		return nil, "transaction already submitted", http.StatusConflict
	}

	switch flow {
	case api.FlowOnramp:
		if req.Phone == "" {
			return nil, "phone is required", http.StatusBadRequest
		}
	default:
		if req.PIN == "" {
			return nil, "pin is required", http.StatusBadRequest
		}
		if s.opts.AcceptPIN != "" && req.PIN != s.opts.AcceptPIN {
			return nil, "invalid PIN", http.StatusBadRequest
		}
		if !strings.HasPrefix(req.Signature, "0x") || len(req.Signature) != 132 {
			return nil, "invalid signature", http.StatusBadRequest
		}
		if req.Nonce == "" || req.SignedAt.IsZero() {
			return nil, "nonce and signedAt are required", http.StatusBadRequest
		}
		if tx.Onchain != nil && tx.Onchain.Required {
			if req.OnchainTxHash == "" {
				return nil, "missing funding transaction hash", http.StatusBadRequest
			}
			if req.ChainID != tx.Onchain.ChainID {
				return nil, "funding chain id does not match quote", http.StatusBadRequest
			}
			tx.Onchain.TxHash = req.OnchainTxHash
		}
	}

	now := s.now()
	tx.Status = api.StatusMpesaSubmitted
	tx.History = append(tx.History,
		api.StateChange{Status: api.StatusAwaitingAuth, Timestamp: now},
		api.StateChange{Status: api.StatusMpesaSubmitted, Timestamp: now},
	)
	tx.UpdatedAt = now
	return tx, "", 0
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	tx, ok := s.transactions[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	snapshot := *tx
	s.advanceLocked(tx)
	s.mu.Unlock()

	writeSuccess(w, http.StatusOK, snapshot, false)
}

// advanceLocked steps the mobile-money state machine one transition per
// status read: submitted, then processing, then succeeded with a receipt.
func (s *Server) advanceLocked(tx *api.Transaction) {
	now := s.now()
	switch tx.Status {
	case api.StatusMpesaSubmitted:
		tx.Status = api.StatusMpesaProcessing
	case api.StatusMpesaProcessing:
		tx.Status = api.StatusSucceeded
		receipt := "SBX" + strings.ToUpper(uuid.NewString()[:8])
		code := 0
		desc := "The service request is processed successfully."
		tx.Daraja = api.Daraja{
			ReceiptNumber:     &receipt,
			ResultCode:        &code,
			ResultDescription: &desc,
			CallbackAt:        &now,
		}
	default:
		return
	}
	tx.History = append(tx.History, api.StateChange{Status: tx.Status, Timestamp: now})
	tx.UpdatedAt = now
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	flowFilter := r.URL.Query().Get("flowType")
	statusFilter := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	out := make([]api.Transaction, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		tx := s.transactions[s.order[i]]
		if flowFilter != "" && string(tx.FlowType) != flowFilter {
			continue
		}
		if statusFilter != "" && string(tx.Status) != statusFilter {
			continue
		}
		out = append(out, *tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	s.mu.Unlock()

	writeSuccess(w, http.StatusOK, out, false)
}

func (s *Server) handleLiquidityPrecheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuoteID  string `json:"quoteId"`
		FlowType string `json:"flowType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	s.mu.Lock()
	tx := s.findByQuoteLocked(req.QuoteID)
	s.mu.Unlock()
	if tx == nil {
		writeError(w, http.StatusNotFound, "unknown quote")
		return
	}

	if tx.Quote.AmountKes > s.opts.MaxLiquidityKes {
		writeSuccess(w, http.StatusOK, map[string]any{
			"available": false,
			"reason":    "amount exceeds available mobile-money float",
		}, false)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"available": true}, false)
}

func (s *Server) findByQuoteLocked(quoteID string) *api.Transaction {
	if quoteID == "" {
		return nil
	}
	for _, tx := range s.transactions {
		if tx.Quote.QuoteID == quoteID {
			return tx
		}
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
