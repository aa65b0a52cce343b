// Package sandbox is an in-process stand-in for the payments backend. It
// implements the same HTTP contract the real service exposes (envelope,
// bearer auth, idempotent initiate endpoints, status progression) with
// deterministic behavior, for development and integration-style tests.
package sandbox

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"pesabridge/internal/api"
	"pesabridge/internal/metrics"
)

// Options tunes the sandbox's pricing and behavior knobs.
type Options struct {
	// SessionToken is the long-lived token accepted at the token endpoint.
	// Empty accepts any bearer.
	SessionToken string
	// AcceptPIN is the PIN the initiate endpoints accept. Empty accepts any
	// non-empty PIN.
	AcceptPIN string

	FeePercent    float64 // default 1.0
	NetworkFeeKes float64 // default 5.0
	ExchangeRate  float64 // KES per token, default 152.44
	QuoteTTL      time.Duration

	ChainID         int64
	TreasuryAddress string
	TokenAddress    string

	// MaxLiquidityKes caps what the liquidity precheck reports as
	// available. Zero means 250000.
	MaxLiquidityKes float64

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.FeePercent == 0 {
		o.FeePercent = 1.0
	}
	if o.NetworkFeeKes == 0 {
		o.NetworkFeeKes = 5.0
	}
	if o.ExchangeRate == 0 {
		o.ExchangeRate = 152.44
	}
	if o.QuoteTTL == 0 {
		o.QuoteTTL = 2 * time.Minute
	}
	if o.ChainID == 0 {
		o.ChainID = 8453
	}
	if o.TreasuryAddress == "" {
		o.TreasuryAddress = "0x9c0ffee254729296a45a3885639AC7E10F9d5497"
	}
	if o.TokenAddress == "" {
		o.TokenAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	}
	if o.MaxLiquidityKes == 0 {
		o.MaxLiquidityKes = 250000
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// replayRecord caches one initiate response for idempotent replay.
type replayRecord struct {
	statusCode int
	body       json.RawMessage
}

// Server holds the sandbox state. All state is in memory.
type Server struct {
	opts   Options
	router *mux.Router
	logger *slog.Logger

	mu           sync.Mutex
	transactions map[string]*api.Transaction
	// order preserves creation order for listing, newest last.
	order        []string
	replays      map[string]replayRecord
	mintedTokens map[string]time.Time

	now func() time.Time
}

func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		opts:         opts,
		logger:       opts.Logger,
		transactions: make(map[string]*api.Transaction),
		replays:      make(map[string]replayRecord),
		mintedTokens: make(map[string]time.Time),
		now:          time.Now,
	}

	r := mux.NewRouter()
	r.HandleFunc("/auth/payments-token", s.handleToken).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.bearerAuth)
	authed.HandleFunc("/quotes", s.handleCreateQuote).Methods(http.MethodPost)
	authed.HandleFunc("/onramp/stk/initiate", s.initiateHandler(api.FlowOnramp)).Methods(http.MethodPost)
	authed.HandleFunc("/offramp/initiate", s.initiateHandler(api.FlowOfframp)).Methods(http.MethodPost)
	authed.HandleFunc("/merchant/paybill/initiate", s.initiateHandler(api.FlowPaybill)).Methods(http.MethodPost)
	authed.HandleFunc("/merchant/buygoods/initiate", s.initiateHandler(api.FlowBuygoods)).Methods(http.MethodPost)
	authed.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	authed.HandleFunc("/transactions", s.handleListTransactions).Methods(http.MethodGet)
	authed.HandleFunc("/liquidity/precheck", s.handleLiquidityPrecheck).Methods(http.MethodPost)

	r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// bearerAuth accepts any token the sandbox minted, plus the configured
// session token for convenience.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if s.opts.SessionToken != "" && token != s.opts.SessionToken && !s.tokenMinted(token) {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func (s *Server) tokenMinted(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.mintedTokens[token]
	if !ok {
		return false
	}
	if s.now().After(expiry) {
		delete(s.mintedTokens, token)
		return false
	}
	return true
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if s.opts.SessionToken != "" && token != s.opts.SessionToken {
		writeError(w, http.StatusUnauthorized, "invalid session token")
		return
	}

	minted := "pay_" + uuid.NewString()
	expiresAt := s.now().Add(60 * time.Second)

	s.mu.Lock()
	s.mintedTokens[minted] = expiresAt
	s.mu.Unlock()

	writeSuccess(w, http.StatusOK, map[string]any{
		"token":     minted,
		"expiresAt": expiresAt.UTC(),
	}, false)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any, idempotent bool) {
	raw, _ := json.Marshal(data)
	body, _ := json.Marshal(map[string]any{
		"success":    true,
		"data":       json.RawMessage(raw),
		"idempotent": idempotent,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	body, _ := json.Marshal(map[string]any{
		"success": false,
		"message": message,
		"data":    nil,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}
