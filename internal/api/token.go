package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TokenSource mints short-lived bearer tokens scoped to the payments domain.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token. For tests and the sandbox.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty static token")
	}
	return string(s), nil
}

// SessionTokenSource exchanges a long-lived session token for a short-lived
// payments-scoped bearer token, caching it until shortly before expiry.
type SessionTokenSource struct {
	BaseURL      string
	SessionToken string
	HTTP         *http.Client
	// RefreshMargin is subtracted from the token TTL when deciding whether
	// the cached token is still usable. Zero means 10s.
	RefreshMargin time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *SessionTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	margin := s.RefreshMargin
	if margin <= 0 {
		margin = 10 * time.Second
	}
	if s.token != "" && time.Now().Add(margin).Before(s.expiresAt) {
		return s.token, nil
	}

	httpClient := s.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	body, _ := json.Marshal(map[string]string{"scope": "payments"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(s.BaseURL, "/")+"/auth/payments-token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.SessionToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool          `json:"success"`
		Message string        `json:"message"`
		Data    tokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success || env.Data.Token == "" {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("mint payments token: %s", msg)
	}

	s.token = env.Data.Token
	s.expiresAt = env.Data.ExpiresAt
	return s.token, nil
}

// Invalidate drops the cached token so the next call mints a fresh one.
// Called before each orchestration attempt begins.
func (s *SessionTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}
