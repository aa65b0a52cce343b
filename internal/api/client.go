package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error is the normalized form every backend or transport failure collapses
// into. Message is safe to show to the user verbatim.
type Error struct {
	Status     int
	Message    string
	Idempotent bool
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend request failed with status %d", e.Status)
}

// Client talks to the payments backend. All responses use the
// {success, message, data, idempotent} envelope.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

type ClientConfig struct {
	BaseURL string
	Tokens  TokenSource
	// Timeout bounds each individual request. Zero means 30s.
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  cfg.Tokens,
		logger:  logger,
	}, nil
}

// InvalidateToken drops any cached short-lived bearer token so the next
// request mints a fresh one. No-op for static token sources.
func (c *Client) InvalidateToken() {
	if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
}

// do issues one request and decodes the envelope into out. A non-2xx status
// or success=false becomes an *Error carrying the backend's message.
func (c *Client) do(ctx context.Context, method, path string, body any, headers http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(path, "/"), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("mint bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "backend request failed", "method", method, "path", path, "error", err)
		return &Error{Message: "network error: " + err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Status: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return &Error{Status: resp.StatusCode, Message: fmt.Sprintf("malformed backend response (status %d)", resp.StatusCode)}
		}
	}

	c.logger.DebugContext(ctx, "backend request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"idempotent", env.Idempotent,
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("backend request failed with status %d", resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: msg, Idempotent: env.Idempotent}
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Status: resp.StatusCode, Message: "decode response data: " + err.Error()}
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path = path + "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, nil, out)
}
