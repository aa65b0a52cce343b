package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WalletFile models the optional wallet.json config file. Environment
// variables override every field.
type WalletFile struct {
	Backend struct {
		BaseURL      string `json:"baseUrl"`
		SessionToken string `json:"sessionToken"`
	} `json:"backend"`
	Chain struct {
		ChainID int64  `json:"chainId"`
		RPCURL  string `json:"rpcUrl"`
	} `json:"chain"`
	Poll struct {
		IntervalMs int `json:"intervalMs"`
		TimeoutMs  int `json:"timeoutMs"`
	} `json:"poll"`
	Attempts struct {
		Backend string `json:"backend"`
		Path    string `json:"path"`
		DSN     string `json:"dsn"`
	} `json:"attempts"`
}

// AppConfig is the resolved configuration the binaries run on.
type AppConfig struct {
	BackendBaseURL string
	SessionToken   string

	ChainID    int64
	RPCURL     string
	PrivateKey string

	PollInterval time.Duration
	PollTimeout  time.Duration

	// AttemptStore is one of memory, file, postgres.
	AttemptStore     string
	AttemptStorePath string
	AttemptStoreDSN  string

	// SandboxPort is used only by the sandbox command.
	SandboxPort int

	LogLevel string
}

const defaultWalletPath = "wallet.json"

// Load reads wallet.json (when present) and applies environment overrides.
// Fails fast on anything required but missing.
func Load() (*AppConfig, error) {
	path := envOr("WALLET_CONFIG_PATH", defaultWalletPath)

	var file WalletFile
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// env-only configuration is fine
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg := &AppConfig{
		BackendBaseURL:   envOr("BACKEND_BASE_URL", file.Backend.BaseURL),
		SessionToken:     envOr("SESSION_TOKEN", file.Backend.SessionToken),
		ChainID:          envOrInt64("CHAIN_ID", file.Chain.ChainID),
		RPCURL:           envOr("CHAIN_RPC_URL", file.Chain.RPCURL),
		PrivateKey:       envOr("WALLET_PRIVATE_KEY", ""),
		PollInterval:     time.Duration(envOrInt("POLL_INTERVAL_MS", orInt(file.Poll.IntervalMs, 3500))) * time.Millisecond,
		PollTimeout:      time.Duration(envOrInt("POLL_TIMEOUT_MS", orInt(file.Poll.TimeoutMs, 120000))) * time.Millisecond,
		AttemptStore:     envOr("ATTEMPT_STORE", orStr(file.Attempts.Backend, "memory")),
		AttemptStorePath: envOr("ATTEMPT_STORE_PATH", orStr(file.Attempts.Path, filepath.Join(os.TempDir(), "pesabridge-attempts.json"))),
		AttemptStoreDSN:  envOr("ATTEMPT_STORE_DSN", file.Attempts.DSN),
		SandboxPort:      envOrInt("SANDBOX_HTTP_PORT", 8089),
		LogLevel:         envOr("LOG_LEVEL", "info"),
	}

	var errs []error
	if cfg.BackendBaseURL == "" {
		errs = append(errs, errors.New("BACKEND_BASE_URL is required"))
	}
	switch cfg.AttemptStore {
	case "memory", "file":
	case "postgres":
		if cfg.AttemptStoreDSN == "" {
			errs = append(errs, errors.New("ATTEMPT_STORE_DSN is required for the postgres attempt store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown attempt store %q", cfg.AttemptStore))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int64
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func orStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
