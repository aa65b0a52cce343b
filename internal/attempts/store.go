package attempts

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Stage marks how far one orchestration attempt has progressed. Resumption
// logic uses it to skip work that already completed, most importantly an
// already-confirmed on-chain transfer.
type Stage string

const (
	StageQuoted    Stage = "quoted"
	StageFunded    Stage = "funded"
	StageSubmitted Stage = "submitted"
	StageSettled   Stage = "settled"
)

// Attempt is the durable record of one confirm-and-send flow: the held
// quote, the idempotency key reused across retries, and the last stage
// reached. ExpiresAt tracks the quote's expiry; an expired attempt cannot
// be resumed.
type Attempt struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	FlowType       string    `json:"flowType"`
	QuoteID        string    `json:"quoteId"`
	TransactionID  string    `json:"transactionId"`
	Stage          Stage     `json:"stage"`
	FundingTxHash  string    `json:"fundingTxHash,omitempty"`
	FundingChainID int64     `json:"fundingChainId,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Store abstracts attempt persistence.
type Store interface {
	Get(ctx context.Context, key string) (*Attempt, error)
	Save(ctx context.Context, attempt Attempt) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is the default; attempts then live only as long as the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Attempt),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempt, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if !attempt.ExpiresAt.IsZero() && time.Now().After(attempt.ExpiresAt) {
		return nil, nil
	}
	return &attempt, nil
}

func (m *MemoryStore) Save(_ context.Context, attempt Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[attempt.IdempotencyKey] = attempt
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// FileStore persists attempts to disk so an interrupted flow survives a
// process restart. Suitable for local dev; Postgres for anything shared.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Attempt
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Attempt),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Get(_ context.Context, key string) (*Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if !attempt.ExpiresAt.IsZero() && time.Now().After(attempt.ExpiresAt) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &attempt, nil
}

func (f *FileStore) Save(_ context.Context, attempt Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[attempt.IdempotencyKey] = attempt
	return f.persist()
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return f.persist()
}
