package attempts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists attempts in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS payment_attempts (
    idempotency_key TEXT PRIMARY KEY,
    flow_type TEXT NOT NULL,
    quote_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL,
    funding_tx_hash TEXT NOT NULL DEFAULT '',
    funding_chain_id BIGINT NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Attempt, error) {
	row := p.pool.QueryRow(ctx, `
SELECT idempotency_key, flow_type, quote_id, transaction_id, stage,
       funding_tx_hash, funding_chain_id, last_error, created_at, expires_at
FROM payment_attempts
WHERE idempotency_key = $1
`, key)

	var a Attempt
	var stage string
	if err := row.Scan(&a.IdempotencyKey, &a.FlowType, &a.QuoteID, &a.TransactionID, &stage,
		&a.FundingTxHash, &a.FundingChainID, &a.LastError, &a.CreatedAt, &a.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Stage = Stage(stage)

	if time.Now().After(a.ExpiresAt) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &a, nil
}

func (p *PostgresStore) Save(ctx context.Context, attempt Attempt) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO payment_attempts (idempotency_key, flow_type, quote_id, transaction_id, stage,
    funding_tx_hash, funding_chain_id, last_error, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (idempotency_key) DO UPDATE
SET transaction_id = EXCLUDED.transaction_id,
    stage = EXCLUDED.stage,
    funding_tx_hash = EXCLUDED.funding_tx_hash,
    funding_chain_id = EXCLUDED.funding_chain_id,
    last_error = EXCLUDED.last_error,
    expires_at = EXCLUDED.expires_at
`, attempt.IdempotencyKey, attempt.FlowType, attempt.QuoteID, attempt.TransactionID, string(attempt.Stage),
		attempt.FundingTxHash, attempt.FundingChainID, attempt.LastError, attempt.CreatedAt, attempt.ExpiresAt)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM payment_attempts WHERE idempotency_key = $1`, key)
	return err
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM payment_attempts WHERE idempotency_key = $1`, key)
}
