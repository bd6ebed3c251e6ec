package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const schema = `
	CREATE TABLE IF NOT EXISTS api_keys (
		id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id  TEXT NOT NULL,
		label      TEXT NOT NULL DEFAULT '',
		key_hash   TEXT NOT NULL UNIQUE,
		rate_limit BIGINT NOT NULL CHECK (rate_limit > 0),
		active     BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS api_keys_tenant_idx ON api_keys (tenant_id)
`

// keyColumns is the column order scanKey expects.
const keyColumns = `id, tenant_id, label, key_hash, rate_limit, active, created_at`

const (
	selectActiveKey = `SELECT ` + keyColumns + ` FROM api_keys WHERE key_hash = $1 AND active`

	insertKey = `
		INSERT INTO api_keys (tenant_id, label, key_hash, rate_limit, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	// Revoking an already revoked key matches no row.
	revokeKey = `UPDATE api_keys SET active = false WHERE id = $1 AND active RETURNING ` + keyColumns
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps API keys hashed; raw keys are never written.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create api_keys table: %w", err)
	}
	return nil
}

func scanKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.TenantID, &k.Label, &k.KeyHash, &k.RateLimit, &k.Active, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	k, err := scanKey(s.db.QueryRow(ctx, selectActiveKey, HashKey(key)))
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, err
}

func (s *PostgresStore) Create(ctx context.Context, apiKey *APIKey) error {
	switch {
	case apiKey.KeyHash == "":
		return errors.New("key_hash is required")
	case apiKey.TenantID == "":
		return errors.New("tenant_id is required")
	case apiKey.RateLimit <= 0:
		return errors.New("rate_limit must be positive")
	}

	err := s.db.QueryRow(ctx, insertKey,
		apiKey.TenantID, apiKey.Label, apiKey.KeyHash, apiKey.RateLimit, apiKey.Active,
	).Scan(&apiKey.ID, &apiKey.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key for tenant %s: %w", apiKey.TenantID, err)
	}
	return nil
}

// Revoke deactivates an active key and returns it, so callers can evict it from the cache.
func (s *PostgresStore) Revoke(ctx context.Context, keyID string) (*APIKey, error) {
	k, err := scanKey(s.db.QueryRow(ctx, revokeKey, keyID))
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to revoke api key %s: %w", keyID, err)
	}
	return k, err
}
