package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createValidationsTable = `
CREATE TABLE IF NOT EXISTS p2wdb_validations (
	id       TEXT PRIMARY KEY,
	key      TEXT NOT NULL UNIQUE,
	hash     TEXT NOT NULL DEFAULT '',
	is_valid BOOLEAN NOT NULL,
	value    JSONB
)`

// PostgresIndex keeps validation records in a shared Postgres table so
// several processes on one host can reuse each other's decisions.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

func NewPostgresIndex(ctx context.Context, dsn string) (*PostgresIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if _, err := pool.Exec(ctx, createValidationsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create validations table: %w", err)
	}

	return &PostgresIndex{pool: pool}, nil
}

func (p *PostgresIndex) Close() {
	p.pool.Close()
}

func (p *PostgresIndex) FindValidation(ctx context.Context, key string) ([]ValidationRecord, error) {
	var record ValidationRecord
	var value []byte

	err := p.pool.QueryRow(ctx,
		"SELECT id, key, hash, is_valid, value FROM p2wdb_validations WHERE key = $1",
		key,
	).Scan(&record.ID, &record.Key, &record.Hash, &record.IsValid, &value)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query validation record: %w", err)
	}

	record.Value = value
	return []ValidationRecord{record}, nil
}

func (p *PostgresIndex) InsertValidation(ctx context.Context, record ValidationRecord) (string, error) {
	if record.Key == "" {
		return "", fmt.Errorf("validation record has no key")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	var value []byte
	if len(record.Value) > 0 {
		value = record.Value
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO p2wdb_validations (id, key, hash, is_valid, value)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET id = EXCLUDED.id, hash = EXCLUDED.hash,
			is_valid = EXCLUDED.is_valid, value = EXCLUDED.value`,
		record.ID, record.Key, record.Hash, record.IsValid, value,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert validation record: %w", err)
	}

	return record.ID, nil
}
