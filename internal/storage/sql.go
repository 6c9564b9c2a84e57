package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLKV keeps collections in the kv_store table (see internal/db migrations).
type SQLKV struct {
	db        *sql.DB
	forUpdate bool
}

// NewSQLKV wraps db. Row locks are used for drivers that support SELECT ... FOR UPDATE.
func NewSQLKV(db *sql.DB, driver string) *SQLKV {
	return &SQLKV{db: db, forUpdate: driver != "sqlite"}
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return []byte(value), true, nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	return upsert(ctx, s.db, key, value)
}

func (s *SQLKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// WithLock runs fn inside a transaction holding the row for key.
func (s *SQLKV) WithLock(ctx context.Context, key string, fn func([]byte, bool) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_store (key, value) VALUES ($1, '[]') ON CONFLICT (key) DO NOTHING`, key); err != nil {
		return fmt.Errorf("seed %s: %w", key, err)
	}

	query := `SELECT value FROM kv_store WHERE key = $1`
	if s.forUpdate {
		query += ` FOR UPDATE`
	}
	var value string
	if err := tx.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}

	next, err := fn([]byte(value), true)
	if err != nil {
		return err
	}
	if err := upsert(ctx, tx, key, next); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, e execer, key string, value []byte) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
