package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the store can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS extension_storage (
            extension_id TEXT NOT NULL,
            key          TEXT NOT NULL,
            value        TEXT NOT NULL,
            updated_at   TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (extension_id, key)
        );
    `
	sqlSelectAll = `
        SELECT key, value FROM extension_storage
        WHERE extension_id = $1;
    `
	sqlSelectKeys = `
        SELECT key, value FROM extension_storage
        WHERE extension_id = $1 AND key = ANY($2);
    `
	sqlSelectForUpdate = `
        SELECT key, value FROM extension_storage
        WHERE extension_id = $1 AND key = ANY($2)
        FOR UPDATE;
    `
	sqlUpsert = `
        INSERT INTO extension_storage (extension_id, key, value, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (extension_id, key) DO UPDATE SET
            value = EXCLUDED.value,
            updated_at = EXCLUDED.updated_at;
    `
	sqlDeleteKeys = `
        DELETE FROM extension_storage
        WHERE extension_id = $1 AND key = ANY($2);
    `
	sqlDeleteAll = `
        DELETE FROM extension_storage
        WHERE extension_id = $1;
    `
)

// Store keeps every extension's storage in one PostgreSQL table.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// EnsureSchema creates the storage table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateTable); err != nil {
		return fmt.Errorf("failed to create storage table: %w", err)
	}
	return nil
}

// Area returns the area of one extension.
func (s *Store) Area(extensionID string) *PostgresArea {
	return &PostgresArea{store: s, extensionID: extensionID}
}

// PostgresArea is an extension's view of a Store.
type PostgresArea struct {
	store       *Store
	extensionID string
}

func (a *PostgresArea) Get(ctx context.Context, keys []string) (map[string]string, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if keys == nil {
		rows, err = a.store.pool.Query(ctx, sqlSelectAll, a.extensionID)
	} else {
		rows, err = a.store.pool.Query(ctx, sqlSelectKeys, a.extensionID, keys)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query storage: %w", err)
	}
	return collectValues(rows)
}

// Set upserts items in one transaction, reading the previous values under a
// row lock so the reported changes are exact.
func (a *PostgresArea) Set(ctx context.Context, items map[string]string) (Changes, error) {
	if len(items) == 0 {
		return Changes{}, nil
	}
	tx, err := a.store.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			a.store.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows, err := tx.Query(ctx, sqlSelectForUpdate, a.extensionID, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to lock storage rows: %w", err)
	}
	old, err := collectValues(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(sqlUpsert, a.extensionID, k, items[k], now)
	}
	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return nil, errors.New("failed to send batch: batch results is nil")
	}
	for _, k := range keys {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("failed to store key %q: %w", k, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	changes := make(Changes, len(items))
	for k, v := range items {
		changes[k] = Change{NewValue: v, OldValue: old[k]}
	}
	return changes, nil
}

func (a *PostgresArea) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := a.store.pool.Exec(ctx, sqlDeleteKeys, a.extensionID, keys); err != nil {
		return fmt.Errorf("failed to remove keys: %w", err)
	}
	return nil
}

func (a *PostgresArea) Clear(ctx context.Context) error {
	if _, err := a.store.pool.Exec(ctx, sqlDeleteAll, a.extensionID); err != nil {
		return fmt.Errorf("failed to clear storage: %w", err)
	}
	return nil
}

func collectValues(rows pgx.Rows) (map[string]string, error) {
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan storage row: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
