package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps blobs in the blobs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	selectBlobQuery = `SELECT data FROM blobs WHERE key = $1`
	upsertBlobQuery = `INSERT INTO blobs (key, content_type, data)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET content_type = EXCLUDED.content_type, data = EXCLUDED.data, updated_at = NOW()`
	listBlobsQuery  = `SELECT key, content_type FROM blobs WHERE starts_with(key, $1) ORDER BY key`
	existsBlobQuery = `SELECT EXISTS (SELECT 1 FROM blobs WHERE key = $1)`
	tableCheckQuery = `SELECT to_regclass('public.blobs') IS NOT NULL`
)

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	var data []byte
	if err := p.pool.QueryRow(ctx, selectBlobQuery, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select blob %s: %w", key, err)
	}
	return data, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, upsertBlobQuery, key, ContentType(key), data); err != nil {
		return fmt.Errorf("upsert blob %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, prefix string) ([]Object, error) {
	rows, err := p.pool.Query(ctx, listBlobsQuery, prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()
	var out []Object
	for rows.Next() {
		var obj Object
		if err := rows.Scan(&obj.Name, &obj.ContentType); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	var exists bool
	if err := p.pool.QueryRow(ctx, existsBlobQuery, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("check blob %s: %w", key, err)
	}
	return exists, nil
}

// EnsureContainer verifies the blobs table has been migrated.
func (p *PostgresStore) EnsureContainer(ctx context.Context) error {
	var ok bool
	if err := p.pool.QueryRow(ctx, tableCheckQuery).Scan(&ok); err != nil {
		return fmt.Errorf("check blobs table: %w", err)
	}
	if !ok {
		return errors.New("blobs table missing; run migrations")
	}
	return nil
}

// Close releases the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
