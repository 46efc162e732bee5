// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/mediascrape/internal/media"
)

const defaultTable = "media"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var mediaColumns = []string{"kind", "url", "source_url", "alt_text", "job_id", "created_at"}

// MediaStoreConfig controls the Postgres connection pool used for media rows.
type MediaStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies the embedded schema before connecting the pool.
	Migrate bool
}

type copyCloser interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

// MediaStore writes media rows into Postgres with COPY.
type MediaStore struct {
	pool  copyCloser
	table string
}

// NewMediaStore creates a Postgres-backed MediaStore using the provided config.
func NewMediaStore(ctx context.Context, cfg MediaStoreConfig) (*MediaStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if cfg.Migrate {
		if err := Migrate(cfg.DSN); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &MediaStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewMediaStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewMediaStoreWithPool(pool copyCloser, table string) (*MediaStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &MediaStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *MediaStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// BulkInsert copies the batch in one COPY statement, so either every row
// lands or none do.
func (s *MediaStore) BulkInsert(ctx context.Context, records []media.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("media store is not configured")
	}
	if len(records) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		if !rec.Kind.Valid() {
			return fmt.Errorf("record %s: invalid kind %q", rec.URL, rec.Kind)
		}
		rows = append(rows, []any{
			string(rec.Kind),
			rec.URL,
			rec.SourceURL,
			nullableText(rec.AltText),
			rec.JobID,
			rec.CreatedAt,
		})
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{s.table}, mediaColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy media rows: %w", err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy media rows: wrote %d of %d", n, len(rows))
	}
	return nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
