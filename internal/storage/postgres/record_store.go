// Package postgres stores scrape runs as append-only record snapshots.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/popscrape/internal/records"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrNoRuns is returned by LatestRun when the table is empty.
var ErrNoRuns = errors.New("no runs stored")

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// RecordStore writes one row per record, keyed by run id. Runs are never
// updated; a newer run supersedes older ones.
type RecordStore struct {
	pool  pool
	table string
}

// NewRecordStore connects to Postgres using cfg.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: p, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "population_records"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the records table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	run_id     UUID        NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL,
	source_url TEXT        NOT NULL,
	position   INTEGER     NOT NULL,
	name       TEXT        NOT NULL,
	population BIGINT      NOT NULL CHECK (population >= 0),
	as_of      TEXT        NOT NULL,
	image_path TEXT,
	PRIMARY KEY (run_id, position)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	return nil
}

// SaveRun inserts every record of run inside one transaction.
func (s *RecordStore) SaveRun(ctx context.Context, run records.Run) (err error) {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	scraped_at,
	source_url,
	position,
	name,
	population,
	as_of,
	image_path
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, s.table)

	for i, rec := range run.Records {
		var imagePath *string
		if rec.HasImage() {
			p := rec.ImagePath
			imagePath = &p
		}
		if _, err = tx.Exec(ctx, query,
			run.ID,
			run.ScrapedAt,
			run.SourceURL,
			i,
			rec.Name,
			rec.Population,
			rec.AsOf,
			imagePath,
		); err != nil {
			return fmt.Errorf("insert record %q: %w", rec.Name, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// LatestRun loads the most recent stored run in its stored order.
func (s *RecordStore) LatestRun(ctx context.Context) (records.Run, error) {
	query := fmt.Sprintf(`
SELECT run_id::text, scraped_at, source_url, name, population, as_of, image_path
FROM %[1]s
WHERE run_id = (SELECT run_id FROM %[1]s ORDER BY scraped_at DESC LIMIT 1)
ORDER BY position`, s.table)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return records.Run{}, fmt.Errorf("query latest run: %w", err)
	}
	defer rows.Close()

	var run records.Run
	for rows.Next() {
		var (
			rec       records.Record
			imagePath *string
		)
		if err := rows.Scan(&run.ID, &run.ScrapedAt, &run.SourceURL, &rec.Name, &rec.Population, &rec.AsOf, &imagePath); err != nil {
			return records.Run{}, fmt.Errorf("scan record: %w", err)
		}
		if imagePath != nil {
			rec = rec.WithImagePath(*imagePath)
		}
		run.Records = append(run.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return records.Run{}, fmt.Errorf("iterate records: %w", err)
	}
	if run.ID == "" {
		return records.Run{}, ErrNoRuns
	}
	run.Duplicates = records.GroupDuplicates(run.Records)
	return run, nil
}
