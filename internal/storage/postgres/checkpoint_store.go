// Package postgres provides Postgres-backed persistence for index checkpoints
// and run history.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/edgar-index/internal/crawler"
	"github.com/JakeFAU/edgar-index/internal/index"
)

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS issuers (
	cik          TEXT PRIMARY KEY,
	company_name TEXT NOT NULL,
	ticker       TEXT
);
CREATE TABLE IF NOT EXISTS filings (
	cik       TEXT NOT NULL,
	form_type TEXT NOT NULL,
	filed_on  TEXT NOT NULL,
	accession TEXT NOT NULL,
	PRIMARY KEY (cik, form_type, filed_on)
);
CREATE TABLE IF NOT EXISTS completed_periods (
	period_key TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS index_runs (
	run_id       TEXT PRIMARY KEY,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	issuers      INTEGER NOT NULL,
	index_digest TEXT NOT NULL,
	summary      JSONB NOT NULL
);`

var (
	issuerColumns = []string{"cik", "company_name", "ticker"}
	filingColumns = []string{"cik", "form_type", "filed_on", "accession"}
	periodColumns = []string{"period_key"}
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store implements crawler.Checkpointer and crawler.RunRecorder.
type Store struct {
	pool pool
}

// NewStore connects to Postgres and ensures the schema exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &Store{pool: p}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Load reads the whole index.
func (s *Store) Load(ctx context.Context) (index.Snapshot, error) {
	snap := index.NewSnapshot()

	rows, err := s.pool.Query(ctx, `SELECT cik, company_name, ticker FROM issuers`)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("query issuers: %w", err)
	}
	for rows.Next() {
		var (
			cik, name string
			ticker    *string
		)
		if err := rows.Scan(&cik, &name, &ticker); err != nil {
			rows.Close()
			return index.Snapshot{}, fmt.Errorf("scan issuer: %w", err)
		}
		snap.Issuers[cik] = index.Record{CompanyName: name, Ticker: ticker, Forms: index.Forms{}}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return index.Snapshot{}, fmt.Errorf("iterate issuers: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT cik, form_type, filed_on, accession FROM filings`)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("query filings: %w", err)
	}
	for rows.Next() {
		var cik, form, filedOn, accession string
		if err := rows.Scan(&cik, &form, &filedOn, &accession); err != nil {
			rows.Close()
			return index.Snapshot{}, fmt.Errorf("scan filing: %w", err)
		}
		rec, ok := snap.Issuers[cik]
		if !ok {
			continue
		}
		dates, ok := rec.Forms[form]
		if !ok {
			dates = make(map[string]string)
			rec.Forms[form] = dates
		}
		dates[filedOn] = accession
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return index.Snapshot{}, fmt.Errorf("iterate filings: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT period_key FROM completed_periods`)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("query completed periods: %w", err)
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return index.Snapshot{}, fmt.Errorf("scan completed period: %w", err)
		}
		snap.Completed[key] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return index.Snapshot{}, fmt.Errorf("iterate completed periods: %w", err)
	}
	return snap, nil
}

// Save replaces the stored index with snap inside one transaction.
func (s *Store) Save(ctx context.Context, snap index.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	if err := s.replace(ctx, tx, snap); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *Store) replace(ctx context.Context, tx pgx.Tx, snap index.Snapshot) error {
	if _, err := tx.Exec(ctx, `TRUNCATE issuers, filings, completed_periods`); err != nil {
		return fmt.Errorf("truncate index tables: %w", err)
	}

	issuers, filings, periods := rowsFor(snap)
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"issuers"}, issuerColumns, pgx.CopyFromRows(issuers)); err != nil {
		return fmt.Errorf("copy issuers: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"filings"}, filingColumns, pgx.CopyFromRows(filings)); err != nil {
		return fmt.Errorf("copy filings: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"completed_periods"}, periodColumns, pgx.CopyFromRows(periods)); err != nil {
		return fmt.Errorf("copy completed periods: %w", err)
	}
	return nil
}

// RecordRun appends a run summary to index_runs.
func (s *Store) RecordRun(ctx context.Context, summary crawler.Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	const query = `
INSERT INTO index_runs (run_id, started_at, finished_at, issuers, index_digest, summary)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	issuers = EXCLUDED.issuers,
	index_digest = EXCLUDED.index_digest,
	summary = EXCLUDED.summary`
	_, err = s.pool.Exec(ctx, query,
		summary.RunID,
		summary.Started,
		summary.Finished,
		summary.Issuers,
		summary.IndexDigest,
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// rowsFor flattens a snapshot into COPY rows ordered by key, so repeated
// saves of the same snapshot issue identical statements.
func rowsFor(snap index.Snapshot) (issuers, filings, periods [][]any) {
	for _, cik := range slices.Sorted(maps.Keys(snap.Issuers)) {
		rec := snap.Issuers[cik]
		var ticker any
		if rec.HasTicker() {
			ticker = *rec.Ticker
		}
		issuers = append(issuers, []any{cik, rec.CompanyName, ticker})
		for _, form := range slices.Sorted(maps.Keys(rec.Forms)) {
			dates := rec.Forms[form]
			for _, d := range slices.Sorted(maps.Keys(dates)) {
				filings = append(filings, []any{cik, form, d, dates[d]})
			}
		}
	}
	for _, key := range slices.Sorted(maps.Keys(snap.Completed)) {
		if snap.Completed[key] {
			periods = append(periods, []any{key})
		}
	}
	return issuers, filings, periods
}
