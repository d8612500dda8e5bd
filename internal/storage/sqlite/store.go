// Package sqlite provides an embedded, single-file checkpoint store built on
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/edgar-index/internal/crawler"
	"github.com/JakeFAU/edgar-index/internal/index"
)

const schema = `
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
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL,
	issuers      INTEGER NOT NULL,
	index_digest TEXT NOT NULL,
	summary      TEXT NOT NULL
);`

// Config locates the database file.
type Config struct {
	Path string
}

// Store implements crawler.Checkpointer and crawler.RunRecorder.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and migrates it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Load reads the whole index.
func (s *Store) Load(ctx context.Context) (index.Snapshot, error) {
	snap := index.NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `SELECT cik, company_name, ticker FROM issuers`)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("query issuers: %w", err)
	}
	for rows.Next() {
		var (
			cik, name string
			ticker    sql.NullString
		)
		if err := rows.Scan(&cik, &name, &ticker); err != nil {
			_ = rows.Close()
			return index.Snapshot{}, fmt.Errorf("scan issuer: %w", err)
		}
		rec := index.Record{CompanyName: name, Forms: index.Forms{}}
		if ticker.Valid {
			t := ticker.String
			rec.Ticker = &t
		}
		snap.Issuers[cik] = rec
	}
	if err := closeRows(rows, "issuers"); err != nil {
		return index.Snapshot{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT cik, form_type, filed_on, accession FROM filings`)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("query filings: %w", err)
	}
	for rows.Next() {
		var cik, form, filedOn, accession string
		if err := rows.Scan(&cik, &form, &filedOn, &accession); err != nil {
			_ = rows.Close()
			return index.Snapshot{}, fmt.Errorf("scan filing: %w", err)
		}
		rec, ok := snap.Issuers[cik]
		if !ok {
			continue
		}
		if rec.Forms[form] == nil {
			rec.Forms[form] = make(map[string]string)
		}
		rec.Forms[form][filedOn] = accession
	}
	if err := closeRows(rows, "filings"); err != nil {
		return index.Snapshot{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT period_key FROM completed_periods`)
	if err != nil {
		return index.Snapshot{}, fmt.Errorf("query completed periods: %w", err)
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return index.Snapshot{}, fmt.Errorf("scan completed period: %w", err)
		}
		snap.Completed[key] = true
	}
	if err := closeRows(rows, "completed periods"); err != nil {
		return index.Snapshot{}, err
	}
	return snap, nil
}

// Save replaces the stored index with snap inside one transaction.
func (s *Store) Save(ctx context.Context, snap index.Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"filings", "issuers", "completed_periods"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	insIssuer, err := tx.PrepareContext(ctx, `INSERT INTO issuers (cik, company_name, ticker) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare issuers: %w", err)
	}
	defer func() { _ = insIssuer.Close() }()
	insFiling, err := tx.PrepareContext(ctx, `INSERT INTO filings (cik, form_type, filed_on, accession) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare filings: %w", err)
	}
	defer func() { _ = insFiling.Close() }()

	for _, cik := range slices.Sorted(maps.Keys(snap.Issuers)) {
		rec := snap.Issuers[cik]
		var ticker sql.NullString
		if rec.HasTicker() {
			ticker = sql.NullString{String: *rec.Ticker, Valid: true}
		}
		if _, err := insIssuer.ExecContext(ctx, cik, rec.CompanyName, ticker); err != nil {
			return fmt.Errorf("insert issuer %s: %w", cik, err)
		}
		for form, dates := range rec.Forms {
			for filedOn, accession := range dates {
				if _, err := insFiling.ExecContext(ctx, cik, form, filedOn, accession); err != nil {
					return fmt.Errorf("insert filing %s/%s/%s: %w", cik, form, filedOn, err)
				}
			}
		}
	}
	for key, done := range snap.Completed {
		if !done {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO completed_periods (period_key) VALUES (?)`, key); err != nil {
			return fmt.Errorf("insert completed period %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// RecordRun stores a run summary, replacing any earlier row for the same run.
func (s *Store) RecordRun(ctx context.Context, summary crawler.Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO index_runs (run_id, started_at, finished_at, issuers, index_digest, summary)
VALUES (?, ?, ?, ?, ?, ?)`,
		summary.RunID,
		summary.Started.UTC().Format(time.RFC3339Nano),
		summary.Finished.UTC().Format(time.RFC3339Nano),
		summary.Issuers,
		summary.IndexDigest,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Runs returns stored run summaries, most recent first.
func (s *Store) Runs(ctx context.Context, limit int) ([]crawler.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT summary FROM index_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var out []crawler.Summary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var summary crawler.Summary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, summary)
	}
	if err := closeRows(rows, "runs"); err != nil {
		return nil, err
	}
	return out, nil
}

func closeRows(rows *sql.Rows, what string) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate %s: %w", what, err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close %s rows: %w", what, err)
	}
	return nil
}
