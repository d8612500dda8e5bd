// Package resolver fills in missing issuer tickers from filing detail pages.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/edgar-index/internal/crawler"
	"github.com/JakeFAU/edgar-index/internal/index"
	"github.com/JakeFAU/edgar-index/internal/metrics"
	"github.com/JakeFAU/edgar-index/internal/parser"
)

// DefaultArchiveBaseURL is the root of per-issuer filing directories.
const DefaultArchiveBaseURL = "https://www.sec.gov/Archives/edgar/data"

// Config controls candidate selection and fan-out.
type Config struct {
	ArchiveBaseURL string
	// FormTypes are tried in order. Filings of a later form type are only
	// candidates once every filing of the earlier ones has been tried.
	FormTypes   []string
	Concurrency int
}

// Resolver looks up tickers for issuers that have none.
type Resolver struct {
	cfg     Config
	fetcher crawler.Fetcher
	logger  *zap.Logger
}

// New builds a Resolver.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger) *Resolver {
	if cfg.ArchiveBaseURL == "" {
		cfg.ArchiveBaseURL = DefaultArchiveBaseURL
	}
	cfg.ArchiveBaseURL = strings.TrimRight(cfg.ArchiveBaseURL, "/")
	if len(cfg.FormTypes) == 0 {
		cfg.FormTypes = []string{"10-Q"}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, fetcher: fetcher, logger: logger}
}

// Candidates returns the accession numbers to try for rec, newest filing first
// within each configured form type.
func (r *Resolver) Candidates(rec index.Record) []string {
	var out []string
	for _, form := range r.cfg.FormTypes {
		dates := rec.Forms[form]
		keys := make([]string, 0, len(dates))
		for d := range dates {
			keys = append(keys, d)
		}
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
		for _, d := range keys {
			out = append(out, dates[d])
		}
	}
	return out
}

// DetailURL is the filing index page for one accession.
func (r *Resolver) DetailURL(cik, accession string) string {
	return fmt.Sprintf("%s/%s/%s-index.htm", r.cfg.ArchiveBaseURL, cik, accession)
}

// Resolve tries each candidate until a ticker is found. An issuer that
// already has a ticker is skipped.
func (r *Resolver) Resolve(ctx context.Context, idx *index.Index, cik string) (outcome crawler.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome, err = crawler.OutcomeFailed, fmt.Errorf("resolve %s: panic: %v", cik, p)
		}
	}()

	rec, ok := idx.Record(cik)
	if !ok {
		return crawler.OutcomeFailed, fmt.Errorf("resolve %s: unknown issuer", cik)
	}
	if rec.HasTicker() {
		return crawler.OutcomeSkipped, nil
	}

	for _, acc := range r.Candidates(rec) {
		url := r.DetailURL(cik, acc)
		doc, err := r.fetcher.Fetch(ctx, url)
		if err != nil {
			return crawler.OutcomeFailed, fmt.Errorf("fetch detail page %s: %w", url, err)
		}
		if doc == nil {
			continue
		}
		ticker, found, err := parser.ParseTicker(bytes.NewReader(doc.Body))
		if err != nil {
			return crawler.OutcomeFailed, fmt.Errorf("parse detail page %s: %w", url, err)
		}
		if !found {
			continue
		}
		idx.SetTicker(cik, ticker)
		r.logger.Debug("found ticker",
			zap.String("cik", cik),
			zap.String("company_name", rec.CompanyName),
			zap.String("ticker", ticker),
		)
		return crawler.OutcomeResolved, nil
	}
	return crawler.OutcomeExhausted, nil
}

// ResolveAll resolves every issuer without a ticker with bounded concurrency.
// Individual failures are collected in the report and never abort the phase.
func (r *Resolver) ResolveAll(ctx context.Context, idx *index.Index) crawler.ResolutionReport {
	var (
		mu     sync.Mutex
		report crawler.ResolutionReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, cik := range idx.CIKs() {
		g.Go(func() error {
			outcome, err := r.Resolve(gctx, idx, cik)
			if err != nil {
				r.logger.Warn("ticker resolution failed", zap.String("cik", cik), zap.Error(err))
			}
			metrics.ObserveResolution(string(outcome))
			mu.Lock()
			report.Add(cik, outcome, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}
