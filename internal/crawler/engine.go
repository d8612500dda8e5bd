package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/edgar-index/internal/index"
	"github.com/JakeFAU/edgar-index/internal/metrics"
	"github.com/JakeFAU/edgar-index/internal/parser"
	"github.com/JakeFAU/edgar-index/internal/period"
	"github.com/JakeFAU/edgar-index/internal/storage/snapshot"
)

// DefaultListingBaseURL is the root of the quarterly full-index directories.
const DefaultListingBaseURL = "https://www.sec.gov/Archives/edgar/full-index"

// Event names attached to published run summaries.
const (
	EventRunCompleted = "index.run.completed"
	EventRunFailed    = "index.run.failed"
)

// Period outcomes used for metrics.
const (
	periodMerged          = "merged"
	periodAbsent          = "absent"
	periodMalformed       = "malformed"
	periodFailed          = "failed"
	periodAlreadyComplete = "already_complete"
)

var tracer = otel.Tracer("github.com/JakeFAU/edgar-index/internal/crawler")

// Config controls one pipeline run.
type Config struct {
	StartDate time.Time
	// EndDate defaults to the clock's current time when zero.
	EndDate        time.Time
	ListingBaseURL string
	Concurrency    int
	LinePolicy     parser.LinePolicy
	ResolveEnabled bool
}

// Deps are the collaborators of an Engine. Resolver, Publisher and Recorder
// may be nil.
type Deps struct {
	Fetcher      Fetcher
	Checkpointer Checkpointer
	Resolver     TickerResolver
	Publisher    Publisher
	Recorder     RunRecorder
	Hasher       Hasher
	Clock        Clock
	IDs          IDGenerator
}

// Engine runs the two-phase build: crawl the quarterly listings into the
// index, then resolve missing tickers, checkpointing after each phase.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and builds an Engine.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("engine requires a fetcher")
	case deps.Checkpointer == nil:
		return nil, errors.New("engine requires a checkpointer")
	case deps.Hasher == nil:
		return nil, errors.New("engine requires a hasher")
	case deps.Clock == nil:
		return nil, errors.New("engine requires a clock")
	case deps.IDs == nil:
		return nil, errors.New("engine requires an id generator")
	}
	if cfg.ListingBaseURL == "" {
		cfg.ListingBaseURL = DefaultListingBaseURL
	}
	cfg.ListingBaseURL = strings.TrimRight(cfg.ListingBaseURL, "/")
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, deps: deps, logger: logger}, nil
}

// ListingURL returns the crawler.idx location for q.
func (e *Engine) ListingURL(q period.Quarter) string {
	return fmt.Sprintf("%s/%d/QTR%d/crawler.idx", e.cfg.ListingBaseURL, q.Year, q.Q)
}

// Run executes one build. The returned summary is populated even when err is
// non-nil. Crawl-phase failures are returned after the first checkpoint;
// resolution failures are reported in the summary only.
func (e *Engine) Run(ctx context.Context) (summary Summary, err error) {
	runID, err := e.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	summary = Summary{RunID: runID, Started: e.deps.Clock.Now()}
	logger := e.logger.With(zap.String("run_id", runID))

	ctx, span := tracer.Start(ctx, "index.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	var idx *index.Index
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
		}
		e.finish(ctx, logger, idx, &summary, err)
	}()

	snap, err := e.deps.Checkpointer.Load(ctx)
	if err != nil {
		return summary, fmt.Errorf("load index: %w", err)
	}
	idx = index.FromSnapshot(snap)
	logger.Info("index loaded",
		zap.Int("issuers", idx.Len()),
		zap.Int("completed_periods", len(idx.CompletedKeys())),
	)

	crawlErr := e.crawl(ctx, idx, &summary.Periods, logger)
	if cpErr := e.checkpoint(ctx, idx, "crawl", logger); cpErr != nil {
		return summary, errors.Join(crawlErr, cpErr)
	}
	if crawlErr != nil {
		return summary, crawlErr
	}

	if e.cfg.ResolveEnabled && e.deps.Resolver != nil {
		summary.Resolution = e.resolve(ctx, idx, logger)
	} else {
		logger.Info("ticker resolution disabled")
	}

	if cpErr := e.checkpoint(ctx, idx, "resolve", logger); cpErr != nil {
		return summary, cpErr
	}
	return summary, nil
}

func (e *Engine) crawl(ctx context.Context, idx *index.Index, report *PeriodReport, logger *zap.Logger) error {
	ctx, span := tracer.Start(ctx, "crawl")
	defer span.End()

	end := e.cfg.EndDate
	if end.IsZero() {
		end = e.deps.Clock.Now()
	}
	quarters := period.Enumerate(e.cfg.StartDate, end)
	report.Enumerated = len(quarters)

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)

	for _, q := range quarters {
		if idx.IsComplete(q) {
			report.AlreadyComplete = append(report.AlreadyComplete, q.Key())
			metrics.ObservePeriod(periodAlreadyComplete)
			continue
		}
		g.Go(func() error {
			res, err := e.crawlPeriod(ctx, idx, q, logger)
			metrics.ObservePeriod(res.outcome)

			mu.Lock()
			defer mu.Unlock()
			key := q.Key()
			switch res.outcome {
			case periodMerged:
				report.Merged = append(report.Merged, key)
			case periodAbsent:
				report.Absent = append(report.Absent, key)
			case periodMalformed:
				report.Malformed = append(report.Malformed, key)
			case periodFailed:
				report.Failed = append(report.Failed, key)
				errs = append(errs, err)
			}
			report.Filings += res.filings
			report.SkippedLines += res.skipped
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(report.Merged)
	slices.Sort(report.Absent)
	slices.Sort(report.Malformed)
	slices.Sort(report.Failed)

	logger.Info("crawl phase finished",
		zap.Int("enumerated", report.Enumerated),
		zap.Int("already_complete", len(report.AlreadyComplete)),
		zap.Int("merged", len(report.Merged)),
		zap.Int("absent", len(report.Absent)),
		zap.Int("malformed", len(report.Malformed)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("filings", report.Filings),
	)
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "crawl phase failed")
		return fmt.Errorf("crawl phase: %w", err)
	}
	return nil
}

type periodResult struct {
	outcome string
	filings int
	skipped int
}

func (e *Engine) crawlPeriod(ctx context.Context, idx *index.Index, q period.Quarter, logger *zap.Logger) (periodResult, error) {
	ctx, span := tracer.Start(ctx, "crawl.period", trace.WithAttributes(attribute.String("period", q.Key())))
	defer span.End()

	url := e.ListingURL(q)
	logger = logger.With(zap.String("period", q.String()))
	logger.Info("scraping listing", zap.String("url", url))

	doc, err := e.deps.Fetcher.Fetch(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		logger.Error("listing fetch failed", zap.Error(err))
		return periodResult{outcome: periodFailed}, fmt.Errorf("fetch listing %s: %w", q, err)
	}
	if doc == nil {
		logger.Warn("listing unavailable, period left incomplete")
		return periodResult{outcome: periodAbsent}, nil
	}

	listing, err := parser.ParseListing(bytes.NewReader(doc.Body), e.cfg.LinePolicy)
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		var bad *parser.MalformedLineError
		if errors.As(err, &bad) {
			fields = append(fields, zap.Int("line", bad.Line))
		}
		logger.Warn("listing malformed, period left incomplete", fields...)
		return periodResult{outcome: periodMalformed}, nil
	}
	for _, bad := range listing.Skipped {
		logger.Warn("skipped malformed listing line", zap.Int("line", bad.Line), zap.String("text", bad.Text))
	}

	stats := idx.Merge(q, listing.Filings)
	span.SetAttributes(attribute.Int("filings", stats.Filings))
	logger.Info("period merged",
		zap.Int("filings", stats.Filings),
		zap.Int("new_issuers", stats.NewIssuers),
		zap.Int("new_filings", stats.NewFilings),
		zap.Int("changed", stats.Changed),
		zap.Int("skipped_lines", len(listing.Skipped)),
	)
	return periodResult{outcome: periodMerged, filings: stats.Filings, skipped: len(listing.Skipped)}, nil
}

// resolve runs the resolution phase. A panicking resolver is contained so the
// crawl results already checkpointed are followed by a final checkpoint.
func (e *Engine) resolve(ctx context.Context, idx *index.Index, logger *zap.Logger) (report ResolutionReport) {
	ctx, span := tracer.Start(ctx, "resolve")
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("resolution phase panic: %v", p)
			span.RecordError(err)
			logger.Error("ticker resolution aborted", zap.Error(err))
		}
	}()

	report = e.deps.Resolver.ResolveAll(ctx, idx)
	logger.Info("resolve phase finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("resolved", report.Resolved),
		zap.Int("exhausted", report.Exhausted),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return report
}

func (e *Engine) checkpoint(ctx context.Context, idx *index.Index, phase string, logger *zap.Logger) error {
	ctx, span := tracer.Start(ctx, "checkpoint", trace.WithAttributes(attribute.String("phase", phase)))
	defer span.End()

	snap := idx.Snapshot()
	if err := e.deps.Checkpointer.Save(ctx, snap); err != nil {
		metrics.ObserveCheckpoint("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return fmt.Errorf("checkpoint after %s phase: %w", phase, err)
	}
	metrics.ObserveCheckpoint("ok")
	logger.Info("checkpoint saved",
		zap.String("phase", phase),
		zap.Int("issuers", len(snap.Issuers)),
		zap.Int("completed_periods", len(snap.Completed)),
	)
	return nil
}

// finish completes the summary and hands it to the recorder and publisher.
// Failures here are logged only.
func (e *Engine) finish(ctx context.Context, logger *zap.Logger, idx *index.Index, summary *Summary, runErr error) {
	summary.Finished = e.deps.Clock.Now()
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if idx != nil {
		summary.Issuers = idx.Len()
		metrics.SetIssuers(summary.Issuers)
		digest, err := e.digest(idx)
		if err != nil {
			logger.Warn("index digest failed", zap.Error(err))
		}
		summary.IndexDigest = digest
	}

	if e.deps.Recorder != nil {
		if err := e.deps.Recorder.RecordRun(ctx, *summary); err != nil {
			logger.Warn("record run failed", zap.Error(err))
		}
	}
	if e.deps.Publisher != nil {
		event := EventRunCompleted
		if runErr != nil {
			event = EventRunFailed
		}
		if id, err := e.deps.Publisher.Publish(ctx, event, *summary); err != nil {
			logger.Warn("publish run summary failed", zap.Error(err))
		} else {
			logger.Debug("run summary published", zap.String("message_id", id))
		}
	}

	logger.Info("index run finished",
		zap.Duration("elapsed", summary.Finished.Sub(summary.Started)),
		zap.Int("issuers", summary.Issuers),
		zap.String("index_digest", summary.IndexDigest),
		zap.Bool("failed", runErr != nil),
	)
}

func (e *Engine) digest(idx *index.Index) (string, error) {
	data, err := snapshot.EncodeIndex(idx.Snapshot())
	if err != nil {
		return "", fmt.Errorf("encode index: %w", err)
	}
	sum, err := e.deps.Hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash index: %w", err)
	}
	return sum, nil
}
