// Package collyfetcher implements crawler.Fetcher using gocolly, gated by a
// shared rate limiter.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/edgar-index/internal/crawler"
	"github.com/JakeFAU/edgar-index/internal/metrics"
)

// DefaultUserAgent identifies the client to the archive, which requires a
// contact in the User-Agent header.
const DefaultUserAgent = "Company Name myname@company.com"

// Limiter admits one request at a time against a shared budget.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Limiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil limiter admits every request immediately.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Quarterly listings exceed colly's default body cap, and the same
	// listing is fetched again on later runs. Every status reaches
	// OnResponse so the 2xx check lives in one place.
	c := colly.NewCollector(
		colly.Async(false),
		colly.MaxBodySize(0),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger,
		baseCollector: c,
	}
}

// Fetch waits for a rate limit token and then performs a single GET.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*crawler.Document, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	}

	var (
		doc      *crawler.Document
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &doc, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			f.logger.Debug("fetch timed out", zap.String("url", url), zap.Error(err))
			metrics.ObserveFetch(url, "absent", 0)
			return nil, nil
		}
		metrics.ObserveFetch(url, "error", 0)
		return nil, err
	}
	if doc == nil {
		metrics.ObserveFetch(url, "error", 0)
		return nil, fmt.Errorf("fetch %s: no response received", url)
	}
	metrics.ObserveFetch(url, "ok", len(doc.Body))
	return doc, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, doc **crawler.Document, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		if r.StatusCode < 200 || r.StatusCode > 299 {
			*fetchErr = &StatusError{Code: r.StatusCode}
			return
		}
		*doc = &crawler.Document{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			FetchedAt:  time.Now().UTC(),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// StatusError reports a final response outside the 2xx range.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
