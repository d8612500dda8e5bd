package crawler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edgar-index/internal/clock/system"
	"github.com/JakeFAU/edgar-index/internal/crawler"
	"github.com/JakeFAU/edgar-index/internal/hash/sha256"
	"github.com/JakeFAU/edgar-index/internal/index"
	"github.com/JakeFAU/edgar-index/internal/parser"
	"github.com/JakeFAU/edgar-index/internal/period"
	memorypublisher "github.com/JakeFAU/edgar-index/internal/publisher/memory"
	"github.com/JakeFAU/edgar-index/internal/resolver"
	"github.com/JakeFAU/edgar-index/internal/storage/memory"
)

const (
	listingBase = "http://edgar.test/full-index"
	archiveBase = "http://edgar.test/data"
)

const listingHeader = `Description:           Daily Index of EDGAR Dissemination Feed by Company Name
Last Data Received:    June 30, 2022

Company Name                                                  Form Type   CIK         Date Filed  URL
-------------------------------------------------------------------------------------------------------------------------------
`

const listingQ1 = listingHeader +
	"ABC Inc.                                                      10-K        1000        2022-02-09  http://edgar.test/data/1000/0001000-22-000001-index.htm\n" +
	"XYZ Corp                                                      10-Q        2000        2022-02-10  http://edgar.test/data/2000/0002000-22-000001-index.htm\n"

const listingQ2 = listingHeader +
	"ABC Inc.                                                      10-Q        1000        2022-05-09  http://edgar.test/data/1000/0001000-22-000002-index.htm\n"

const detailABC = `<html><body>
<table class="tableFile" summary="Data Files">
<tr><th>Seq</th><th>Description</th><th>Document</th></tr>
<tr><td>2</td><td>XBRL TAXONOMY EXTENSION SCHEMA</td><td><a href="/Archives/edgar/data/1000/abc-20220331.xsd">abc-20220331.xsd</a></td></tr>
</table>
</body></html>`

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	errs  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs: map[string]string{
			listingBase + "/2022/QTR1/crawler.idx":            listingQ1,
			listingBase + "/2022/QTR2/crawler.idx":            listingQ2,
			archiveBase + "/1000/0001000-22-000002-index.htm": detailABC,
		},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*crawler.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	body, ok := f.docs[url]
	if !ok {
		return nil, nil
	}
	return &crawler.Document{URL: url, StatusCode: 200, Body: []byte(body)}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fixedIDs struct{ id string }

func (g fixedIDs) NewID() (string, error) { return g.id, nil }

type panicResolver struct{}

func (panicResolver) ResolveAll(context.Context, *index.Index) crawler.ResolutionReport {
	panic("boom")
}

type failingCheckpointer struct {
	*memory.CheckpointStore
	loadErr error
	saveErr error
}

func (c failingCheckpointer) Load(ctx context.Context) (index.Snapshot, error) {
	if c.loadErr != nil {
		return index.Snapshot{}, c.loadErr
	}
	return c.CheckpointStore.Load(ctx)
}

func (c failingCheckpointer) Save(ctx context.Context, snap index.Snapshot) error {
	if c.saveErr != nil {
		return c.saveErr
	}
	return c.CheckpointStore.Save(ctx, snap)
}

type recorder struct {
	mu   sync.Mutex
	runs []crawler.Summary
}

func (r *recorder) RecordRun(_ context.Context, s crawler.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, s)
	return nil
}

type harness struct {
	fetcher   *fakeFetcher
	store     *memory.CheckpointStore
	publisher *memorypublisher.Publisher
	recorder  *recorder
	deps      crawler.Deps
	cfg       crawler.Config
}

func newHarness() *harness {
	h := &harness{
		fetcher:   newFakeFetcher(),
		store:     memory.NewCheckpointStore(),
		publisher: memorypublisher.New(),
		recorder:  &recorder{},
	}
	h.deps = crawler.Deps{
		Fetcher:      h.fetcher,
		Checkpointer: h.store,
		Resolver:     resolver.New(resolver.Config{ArchiveBaseURL: archiveBase, Concurrency: 2}, h.fetcher, nil),
		Publisher:    h.publisher,
		Recorder:     h.recorder,
		Hasher:       sha256.New(),
		Clock:        system.Fixed{At: time.Date(2022, 6, 30, 12, 0, 0, 0, time.UTC)},
		IDs:          fixedIDs{id: "run-1"},
	}
	h.cfg = crawler.Config{
		StartDate:      time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		ListingBaseURL: listingBase,
		Concurrency:    2,
		LinePolicy:     parser.LineAbort,
		ResolveEnabled: true,
	}
	return h
}

func (h *harness) run(t *testing.T) (crawler.Summary, error) {
	t.Helper()
	engine, err := crawler.New(h.cfg, h.deps, nil)
	require.NoError(t, err)
	return engine.Run(context.Background())
}

func TestEngineRunCrawlsResolvesAndCheckpoints(t *testing.T) {
	t.Parallel()

	h := newHarness()
	summary, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 2, summary.Periods.Enumerated)
	assert.Equal(t, []string{"2022-1", "2022-2"}, summary.Periods.Merged)
	assert.Equal(t, 3, summary.Periods.Filings)
	assert.Equal(t, 2, summary.Issuers)
	assert.Equal(t, 2, summary.Resolution.Attempted)
	assert.Equal(t, 1, summary.Resolution.Resolved)
	assert.Equal(t, 1, summary.Resolution.Exhausted)
	assert.Contains(t, summary.IndexDigest, sha256.Prefix)
	assert.Empty(t, summary.Error)

	saves := h.store.Saves()
	require.Len(t, saves, 2, "one checkpoint per phase")
	assert.Nil(t, saves[0].Issuers["1000"].Ticker, "first checkpoint precedes resolution")

	final := saves[1]
	require.NotNil(t, final.Issuers["1000"].Ticker)
	assert.Equal(t, "ABC", *final.Issuers["1000"].Ticker)
	assert.Nil(t, final.Issuers["2000"].Ticker)
	assert.Equal(t, map[string]bool{"2022-1": true, "2022-2": true}, final.Completed)
	assert.Equal(t, index.Forms{
		"10-K": {"2022-02-09": "0001000-22-000001"},
		"10-Q": {"2022-05-09": "0001000-22-000002"},
	}, final.Issuers["1000"].Forms)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, crawler.EventRunCompleted, msgs[0].Event)
	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, summary.IndexDigest, h.recorder.runs[0].IndexDigest)
}

func TestEngineRunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness()
	first, err := h.run(t)
	require.NoError(t, err)
	afterFirst := h.store.Saves()[1]

	second, err := h.run(t)
	require.NoError(t, err)
	afterSecond := h.store.Saves()[3]

	assert.Equal(t, afterFirst, afterSecond)
	assert.Equal(t, first.IndexDigest, second.IndexDigest)
	assert.Equal(t, []string{"2022-1", "2022-2"}, second.Periods.AlreadyComplete)
	assert.Empty(t, second.Periods.Merged)
	assert.Equal(t, 1, h.fetcher.callCount(listingBase+"/2022/QTR1/crawler.idx"), "completed periods are not refetched")
	assert.Equal(t, 1, h.fetcher.callCount(archiveBase+"/1000/0001000-22-000002-index.htm"), "resolved tickers are not refetched")
}

func TestEngineAbsentPeriodLeftIncomplete(t *testing.T) {
	t.Parallel()

	h := newHarness()
	delete(h.fetcher.docs, listingBase+"/2022/QTR2/crawler.idx")

	summary, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"2022-2"}, summary.Periods.Absent)

	final := h.store.Saves()[1]
	assert.True(t, final.Completed["2022-1"])
	assert.NotContains(t, final.Completed, "2022-2")
}

func TestEngineMalformedPeriodLeftIncomplete(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.fetcher.docs[listingBase+"/2022/QTR2/crawler.idx"] = listingHeader + "not a listing line\n"

	summary, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"2022-2"}, summary.Periods.Malformed)
	assert.Equal(t, []string{"2022-1"}, summary.Periods.Merged)
	assert.NotContains(t, h.store.Saves()[1].Completed, "2022-2")
}

func TestEngineMissingSeparatorIsMalformed(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.fetcher.docs[listingBase+"/2022/QTR1/crawler.idx"] = "<html>maintenance</html>\n"

	summary, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"2022-1"}, summary.Periods.Malformed)
}

func TestEngineSkipPolicyMergesGoodLines(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.cfg.LinePolicy = parser.LineSkip
	h.fetcher.docs[listingBase+"/2022/QTR2/crawler.idx"] = listingQ2 + "garbage\n"

	summary, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"2022-1", "2022-2"}, summary.Periods.Merged)
	assert.Equal(t, 1, summary.Periods.SkippedLines)
	assert.True(t, h.store.Saves()[1].Completed["2022-2"])
}

func TestEngineTransportErrorCheckpointsThenFails(t *testing.T) {
	t.Parallel()

	h := newHarness()
	upstream := errors.New("status 503")
	h.fetcher.errs[listingBase+"/2022/QTR2/crawler.idx"] = upstream

	summary, err := h.run(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream)
	assert.Equal(t, []string{"2022-2"}, summary.Periods.Failed)
	assert.NotEmpty(t, summary.Error)

	saves := h.store.Saves()
	require.Len(t, saves, 1, "only the crawl checkpoint runs")
	assert.True(t, saves[0].Completed["2022-1"])
	assert.NotContains(t, saves[0].Completed, "2022-2")

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, crawler.EventRunFailed, msgs[0].Event)
}

func TestEngineResolverPanicIsContained(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.deps.Resolver = panicResolver{}

	_, err := h.run(t)
	require.NoError(t, err)
	assert.Len(t, h.store.Saves(), 2)
}

func TestEngineResolveDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.cfg.ResolveEnabled = false

	summary, err := h.run(t)
	require.NoError(t, err)
	assert.Zero(t, summary.Resolution.Attempted)
	assert.Nil(t, h.store.Saves()[1].Issuers["1000"].Ticker)
}

func TestEngineTickerIsNeverReplaced(t *testing.T) {
	t.Parallel()

	h := newHarness()
	seed := index.New()
	seed.Merge(period.Quarter{Year: 2021, Q: 4}, []index.Filing{
		{CompanyName: "ABC Inc.", FormType: "10-Q", CIK: "1000", FiledOn: "2021-11-05", Accession: "0001000-21-000009"},
	})
	seed.SetTicker("1000", "ABCD")
	require.NoError(t, h.store.Save(context.Background(), seed.Snapshot()))

	_, err := h.run(t)
	require.NoError(t, err)

	final := h.store.Saves()[2]
	assert.Equal(t, "ABCD", *final.Issuers["1000"].Ticker)
	assert.True(t, final.Completed["2021-4"], "prior completion is kept")
}

func TestEngineLoadError(t *testing.T) {
	t.Parallel()

	h := newHarness()
	loadErr := errors.New("bucket unavailable")
	h.deps.Checkpointer = failingCheckpointer{CheckpointStore: h.store, loadErr: loadErr}

	summary, err := h.run(t)
	require.ErrorIs(t, err, loadErr)
	assert.Zero(t, h.fetcher.callCount(listingBase+"/2022/QTR1/crawler.idx"))
	assert.Equal(t, "run-1", summary.RunID)
	assert.Empty(t, summary.IndexDigest)
}

func TestEngineCheckpointErrorIsReturned(t *testing.T) {
	t.Parallel()

	h := newHarness()
	saveErr := errors.New("disk full")
	h.deps.Checkpointer = failingCheckpointer{CheckpointStore: h.store, saveErr: saveErr}

	_, err := h.run(t)
	require.ErrorIs(t, err, saveErr)
	assert.Zero(t, h.fetcher.callCount(archiveBase+"/1000/0001000-22-000002-index.htm"), "resolution is skipped")
}

func TestEnginePublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.publisher.Err = errors.New("topic missing")

	_, err := h.run(t)
	require.NoError(t, err)
}

func TestEngineListingURL(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.cfg.ListingBaseURL = ""
	engine, err := crawler.New(h.cfg, h.deps, nil)
	require.NoError(t, err)
	assert.Equal(t,
		"https://www.sec.gov/Archives/edgar/full-index/2019/QTR3/crawler.idx",
		engine.ListingURL(period.Quarter{Year: 2019, Q: 3}),
	)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	h := newHarness()
	cases := map[string]func(d *crawler.Deps){
		"fetcher":      func(d *crawler.Deps) { d.Fetcher = nil },
		"checkpointer": func(d *crawler.Deps) { d.Checkpointer = nil },
		"hasher":       func(d *crawler.Deps) { d.Hasher = nil },
		"clock":        func(d *crawler.Deps) { d.Clock = nil },
		"ids":          func(d *crawler.Deps) { d.IDs = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			deps := h.deps
			mutate(&deps)
			_, err := crawler.New(h.cfg, deps, nil)
			require.Error(t, err)
		})
	}
}
