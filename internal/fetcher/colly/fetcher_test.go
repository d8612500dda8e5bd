package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edgar-index/internal/crawler"
)

type countingLimiter struct {
	calls atomic.Int32
	err   error
}

func (l *countingLimiter) Wait(context.Context) error {
	l.calls.Add(1)
	return l.err
}

func TestFetchReturnsDocument(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		_, _ = w.Write([]byte("listing body"))
	}))
	t.Cleanup(srv.Close)

	limiter := &countingLimiter{}
	f := New(Config{UserAgent: "Example Corp ops@example.com", Timeout: time.Second}, limiter, nil)

	doc, err := f.Fetch(context.Background(), srv.URL+"/crawler.idx")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, http.StatusOK, doc.StatusCode)
	assert.Equal(t, "listing body", string(doc.Body))
	assert.Equal(t, srv.URL+"/crawler.idx", doc.URL)
	assert.Equal(t, "Example Corp ops@example.com", gotUA.Load())
	assert.EqualValues(t, 1, limiter.calls.Load())
}

func TestFetchUsesDefaultUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{}, nil, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, DefaultUserAgent, gotUA.Load())
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second}, nil, nil)
	for range 3 {
		doc, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
		require.NotNil(t, doc)
	}
	assert.EqualValues(t, 3, hits.Load())
}

func TestFetchNon2xxIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second}, nil, nil)
	doc, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Nil(t, doc)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestFetchTimeoutIsAbsent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 50 * time.Millisecond}, nil, nil)
	doc, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestFetchConnectionFailureIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil, nil)
	doc, err := f.Fetch(context.Background(), addr)
	require.Error(t, err)
	assert.Nil(t, doc)
}

func TestFetchLimiterErrorStopsRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	limiter := &countingLimiter{err: errors.New("budget closed")}
	f := New(Config{}, limiter, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorContains(t, err, "budget closed")
	assert.Zero(t, hits.Load())
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 5 * time.Second}, nil, nil)
	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchLargeBody(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("x", 11<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 10 * time.Second}, nil, nil)
	doc, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Len(t, doc.Body, len(body))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	var doc *crawler.Document
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &doc, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusNoContent,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://www.sec.gov/x")},
	})
	require.NotNil(t, doc)
	assert.Equal(t, "body", string(doc.Body))
	assert.NoError(t, fetchErr)

	doc = nil
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusForbidden,
		Request:    &colly.Request{URL: mustParseURL(t, "https://www.sec.gov/x")},
	})
	assert.Nil(t, doc)
	var statusErr *StatusError
	require.ErrorAs(t, fetchErr, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Code)

	hooks.onError(nil, errors.New("boom"))
	assert.EqualError(t, fetchErr, "boom")
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	assert.True(t, isTimeout(context.DeadlineExceeded))
	assert.True(t, isTimeout(&url.Error{Op: "Get", URL: "x", Err: timeoutErr{}}))
	assert.False(t, isTimeout(errors.New("connection refused")))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
