package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/edgar-index/internal/id/uuid"
	"github.com/JakeFAU/edgar-index/internal/index"
	"github.com/JakeFAU/edgar-index/internal/metrics"
	"github.com/JakeFAU/edgar-index/internal/query"
)

// Loader supplies the snapshot to serve.
type Loader interface {
	Load(ctx context.Context) (index.Snapshot, error)
}

// Server answers lookups from the most recently loaded snapshot.
type Server struct {
	router chi.Router
	loader Loader
	snap   atomic.Pointer[index.Snapshot]
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Nothing is served
// from /lookup until Reload succeeds.
func NewServer(loader Loader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{loader: loader, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	// The full listing is streamed, so it stays outside the buffering timeout.
	r.Get("/", s.listIssuers)
	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(30 * time.Second))
		r.Get("/lookup", s.lookup)
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Handle("/metrics", metrics.Handler())
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Reload replaces the served snapshot with a fresh one from the loader.
func (s *Server) Reload(ctx context.Context) error {
	if s.loader == nil {
		return errors.New("no index loader configured")
	}
	snap, err := s.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	s.snap.Store(&snap)
	metrics.SetIssuers(len(snap.Issuers))
	s.logger.Info("index loaded",
		zap.Int("issuers", len(snap.Issuers)),
		zap.Int("completed_periods", len(snap.Completed)),
	)
	return nil
}

// Watch reloads the snapshot every interval until ctx is done. Failures keep
// the previous snapshot.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Warn("index reload failed", zap.Error(err))
			}
		}
	}
}

func (s *Server) current() (*index.Snapshot, bool) {
	snap := s.snap.Load()
	return snap, snap != nil
}

func (s *Server) listIssuers(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.current()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "index not loaded")
		return
	}
	s.streamIssuers(w, snap.Issuers)
}

const flushEvery = 500

// streamIssuers writes the issuer map in CIK order, one record at a time,
// flushing every flushEvery records.
func (s *Server) streamIssuers(w http.ResponseWriter, issuers map[string]index.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	write := func() bool {
		if _, err := w.Write(buf.Bytes()); err != nil {
			s.logger.Warn("stream issuers failed", zap.Error(err))
			return false
		}
		buf.Reset()
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.Warn("flush issuers failed", zap.Error(err))
		}
		return true
	}

	buf.WriteByte('{')
	for i, cik := range slices.Sorted(maps.Keys(issuers)) {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(cik); err != nil {
			s.logger.Error("encode issuer key failed", zap.Error(err))
			return
		}
		buf.WriteByte(':')
		if err := enc.Encode(issuers[cik]); err != nil {
			s.logger.Error("encode issuer failed", zap.String("cik", cik), zap.Error(err))
			return
		}
		if (i+1)%flushEvery == 0 && !write() {
			return
		}
	}
	buf.WriteString("}\n")
	write()
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	params, err := query.ParseParams(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, ok := s.current()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "index not loaded")
		return
	}
	res, err := query.Lookup(*snap, params)
	if errors.Is(err, query.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res.Payload())
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.current()
	if !ok {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "issuers": len(snap.Issuers)})
}

var requestIDs = uuid.New()

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = requestIDs.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("error", rec),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
