package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/extractor"
	"github.com/JakeFAU/popscrape/internal/fetcher"
	"github.com/JakeFAU/popscrape/internal/metrics"
	"github.com/JakeFAU/popscrape/internal/records"
	"github.com/JakeFAU/popscrape/internal/report"
	"github.com/JakeFAU/popscrape/internal/scraper"
)

const (
	readTimeout = 30 * time.Second
	flagsRoute  = "/flags/"
)

// Runner produces and remembers scrape results.
type Runner interface {
	Scrape(ctx context.Context) (scraper.Result, error)
	Latest(ctx context.Context) (scraper.Result, error)
}

// Config tunes the server.
type Config struct {
	// APIKey guards POST /v1/refresh when non-empty.
	APIKey string

	// FlagsDir, when set, is served at /flags/ and local flag paths in
	// /report link there.
	FlagsDir string
}

// Server wires HTTP handlers to the scraper.
type Server struct {
	router   chi.Router
	runner   Runner
	flagsDir string
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{runner: runner, flagsDir: cfg.FlagsDir, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if cfg.FlagsDir != "" {
		r.Method(http.MethodGet, flagsRoute+"*", http.StripPrefix(flagsRoute, http.FileServer(http.Dir(cfg.FlagsDir))))
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(readTimeout))
		r.Get("/report", s.getReport)
		r.Get("/v1/records", s.getRecords)
		r.Get("/v1/duplicates", s.getDuplicates)
		r.Get("/v1/statistics", s.getStatistics)
	})

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/v1/refresh", s.refresh)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
// Requests are traced through the global OpenTelemetry provider.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "popscrape.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type recordsResponse struct {
	RunID     string           `json:"run_id"`
	SourceURL string           `json:"source_url"`
	ScrapedAt time.Time        `json:"scraped_at"`
	Count     int              `json:"count"`
	Records   []records.Record `json:"records"`
}

func (s *Server) getRecords(w http.ResponseWriter, r *http.Request) {
	res, ok := s.latest(w, r)
	if !ok {
		return
	}
	bounds, err := parseBounds(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs := records.FilterByThreshold(res.Run.Records, bounds)
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		recs = recs[:min(n, len(recs))]
	}
	s.writeJSON(w, http.StatusOK, recordsResponse{
		RunID:     res.Run.ID,
		SourceURL: res.Run.SourceURL,
		ScrapedAt: res.Run.ScrapedAt,
		Count:     len(recs),
		Records:   recs,
	})
}

func (s *Server) getDuplicates(w http.ResponseWriter, r *http.Request) {
	res, ok := s.latest(w, r)
	if !ok {
		return
	}
	dups := res.Run.Duplicates
	if dups == nil {
		dups = map[string][]records.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     res.Run.ID,
		"duplicates": dups,
	})
}

type statisticsResponse struct {
	RunID       string `json:"run_id"`
	PageSHA256  string `json:"page_sha256,omitempty"`
	SkippedRows int    `json:"skipped_rows"`
	records.Statistics
}

func (s *Server) getStatistics(w http.ResponseWriter, r *http.Request) {
	res, ok := s.latest(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, statisticsResponse{
		RunID:       res.Run.ID,
		PageSHA256:  res.Run.PageSHA256,
		SkippedRows: len(res.Run.Skipped),
		Statistics:  res.Statistics,
	})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	res, ok := s.latest(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := report.RenderHTML(w, report.Page{
		Records:     res.Run.Records,
		Duplicates:  res.Run.Duplicates,
		Statistics:  res.Statistics,
		SourceURL:   res.Run.SourceURL,
		GeneratedAt: res.Run.ScrapedAt,
		LinkImage:   report.ServedFrom(s.flagsDir, flagsRoute),
	})
	if err != nil {
		s.logger.Error("render report failed", zap.Error(err))
	}
}

type refreshResponse struct {
	RunID          string `json:"run_id"`
	Records        int    `json:"records"`
	Duplicates     int    `json:"duplicates"`
	SkippedRows    int    `json:"skipped_rows"`
	FlagsSucceeded int    `json:"flags_succeeded"`
	FlagsFailed    int    `json:"flags_failed"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.Scrape(r.Context())
	if err != nil {
		s.logger.Warn("refresh failed", zap.Error(err))
		s.writeError(w, refreshStatus(err), err.Error())
		return
	}
	ok, failed := res.Flags.Counts()
	s.writeJSON(w, http.StatusOK, refreshResponse{
		RunID:          res.Run.ID,
		Records:        len(res.Run.Records),
		Duplicates:     len(res.Run.Duplicates),
		SkippedRows:    len(res.Run.Skipped),
		FlagsSucceeded: ok,
		FlagsFailed:    failed,
	})
}

func refreshStatus(err error) int {
	switch {
	case errors.Is(err, scraper.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, fetcher.ErrFetchFailed), errors.Is(err, extractor.ErrTableNotFound):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// latest writes an error response and returns false when no run is available.
func (s *Server) latest(w http.ResponseWriter, r *http.Request) (scraper.Result, bool) {
	res, err := s.runner.Latest(r.Context())
	if err != nil {
		if errors.Is(err, scraper.ErrNoRun) {
			s.writeError(w, http.StatusNotFound, "no completed run yet")
			return scraper.Result{}, false
		}
		s.logger.Error("load latest run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load latest run")
		return scraper.Result{}, false
	}
	return res, true
}

func parseBounds(r *http.Request) (records.Bounds, error) {
	var bounds records.Bounds
	for _, p := range []struct {
		key string
		dst **int64
	}{
		{key: "min_population", dst: &bounds.Min},
		{key: "max_population", dst: &bounds.Max},
	} {
		raw := r.URL.Query().Get(p.key)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return records.Bounds{}, fmt.Errorf("%s must be a non-negative integer", p.key)
		}
		*p.dst = &n
	}
	return bounds, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("request_id", requestID(r.Context())))
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Header only; query strings end up in access logs.
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
