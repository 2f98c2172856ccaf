package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/extractor"
	"github.com/JakeFAU/popscrape/internal/fetcher"
	"github.com/JakeFAU/popscrape/internal/flags"
	"github.com/JakeFAU/popscrape/internal/records"
	"github.com/JakeFAU/popscrape/internal/scraper"
)

type fakeRunner struct {
	mu        sync.Mutex
	latest    *scraper.Result
	latestErr error
	next      scraper.Result
	scrapeErr error
	scrapes   int
}

func (f *fakeRunner) Scrape(context.Context) (scraper.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrapes++
	if f.scrapeErr != nil {
		return scraper.Result{}, f.scrapeErr
	}
	res := f.next
	f.latest = &res
	return res, nil
}

func (f *fakeRunner) Latest(context.Context) (scraper.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestErr != nil {
		return scraper.Result{}, f.latestErr
	}
	if f.latest == nil {
		return scraper.Result{}, scraper.ErrNoRun
	}
	return *f.latest, nil
}

func sampleResult(t *testing.T) scraper.Result {
	t.Helper()
	mk := func(name string, pop int64) records.Record {
		rec, err := records.NewRecord(name, pop, "1 Jan 2024")
		require.NoError(t, err)
		return rec
	}
	recs := []records.Record{
		mk("India", 1_417_492_000),
		mk("China", 1_409_670_000),
		mk("Denmark", 5_961_249),
		mk("Denmark", 5_932_654),
	}
	return scraper.Result{
		Run: records.Run{
			ID:         "run-1",
			SourceURL:  "https://en.m.wikipedia.org/wiki/List",
			ScrapedAt:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			PageSHA256: "9f2c",
			Records:    recs,
			Duplicates: records.GroupDuplicates(recs),
			Skipped:    []records.RowError{{Index: 9, Reason: "malformed number"}},
		},
		Statistics: records.ComputeStatistics(recs),
		Flags: flags.Results{
			"India": {State: flags.StateSucceeded, Path: "flags/India.png"},
			"China": {State: flags.StateFailed, Err: errors.New("404")},
		},
	}
}

func newServerWith(runner Runner, cfg Config) http.Handler {
	return NewServer(runner, cfg, zap.NewNop()).Handler()
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := do(t, newServerWith(&fakeRunner{}, Config{}), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newServerWith(&fakeRunner{}, Config{})
	do(t, h, http.MethodGet, "/healthz", nil)
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestReadEndpointsBeforeFirstRun(t *testing.T) {
	t.Parallel()

	h := newServerWith(&fakeRunner{}, Config{})
	for _, path := range []string{"/v1/records", "/v1/duplicates", "/v1/statistics", "/report"} {
		rec := do(t, h, http.MethodGet, path, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		require.Contains(t, rec.Body.String(), "no completed run yet", path)
	}
}

func TestReadEndpointsStoreFailure(t *testing.T) {
	t.Parallel()

	h := newServerWith(&fakeRunner{latestErr: errors.New("db down")}, Config{})
	rec := do(t, h, http.MethodGet, "/v1/records", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetRecords(t *testing.T) {
	t.Parallel()

	res := sampleResult(t)
	h := newServerWith(&fakeRunner{latest: &res}, Config{})

	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantNames []string
	}{
		{name: "all", target: "/v1/records", wantCode: http.StatusOK, wantNames: []string{"India", "China", "Denmark", "Denmark"}},
		{name: "min", target: "/v1/records?min_population=1000000000", wantCode: http.StatusOK, wantNames: []string{"India", "China"}},
		{name: "max", target: "/v1/records?max_population=1410000000", wantCode: http.StatusOK, wantNames: []string{"China", "Denmark", "Denmark"}},
		{name: "limit", target: "/v1/records?limit=1", wantCode: http.StatusOK, wantNames: []string{"India"}},
		{name: "limit beyond length", target: "/v1/records?limit=50", wantCode: http.StatusOK, wantNames: []string{"India", "China", "Denmark", "Denmark"}},
		{name: "bad min", target: "/v1/records?min_population=lots", wantCode: http.StatusBadRequest},
		{name: "negative max", target: "/v1/records?max_population=-1", wantCode: http.StatusBadRequest},
		{name: "bad limit", target: "/v1/records?limit=-2", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := do(t, h, http.MethodGet, tt.target, nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			body := decode[recordsResponse](t, rec)
			require.Equal(t, "run-1", body.RunID)
			require.Equal(t, len(tt.wantNames), body.Count)
			got := make([]string, 0, len(body.Records))
			for _, r := range body.Records {
				got = append(got, r.Name)
			}
			require.Equal(t, tt.wantNames, got)
		})
	}
}

func TestGetDuplicates(t *testing.T) {
	t.Parallel()

	res := sampleResult(t)
	h := newServerWith(&fakeRunner{latest: &res}, Config{})

	rec := do(t, h, http.MethodGet, "/v1/duplicates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		RunID      string                      `json:"run_id"`
		Duplicates map[string][]records.Record `json:"duplicates"`
	}](t, rec)
	require.Equal(t, "run-1", body.RunID)
	require.Len(t, body.Duplicates, 1)
	require.Len(t, body.Duplicates["Denmark"], 2)
}

func TestGetDuplicatesEmptyIsObject(t *testing.T) {
	t.Parallel()

	res := scraper.Result{Run: records.Run{ID: "run-2"}}
	h := newServerWith(&fakeRunner{latest: &res}, Config{})

	rec := do(t, h, http.MethodGet, "/v1/duplicates", nil)
	require.JSONEq(t, `{"run_id":"run-2","duplicates":{}}`, rec.Body.String())
}

func TestGetStatistics(t *testing.T) {
	t.Parallel()

	res := sampleResult(t)
	h := newServerWith(&fakeRunner{latest: &res}, Config{})

	rec := do(t, h, http.MethodGet, "/v1/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "run-1", body["run_id"])
	require.EqualValues(t, 1, body["skipped_rows"])
	require.Equal(t, "9f2c", body["page_sha256"])
	require.EqualValues(t, 4, body["count"])
	require.EqualValues(t, 2_839_055_903, body["total_population"])
	require.Equal(t, "India", body["largest"].(map[string]any)["name"])
}

func TestGetReport(t *testing.T) {
	t.Parallel()

	res := sampleResult(t)
	h := newServerWith(&fakeRunner{latest: &res}, Config{})

	rec := do(t, h, http.MethodGet, "/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "<!DOCTYPE html>")
	require.Contains(t, rec.Body.String(), "1,417,492,000")
}

func localImageResult(t *testing.T, path string) scraper.Result {
	t.Helper()
	res := sampleResult(t)
	res.Run.Records[0] = res.Run.Records[0].WithImagePath(path)
	return res
}

func TestGetReportServesLocalFlags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\nflag")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "India.png"), png, 0o600))

	res := localImageResult(t, filepath.Join(dir, "India.png"))
	h := newServerWith(&fakeRunner{latest: &res}, Config{FlagsDir: dir})

	rec := do(t, h, http.MethodGet, "/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `src="/flags/India.png"`)
	require.NotContains(t, rec.Body.String(), dir)

	img := do(t, h, http.MethodGet, "/flags/India.png", nil)
	require.Equal(t, http.StatusOK, img.Code)
	require.Equal(t, png, img.Body.Bytes())
}

func TestGetReportHidesUnservedLocalPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	res := localImageResult(t, filepath.Join(dir, "India.png"))
	h := newServerWith(&fakeRunner{latest: &res}, Config{})

	rec := do(t, h, http.MethodGet, "/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), dir)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/flags/India.png", nil).Code)
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{next: sampleResult(t)}
	h := newServerWith(runner, Config{})

	rec := do(t, h, http.MethodPost, "/v1/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[refreshResponse](t, rec)
	require.Equal(t, refreshResponse{
		RunID:          "run-1",
		Records:        4,
		Duplicates:     1,
		SkippedRows:    1,
		FlagsSucceeded: 1,
		FlagsFailed:    1,
	}, body)

	rec = do(t, h, http.MethodGet, "/v1/records?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "in progress", err: scraper.ErrRunInProgress, want: http.StatusConflict},
		{name: "fetch failed", err: fmt.Errorf("fetch page: %w", &fetcher.FetchError{URL: "u", StatusCode: 500, Err: errors.New("boom")}), want: http.StatusBadGateway},
		{name: "table missing", err: fmt.Errorf("extract rows: %w", extractor.ErrTableNotFound), want: http.StatusBadGateway},
		{name: "deadline", err: fmt.Errorf("fetch page: %w", context.DeadlineExceeded), want: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newServerWith(&fakeRunner{scrapeErr: tt.err}, Config{})
			rec := do(t, h, http.MethodPost, "/v1/refresh", nil)
			require.Equal(t, tt.want, rec.Code)
			require.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestRefreshRequiresAPIKey(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{next: sampleResult(t)}
	h := newServerWith(runner, Config{APIKey: "secret"})

	rec := do(t, h, http.MethodPost, "/v1/refresh", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, runner.scrapes)

	for _, header := range []http.Header{
		{"X-Api-Key": {"wrong"}},
		{"X-Api-Key": {"secre"}},
		{"X-Api-Key": {"secret2"}},
	} {
		rec = do(t, h, http.MethodPost, "/v1/refresh", header)
		require.Equal(t, http.StatusForbidden, rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/refresh?api_key=secret", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, runner.scrapes)

	rec = do(t, h, http.MethodPost, "/v1/refresh", http.Header{"X-Api-Key": {"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, runner.scrapes)

	rec = do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

type panicRunner struct{ fakeRunner }

func (*panicRunner) Latest(context.Context) (scraper.Result, error) {
	panic("boom")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := newServerWith(&panicRunner{}, Config{})
	rec := do(t, h, http.MethodGet, "/v1/statistics", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}
