package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/fetcher"
)

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "popscrape-test", r.UserAgent())
		require.Equal(t, "https://en.wikipedia.org/", r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<table class=\"wikitable\"></table>"))
	}))
	defer srv.Close()

	f := New(Config{
		UserAgent: "popscrape-test",
		Timeout:   time.Second,
		Headers:   http.Header{"Referer": {"https://en.wikipedia.org/"}},
	}, zap.NewNop())

	body, err := f.Fetch(context.Background(), srv.URL+"/wiki/List")
	require.NoError(t, err)
	require.Equal(t, "<table class=\"wikitable\"></table>", string(body))

	// Same URL twice must not be rejected as already visited.
	_, err = f.Fetch(context.Background(), srv.URL+"/wiki/List")
	require.NoError(t, err)
}

func TestFetchNon2xxIsFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(Config{Timeout: time.Second}, nil).Fetch(context.Background(), srv.URL+"/flag.png")
	require.Error(t, err)
	require.ErrorIs(t, err, fetcher.ErrFetchFailed)

	var fetchErr *fetcher.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	require.Contains(t, fetchErr.Error(), "status 404")
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := New(Config{Timeout: 50 * time.Millisecond}, nil).Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, fetcher.ErrFetchFailed)

	var fetchErr *fetcher.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Zero(t, fetchErr.StatusCode)
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(Config{Timeout: 5 * time.Second}, nil).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, fetcher.ErrFetchFailed)
}

func TestFetchCanceledRequestLeavesNothingOpen(t *testing.T) {
	t.Parallel()

	var open atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		open.Add(1)
		defer open.Add(-1)
		select {
		case <-time.After(600 * time.Millisecond):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New(Config{Timeout: 5 * time.Second}, nil).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 400*time.Millisecond)
	require.Eventually(t, func() bool { return open.Load() == 0 }, 200*time.Millisecond, 5*time.Millisecond)
}

func TestBuildCollectorDefaults(t *testing.T) {
	t.Parallel()

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "run")
	f := New(Config{UserAgent: "coverage-agent"}, nil)
	collector := f.buildCollector(ctx)
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.True(t, collector.AllowURLRevisit)
	require.Equal(t, ctx, collector.Context)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}}, nil)
	var (
		body     []byte
		status   int
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &body, &status, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	raw := []byte("body")
	hooks.onResponse(&colly.Response{StatusCode: http.StatusOK, Body: raw})
	raw[0] = 'X'
	require.Equal(t, "body", string(body), "body must be copied out of the response")
	require.Equal(t, http.StatusOK, status)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
	require.Equal(t, http.StatusBadGateway, status)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
