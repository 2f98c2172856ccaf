package scraper

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/popscrape/internal/extractor"
	"github.com/JakeFAU/popscrape/internal/fetcher"
	"github.com/JakeFAU/popscrape/internal/flags"
	"github.com/JakeFAU/popscrape/internal/hash/sha256"
	"github.com/JakeFAU/popscrape/internal/notify"
	notifymemory "github.com/JakeFAU/popscrape/internal/notify/memory"
	"github.com/JakeFAU/popscrape/internal/records"
	"github.com/JakeFAU/popscrape/internal/storage/memory"
)

const pageURL = "https://en.m.wikipedia.org/wiki/List_of_countries_and_dependencies_by_population"

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeSource struct {
	body    []byte
	err     error
	started chan struct{}
	block   chan struct{}
}

func (f *fakeSource) Fetch(ctx context.Context, _ string) ([]byte, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.body, f.err
}

type fakeExtractor struct {
	rows []records.RawRow
	err  error
}

func (f fakeExtractor) Extract([]byte) ([]records.RawRow, error) {
	return f.rows, f.err
}

type flagGetter struct{}

func (flagGetter) Fetch(_ context.Context, url string) ([]byte, error) {
	if strings.Contains(url, "upload.wikimedia.org") {
		return pngHeader, nil
	}
	return nil, &fetcher.FetchError{URL: url, StatusCode: 404, Err: errors.New("not found")}
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []records.Run
	saveErr error
	latest  records.Run
	loadErr error
}

func (f *fakeStore) SaveRun(_ context.Context, run records.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, run)
	return f.saveErr
}

func (f *fakeStore) LatestRun(context.Context) (records.Run, error) {
	return f.latest, f.loadErr
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu  sync.Mutex
	n   int
	err error
}

func (s *seqIDs) NewID() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "run-" + string(rune('0'+s.n)), nil
}

var scrapedAt = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func loadPage(t *testing.T) []byte {
	t.Helper()
	page, err := os.ReadFile("../extractor/testdata/population.html")
	require.NoError(t, err)
	return page
}

func newExtractor(t *testing.T) *extractor.Extractor {
	t.Helper()
	ex, err := extractor.New(extractor.DefaultConfig(), nil)
	require.NoError(t, err)
	return ex
}

func baseDeps(t *testing.T, source Source) Deps {
	t.Helper()
	return Deps{
		Source:    source,
		Extractor: newExtractor(t),
		Clock:     fixedClock{now: scrapedAt},
		IDs:       &seqIDs{},
	}
}

func TestScrapeEndToEnd(t *testing.T) {
	t.Parallel()

	images := memory.NewBlobStore()
	downloader, err := flags.New(flagGetter{}, images, flags.Config{MaxConcurrent: 2, Prefix: "flags/"}, nil)
	require.NoError(t, err)
	store := &fakeStore{}
	pub := notifymemory.New()

	deps := baseDeps(t, &fakeSource{body: loadPage(t)})
	deps.Flags = downloader
	deps.Store = store
	deps.Publisher = pub

	svc, err := New(Config{SourceURL: pageURL, Bounds: records.AtLeast(20_000_000)}, deps)
	require.NoError(t, err)

	res, err := svc.Scrape(context.Background())
	require.NoError(t, err)

	run := res.Run
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, scrapedAt, run.ScrapedAt)
	require.Equal(t, pageURL, run.SourceURL)
	require.Len(t, run.Records, 3)
	require.Equal(t, []string{"India", "China", "Peru"}, names(run.Records))
	require.Equal(t, "memory://flags/India.png", run.Records[0].ImagePath)
	require.False(t, run.Records[1].HasImage())
	require.False(t, run.Records[2].HasImage())
	require.Empty(t, run.Duplicates)
	require.Empty(t, run.Skipped)

	require.Equal(t, 3, res.Statistics.Count)
	require.Equal(t, "India", res.Statistics.Largest.Name)
	require.Equal(t, flags.StateSucceeded, res.Flags["India"].State)
	require.ErrorIs(t, res.Flags["Peru"].Err, flags.ErrNoURL)
	require.ErrorIs(t, res.Flags["China"].Err, fetcher.ErrFetchFailed)

	_, contentType, ok := images.Get("flags/India.png")
	require.True(t, ok)
	require.Equal(t, "image/png", contentType)

	require.Len(t, store.saved, 1)
	require.Equal(t, run.ID, store.saved[0].ID)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "run-1", msgs[0].RunID)
	require.Equal(t, 1, msgs[0].FlagsSucceeded)
	require.Equal(t, 2, msgs[0].FlagsFailed)

	latest, err := svc.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, run.ID, latest.Run.ID)
}

func TestScrapeRecordsSkippedRowsAndDuplicates(t *testing.T) {
	t.Parallel()

	deps := baseDeps(t, &fakeSource{body: []byte("<html></html>")})
	deps.Extractor = fakeExtractor{rows: []records.RawRow{
		{Name: "Denmark", Population: "5,961,249", Date: "1 Jan 2024"},
		{Name: "Atlantis", Population: "n/a", Date: "N/A"},
		{Name: "Denmark[a]", Population: "5,932,654", Date: "1 Jan 2023"},
		{Name: "Chad", Population: "18,000,000"},
	}}
	svc, err := New(Config{SourceURL: pageURL}, deps)
	require.NoError(t, err)

	res, err := svc.Scrape(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"Chad", "Denmark", "Denmark"}, names(res.Run.Records))
	require.Len(t, res.Run.Duplicates["Denmark"], 2)
	require.Len(t, res.Run.Skipped, 1)
	require.ErrorIs(t, res.Run.Skipped[0], records.ErrMalformedNumber)
	require.Nil(t, res.Flags)
}

func TestScrapeFatalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Deps)
		wantErr error
	}{
		{
			name: "fetch failure",
			mutate: func(d *Deps) {
				d.Source = &fakeSource{err: &fetcher.FetchError{URL: pageURL, StatusCode: 503, Err: errors.New("unavailable")}}
			},
			wantErr: fetcher.ErrFetchFailed,
		},
		{
			name: "table not found",
			mutate: func(d *Deps) {
				d.Source = &fakeSource{body: []byte("<html><table><tr><th>x</th></tr></table></html>")}
			},
			wantErr: extractor.ErrTableNotFound,
		},
		{
			name: "id failure",
			mutate: func(d *Deps) {
				d.IDs = &seqIDs{err: errors.New("entropy exhausted")}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeStore{}
			deps := baseDeps(t, &fakeSource{body: loadPage(t)})
			deps.Store = store
			tt.mutate(&deps)

			svc, err := New(Config{SourceURL: pageURL}, deps)
			require.NoError(t, err)

			_, err = svc.Scrape(context.Background())
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
			require.Empty(t, store.saved)

			_, err = svc.Latest(context.Background())
			require.ErrorIs(t, err, ErrNoRun)
		})
	}
}

func TestScrapeSinkFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	deps := baseDeps(t, &fakeSource{body: loadPage(t)})
	deps.Store = &fakeStore{saveErr: errors.New("db down")}
	deps.Publisher = failingPublisher{}

	svc, err := New(Config{SourceURL: pageURL}, deps)
	require.NoError(t, err)

	res, err := svc.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Run.Records, 4)
}

func TestLatestFallsBackToStore(t *testing.T) {
	t.Parallel()

	india, err := records.NewRecord("India", 1_417_492_000, "1 Mar 2024")
	require.NoError(t, err)
	store := &fakeStore{latest: records.Run{ID: "stored", Records: []records.Record{india}}}

	deps := baseDeps(t, &fakeSource{})
	deps.Store = store
	svc, err := New(Config{SourceURL: pageURL}, deps)
	require.NoError(t, err)

	res, err := svc.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, "stored", res.Run.ID)
	require.Equal(t, int64(1_417_492_000), res.Statistics.TotalPopulation)
}

func TestLatestWrapsStoreError(t *testing.T) {
	t.Parallel()

	loadErr := errors.New("no rows")
	deps := baseDeps(t, &fakeSource{})
	deps.Store = &fakeStore{loadErr: loadErr}
	svc, err := New(Config{SourceURL: pageURL}, deps)
	require.NoError(t, err)

	_, err = svc.Latest(context.Background())
	require.ErrorIs(t, err, ErrNoRun)
	require.ErrorIs(t, err, loadErr)
}

func TestScrapeRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	src := &fakeSource{body: loadPage(t), started: make(chan struct{}), block: make(chan struct{})}
	svc, err := New(Config{SourceURL: pageURL}, baseDeps(t, src))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Scrape(context.Background())
		done <- err
	}()

	<-src.started
	_, err = svc.Scrape(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(src.block)
	require.NoError(t, <-done)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	full := baseDeps(t, &fakeSource{})
	tests := []struct {
		name   string
		cfg    Config
		mutate func(*Deps)
	}{
		{name: "missing url", cfg: Config{}, mutate: func(*Deps) {}},
		{name: "missing source", cfg: Config{SourceURL: pageURL}, mutate: func(d *Deps) { d.Source = nil }},
		{name: "missing extractor", cfg: Config{SourceURL: pageURL}, mutate: func(d *Deps) { d.Extractor = nil }},
		{name: "missing clock", cfg: Config{SourceURL: pageURL}, mutate: func(d *Deps) { d.Clock = nil }},
		{name: "missing ids", cfg: Config{SourceURL: pageURL}, mutate: func(d *Deps) { d.IDs = nil }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			deps := full
			tt.mutate(&deps)
			_, err := New(tt.cfg, deps)
			require.Error(t, err)
		})
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, notify.RunSummary) (string, error) {
	return "", errors.New("pubsub down")
}

func names(recs []records.Record) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Name)
	}
	return out
}

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) { return "", errors.New("hash unavailable") }

func TestScrapeFingerprintsPage(t *testing.T) {
	t.Parallel()

	pub := notifymemory.New()
	deps := baseDeps(t, &fakeSource{body: loadPage(t)})
	deps.Hasher = sha256.New()
	deps.Publisher = pub
	svc, err := New(Config{SourceURL: pageURL}, deps)
	require.NoError(t, err)

	first, err := svc.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Run.PageSHA256, 64)

	second, err := svc.Scrape(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.Run.PageSHA256, second.Run.PageSHA256)
	require.NotEqual(t, first.Run.ID, second.Run.ID)

	published := pub.Messages()
	require.Len(t, published, 2)
	require.Equal(t, first.Run.PageSHA256, published[0].PageSHA256)
}

func TestScrapeHashFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	deps := baseDeps(t, &fakeSource{body: loadPage(t)})
	deps.Hasher = failingHasher{}
	svc, err := New(Config{SourceURL: pageURL}, deps)
	require.NoError(t, err)

	res, err := svc.Scrape(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Run.PageSHA256)
	require.NotEmpty(t, res.Run.Records)
}

func TestScrapeRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	deps := baseDeps(t, &fakeSource{body: loadPage(t)})
	deps.Tracer = tp.Tracer("test")
	svc, err := New(Config{SourceURL: pageURL}, deps)
	require.NoError(t, err)
	_, err = svc.Scrape(context.Background())
	require.NoError(t, err)

	failing := baseDeps(t, &fakeSource{err: errors.New("dial tcp: refused")})
	failing.Tracer = tp.Tracer("test")
	svc, err = New(Config{SourceURL: pageURL}, failing)
	require.NoError(t, err)
	_, err = svc.Scrape(context.Background())
	require.Error(t, err)

	var runs []sdktrace.ReadOnlySpan
	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
		if span.Name() == "scrape.run" {
			runs = append(runs, span)
		}
	}
	require.Contains(t, names, "scrape.fetch")
	require.Len(t, runs, 2)
	require.Equal(t, codes.Unset, runs[0].Status().Code)
	require.Equal(t, codes.Error, runs[1].Status().Code)
}
