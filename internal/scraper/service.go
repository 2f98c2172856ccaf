// Package scraper runs one end-to-end scrape: fetch the page, extract and
// normalize its rows, optionally download flags, then hand the finished run to
// the configured sinks.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/flags"
	"github.com/JakeFAU/popscrape/internal/metrics"
	"github.com/JakeFAU/popscrape/internal/notify"
	"github.com/JakeFAU/popscrape/internal/records"
)

const tracerName = "github.com/JakeFAU/popscrape/internal/scraper"

var (
	// ErrRunInProgress is returned when Scrape is called while another run is active.
	ErrRunInProgress = errors.New("scrape already running")
	// ErrNoRun is returned by Latest before any run has completed.
	ErrNoRun = errors.New("no completed run")
)

// Source retrieves the page holding the population table.
type Source interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Extractor pulls raw rows out of the fetched page.
type Extractor interface {
	Extract(document []byte) ([]records.RawRow, error)
}

// FlagDownloader fetches flag images for a batch of countries.
type FlagDownloader interface {
	Download(ctx context.Context, items []flags.Item) flags.Results
}

// RunStore persists completed runs.
type RunStore interface {
	SaveRun(ctx context.Context, run records.Run) error
}

// RunLoader restores the most recent persisted run.
type RunLoader interface {
	LatestRun(ctx context.Context) (records.Run, error)
}

// Clock supplies the scrape timestamp.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints run ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher fingerprints the fetched page.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config selects what a run keeps.
type Config struct {
	SourceURL string
	Bounds    records.Bounds
}

// Deps are the collaborators of a Service. Flags, Store, Publisher and Hasher
// are optional. Tracer defaults to the global provider.
type Deps struct {
	Source    Source
	Extractor Extractor
	Flags     FlagDownloader
	Store     RunStore
	Publisher notify.Publisher
	Hasher    Hasher
	Clock     Clock
	IDs       IDGenerator
	Logger    *zap.Logger
	Tracer    trace.Tracer
}

// Result is what one Scrape produced.
type Result struct {
	Run        records.Run
	Statistics records.Statistics
	Flags      flags.Results
}

// Service coordinates scrapes and remembers the latest one.
type Service struct {
	cfg  Config
	deps Deps

	running sync.Mutex

	mu     sync.RWMutex
	latest *Result
}

// New validates deps and returns a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	if cfg.SourceURL == "" {
		return nil, fmt.Errorf("source url is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if deps.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	return &Service{cfg: cfg, deps: deps}, nil
}

// Scrape performs one run. Only fetch, extraction and id failures abort it;
// flag, store and publish failures are logged and the run still completes.
func (s *Service) Scrape(ctx context.Context) (Result, error) {
	if !s.running.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer s.running.Unlock()

	ctx, span := s.deps.Tracer.Start(ctx, "scrape.run",
		trace.WithAttributes(attribute.String("source.url", s.cfg.SourceURL)))
	defer span.End()

	start := time.Now()
	res, err := s.scrape(ctx)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ObserveRun(status, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("run.id", res.Run.ID),
		attribute.Int("run.records", len(res.Run.Records)),
		attribute.Int("run.skipped", len(res.Run.Skipped)),
	)

	s.mu.Lock()
	s.latest = &res
	s.mu.Unlock()
	return res, nil
}

func (s *Service) scrape(ctx context.Context) (Result, error) {
	logger := s.deps.Logger.With(zap.String("source_url", s.cfg.SourceURL))

	runID, err := s.deps.IDs.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate run id: %w", err)
	}
	logger = logger.With(zap.String("run_id", runID))
	scrapedAt := s.deps.Clock.Now()

	fetchCtx, fetchSpan := s.deps.Tracer.Start(ctx, "scrape.fetch")
	page, err := s.deps.Source.Fetch(fetchCtx, s.cfg.SourceURL)
	fetchSpan.SetAttributes(attribute.Int("page.bytes", len(page)))
	fetchSpan.End()
	if err != nil {
		return Result{}, fmt.Errorf("fetch page: %w", err)
	}
	logger.Info("fetched page", zap.Int("bytes", len(page)))
	pageHash := s.fingerprint(logger, page)

	rows, err := s.deps.Extractor.Extract(page)
	if err != nil {
		return Result{}, fmt.Errorf("extract rows: %w", err)
	}

	built, skipped := records.Build(rows)
	metrics.ObserveRows(len(built), len(skipped))
	for _, rowErr := range skipped {
		logger.Debug("skipped row", zap.Int("row", rowErr.Index), zap.String("reason", rowErr.Reason), zap.Error(rowErr.Err))
	}

	kept := records.SortDescending(records.FilterByThreshold(built, s.cfg.Bounds))

	var flagResults flags.Results
	if s.deps.Flags != nil {
		flagCtx, flagSpan := s.deps.Tracer.Start(ctx, "scrape.flags")
		flagResults = s.deps.Flags.Download(flagCtx, flagItems(kept, rows))
		ok, failed := flagResults.Counts()
		flagSpan.SetAttributes(attribute.Int("flags.succeeded", ok), attribute.Int("flags.failed", failed))
		flagSpan.End()
		kept = attachImages(kept, flagResults.Paths())
	}

	run := records.Run{
		ID:         runID,
		SourceURL:  s.cfg.SourceURL,
		ScrapedAt:  scrapedAt,
		PageSHA256: pageHash,
		Records:    kept,
		Duplicates: records.GroupDuplicates(kept),
		Skipped:    skipped,
	}
	s.deliver(ctx, logger, run, flagResults)

	logger.Info("scrape complete",
		zap.Int("records", len(run.Records)),
		zap.Int("duplicates", len(run.Duplicates)),
		zap.Int("skipped", len(run.Skipped)),
	)
	return Result{Run: run, Statistics: records.ComputeStatistics(kept), Flags: flagResults}, nil
}

// fingerprint hashes page and notes when it matches the previous run. A
// hashing failure only loses the fingerprint.
func (s *Service) fingerprint(logger *zap.Logger, page []byte) string {
	if s.deps.Hasher == nil {
		return ""
	}
	sum, err := s.deps.Hasher.Hash(page)
	if err != nil {
		logger.Warn("failed to hash page", zap.Error(err))
		return ""
	}
	s.mu.RLock()
	previous := s.latest
	s.mu.RUnlock()
	if previous != nil && previous.Run.PageSHA256 == sum {
		logger.Info("page unchanged since previous run", zap.String("previous_run_id", previous.Run.ID))
	}
	return sum
}

func (s *Service) deliver(ctx context.Context, logger *zap.Logger, run records.Run, flagResults flags.Results) {
	if s.deps.Store != nil {
		if err := s.deps.Store.SaveRun(ctx, run); err != nil {
			logger.Error("failed to save run", zap.Error(err))
		}
	}
	if s.deps.Publisher != nil {
		ok, failed := flagResults.Counts()
		msgID, err := s.deps.Publisher.Publish(ctx, notify.Summarize(run, ok, failed))
		if err != nil {
			logger.Error("failed to publish run summary", zap.Error(err))
			return
		}
		logger.Info("published run summary", zap.String("message_id", msgID))
	}
}

// Latest returns the most recent run. Before the first in-process scrape it
// falls back to the store when the store can load runs.
func (s *Service) Latest(ctx context.Context) (Result, error) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest != nil {
		return *latest, nil
	}

	loader, ok := s.deps.Store.(RunLoader)
	if !ok {
		return Result{}, ErrNoRun
	}
	run, err := loader.LatestRun(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrNoRun, err)
	}
	res := Result{Run: run, Statistics: records.ComputeStatistics(run.Records)}

	s.mu.Lock()
	if s.latest == nil {
		s.latest = &res
	}
	s.mu.Unlock()
	return res, nil
}

// flagItems pairs every kept record name with the first flag URL seen for it.
func flagItems(kept []records.Record, rows []records.RawRow) []flags.Item {
	urls := make(map[string]string, len(rows))
	for _, row := range rows {
		name := records.CleanName(row.Name)
		if _, seen := urls[name]; !seen && row.FlagURL != "" {
			urls[name] = row.FlagURL
		}
	}
	items := make([]flags.Item, 0, len(kept))
	for _, rec := range kept {
		items = append(items, flags.Item{Name: rec.Name, URL: urls[rec.Name]})
	}
	return items
}

func attachImages(recs []records.Record, paths map[string]string) []records.Record {
	out := make([]records.Record, len(recs))
	for i, rec := range recs {
		if path, ok := paths[rec.Name]; ok {
			rec = rec.WithImagePath(path)
		}
		out[i] = rec
	}
	return out
}
