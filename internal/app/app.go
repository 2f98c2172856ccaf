// Package app builds the long-lived services a command needs from a loaded
// Config and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/clock/system"
	"github.com/JakeFAU/popscrape/internal/config"
	"github.com/JakeFAU/popscrape/internal/extractor"
	collyfetcher "github.com/JakeFAU/popscrape/internal/fetcher/colly"
	"github.com/JakeFAU/popscrape/internal/fetcher/headless"
	"github.com/JakeFAU/popscrape/internal/flags"
	"github.com/JakeFAU/popscrape/internal/hash/sha256"
	"github.com/JakeFAU/popscrape/internal/headless/detector"
	"github.com/JakeFAU/popscrape/internal/id/uuid"
	"github.com/JakeFAU/popscrape/internal/notify"
	notifypubsub "github.com/JakeFAU/popscrape/internal/notify/pubsub"
	"github.com/JakeFAU/popscrape/internal/ratelimit"
	"github.com/JakeFAU/popscrape/internal/scraper"
	"github.com/JakeFAU/popscrape/internal/storage"
	"github.com/JakeFAU/popscrape/internal/storage/gcs"
	"github.com/JakeFAU/popscrape/internal/storage/local"
	"github.com/JakeFAU/popscrape/internal/storage/memory"
	"github.com/JakeFAU/popscrape/internal/storage/postgres"
	"github.com/JakeFAU/popscrape/internal/telemetry"
)

// gcsFlagPrefix keeps flag objects together inside a shared bucket.
const gcsFlagPrefix = "flags"

// App holds the services shared by the scrape and serve commands.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	scraper *scraper.Service
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

type options struct {
	source    scraper.Source
	images    storage.ImageStore
	store     scraper.RunStore
	publisher notify.Publisher
}

// Option overrides a service New would otherwise build from Config.
type Option func(*options)

// WithSource replaces the colly/headless page source. A source that also
// implements io.Closer is closed with the App.
func WithSource(src scraper.Source) Option {
	return func(o *options) { o.source = src }
}

// WithImageStore replaces the configured flag image store.
func WithImageStore(store storage.ImageStore) Option {
	return func(o *options) { o.images = store }
}

// WithRunStore replaces the Postgres run store.
func WithRunStore(store scraper.RunStore) Option {
	return func(o *options) { o.store = store }
}

// WithPublisher replaces the Pub/Sub publisher.
func WithPublisher(pub notify.Publisher) Option {
	return func(o *options) { o.publisher = pub }
}

// New initializes every service cfg enables. It fails fast; anything opened
// before the failure is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services")

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{ServiceName: cfg.Tracing.ServiceName})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.addCloser("tracing", func() error {
			return tp.Shutdown(context.Background())
		})
	}

	source := o.source
	if c, ok := source.(io.Closer); ok {
		a.addCloser("source", c.Close)
	}
	if source == nil {
		if source, err = a.buildSource(); err != nil {
			return nil, err
		}
	}

	ex, err := extractor.New(extractor.Config{
		LocationKeywords:   cfg.Source.LocationKeywords,
		PopulationKeywords: cfg.Source.PopulationKeywords,
		BaseURL:            cfg.Source.URL,
	}, logger.Named("extractor"))
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	deps := scraper.Deps{
		Source:    source,
		Extractor: ex,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Logger:    logger.Named("scraper"),
	}

	if cfg.Flags.Enabled {
		images := o.images
		if images == nil {
			if images, err = a.buildImageStore(ctx); err != nil {
				return nil, err
			}
		}
		limiter := ratelimit.New(ratelimit.Config{
			RPS:   cfg.Flags.RatePerSecond,
			Burst: cfg.Flags.Burst,
		})
		downloader, err := flags.New(a.flagGetter(), images, flags.Config{
			MaxConcurrent: int64(cfg.Flags.MaxConcurrent),
			Timeout:       cfg.FlagTimeout(),
			Limiter:       limiter,
		}, logger.Named("flags"))
		if err != nil {
			return nil, fmt.Errorf("init flag downloader: %w", err)
		}
		deps.Flags = downloader
	}

	deps.Store = o.store
	if deps.Store == nil && cfg.DB.DSN != "" {
		if deps.Store, err = a.openRecordStore(ctx); err != nil {
			return nil, err
		}
	}

	deps.Publisher = o.publisher
	if deps.Publisher == nil && cfg.PubSub.ProjectID != "" {
		logger.Info("connecting to pub/sub", zap.String("topic", cfg.PubSub.Topic))
		pub, err := notifypubsub.Open(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		a.addCloser("pubsub", pub.Close)
		deps.Publisher = pub
	}

	a.scraper, err = scraper.New(scraper.Config{
		SourceURL: cfg.Source.URL,
		Bounds:    cfg.Bounds(),
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("init scraper: %w", err)
	}

	logger.Info("application services initialized",
		zap.Bool("headless", cfg.Source.Headless),
		zap.Bool("flags", cfg.Flags.Enabled),
		zap.Bool("postgres", deps.Store != nil),
		zap.Bool("pubsub", deps.Publisher != nil),
	)
	return a, nil
}

func (a *App) buildSource() (scraper.Source, error) {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Source.UserAgent,
		Timeout:   a.cfg.SourceTimeout(),
	}, a.logger.Named("colly"))
	if !a.cfg.Source.Headless && !a.cfg.Source.HeadlessFallback {
		return plain, nil
	}
	h, err := headless.NewChromedp(headless.Config{
		MaxParallel:       a.cfg.Source.HeadlessMaxParallel,
		UserAgent:         a.cfg.Source.UserAgent,
		NavigationTimeout: a.cfg.SourceTimeout(),
	}, a.logger.Named("headless"))
	if err != nil {
		return nil, fmt.Errorf("init headless fetcher: %w", err)
	}
	a.addCloser("headless", func() error {
		h.Close()
		return nil
	})
	if a.cfg.Source.Headless {
		return h, nil
	}
	return detector.NewFallback(plain, h, nil, a.logger.Named("detector")), nil
}

// flagGetter is a separate collector so image requests carry the Referer
// upload hosts expect.
func (a *App) flagGetter() flags.Getter {
	headers := http.Header{}
	if a.cfg.Flags.Referer != "" {
		headers.Set("Referer", a.cfg.Flags.Referer)
	}
	return collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Source.UserAgent,
		Timeout:   a.cfg.FlagTimeout(),
		Headers:   headers,
	}, a.logger.Named("flag-getter"))
}

func (a *App) buildImageStore(ctx context.Context) (storage.ImageStore, error) {
	switch a.cfg.Flags.Storage {
	case config.StorageLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Flags.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local image store: %w", err)
		}
		a.logger.Info("using local image store", zap.String("dir", store.BaseDir()))
		return store, nil
	case config.StorageMemory:
		a.logger.Info("using in-memory image store; flags are discarded on exit")
		return memory.NewBlobStore(), nil
	case config.StorageGCS:
		a.logger.Info("using gcs image store", zap.String("bucket", a.cfg.Flags.GCSBucket))
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Flags.GCSBucket, Prefix: gcsFlagPrefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs image store: %w", err)
		}
		a.addCloser("gcs", store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown image storage %q", a.cfg.Flags.Storage)
	}
}

func (a *App) openRecordStore(ctx context.Context) (*postgres.RecordStore, error) {
	a.logger.Info("connecting to postgres", zap.String("table", a.cfg.DB.Table))
	store, err := postgres.NewRecordStore(ctx, postgres.Config{DSN: a.cfg.DB.DSN, Table: a.cfg.DB.Table})
	if err != nil {
		return nil, fmt.Errorf("init record store: %w", err)
	}
	a.addCloser("postgres", func() error {
		store.Close()
		return nil
	})
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure record schema: %w", err)
	}
	return store, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Config returns the validated configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scraper returns the scrape service.
func (a *App) Scraper() *scraper.Service {
	return a.scraper
}

// Close shuts services down in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
