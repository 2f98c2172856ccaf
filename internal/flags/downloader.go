// Package flags downloads country flag images with a bounded number of
// concurrent fetches.
//
// Every item moves through pending, in-flight and one terminal state. A failed
// item never affects its siblings and nothing is retried.
package flags

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/popscrape/internal/metrics"
	"github.com/JakeFAU/popscrape/internal/storage"
)

const (
	// DefaultMaxConcurrent bounds in-flight fetches when Config leaves it unset.
	DefaultMaxConcurrent = 10
	// DefaultTimeout applies to each fetch when Config leaves it unset.
	DefaultTimeout = 15 * time.Second

	defaultExtension   = ".png"
	defaultContentType = "image/png"
)

// ErrNoURL marks items submitted without an image URL.
var ErrNoURL = errors.New("flag url is empty")

// Getter fetches the bytes behind a URL.
type Getter interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// State is the lifecycle position of one download.
type State string

// Download states.
const (
	StatePending   State = "pending"
	StateInFlight  State = "in-flight"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Item names one flag to download.
type Item struct {
	Name string
	URL  string
}

// Result is the terminal outcome for one country.
type Result struct {
	State State
	// Path is where the image was written; empty unless State is StateSucceeded.
	Path string
	Err  error
}

// Results maps country name to its outcome.
type Results map[string]Result

// Paths returns name to path for succeeded downloads only.
func (r Results) Paths() map[string]string {
	out := make(map[string]string, len(r))
	for name, res := range r {
		if res.State == StateSucceeded {
			out[name] = res.Path
		}
	}
	return out
}

// Counts returns the number of succeeded and failed items.
func (r Results) Counts() (succeeded, failed int) {
	for _, res := range r {
		switch res.State {
		case StateSucceeded:
			succeeded++
		case StateFailed:
			failed++
		}
	}
	return succeeded, failed
}

// Config tunes the downloader.
type Config struct {
	MaxConcurrent int64
	Timeout       time.Duration
	// Prefix is prepended to stored object names, e.g. "flags/".
	Prefix string

	// Limiter, when set, spaces out requests to each image host.
	Limiter Limiter
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Downloader fetches images through a Getter and writes them to an ImageStore.
// Concurrent Download calls share one permit pool.
type Downloader struct {
	getter  Getter
	store   storage.ImageStore
	cfg     Config
	permits *semaphore.Weighted
	logger  *zap.Logger
}

// New builds a Downloader.
func New(getter Getter, store storage.ImageStore, cfg Config, logger *zap.Logger) (*Downloader, error) {
	if getter == nil {
		return nil, fmt.Errorf("getter is required")
	}
	if store == nil {
		return nil, fmt.Errorf("image store is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		getter:  getter,
		store:   store,
		cfg:     cfg,
		permits: semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  logger,
	}, nil
}

// Download fetches every item and blocks until all reach a terminal state.
// Items sharing a name are downloaded once, using the first URL seen. Items
// still waiting for a permit when ctx ends are marked failed.
func (d *Downloader) Download(ctx context.Context, items []Item) Results {
	b := newBatch()
	var queue []Item
	for _, item := range items {
		if _, seen := b.states[item.Name]; seen {
			continue
		}
		b.states[item.Name] = Result{State: StatePending}
		if strings.TrimSpace(item.URL) == "" {
			b.finish(item.Name, Result{State: StateFailed, Err: ErrNoURL})
			metrics.ObserveFlagDownload(string(StateFailed))
			continue
		}
		queue = append(queue, item)
	}
	d.logger.Info("starting flag downloads",
		zap.Int("items", len(queue)),
		zap.Int64("max_concurrent", d.cfg.MaxConcurrent),
	)

	var wg sync.WaitGroup
	for _, item := range queue {
		wg.Add(1)
		go func(item Item) {
			defer wg.Done()
			res := d.run(ctx, b, item)
			b.finish(item.Name, res)
			metrics.ObserveFlagDownload(string(res.State))
		}(item)
	}
	wg.Wait()

	results := b.snapshot()
	succeeded, failed := results.Counts()
	d.logger.Info("flag downloads finished",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
	)
	return results
}

func (d *Downloader) run(ctx context.Context, b *batch, item Item) Result {
	if d.cfg.Limiter != nil {
		if err := d.cfg.Limiter.Wait(ctx, item.URL); err != nil {
			return Result{State: StateFailed, Err: err}
		}
	}
	if err := d.permits.Acquire(ctx, 1); err != nil {
		return Result{State: StateFailed, Err: fmt.Errorf("wait for permit: %w", err)}
	}
	defer d.permits.Release(1)

	b.set(item.Name, StateInFlight)
	metrics.IncFlagsInFlight()
	defer metrics.DecFlagsInFlight()

	fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	path, err := d.fetchOne(fetchCtx, item)
	if err != nil {
		d.logger.Debug("flag download failed", zap.String("country", item.Name), zap.Error(err))
		return Result{State: StateFailed, Err: err}
	}
	d.logger.Debug("flag downloaded", zap.String("country", item.Name), zap.String("path", path))
	return Result{State: StateSucceeded, Path: path}
}

func (d *Downloader) fetchOne(ctx context.Context, item Item) (string, error) {
	body, err := d.getter.Fetch(ctx, item.URL)
	if err != nil {
		return "", fmt.Errorf("fetch flag: %w", err)
	}
	ext, contentType := detectType(body)
	name := d.cfg.Prefix + SafeFileName(item.Name) + ext
	uri, err := d.store.PutObject(ctx, name, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store flag: %w", err)
	}
	return storage.PathFromURI(uri), nil
}

// SafeFileName keeps letters, digits, spaces and underscores, replaces every
// other rune with '_' and then turns spaces into '_'.
func SafeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r), r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func detectType(body []byte) (ext, contentType string) {
	mt := mimetype.Detect(body)
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "image/") && m.Extension() != "" {
			return m.Extension(), m.String()
		}
	}
	return defaultExtension, defaultContentType
}

type batch struct {
	mu     sync.Mutex
	states Results
}

func newBatch() *batch {
	return &batch{states: make(Results)}
}

func (b *batch) set(name string, s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[name] = Result{State: s}
}

func (b *batch) finish(name string, res Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[name] = res
}

func (b *batch) snapshot() Results {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(Results, len(b.states))
	for k, v := range b.states {
		out[k] = v
	}
	return out
}
