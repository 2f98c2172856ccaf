package detector

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/fetcher"
	"github.com/JakeFAU/popscrape/internal/metrics"
)

// Fallback fetches with Primary and re-fetches with Headless when the
// Heuristic judges the primary body to be a client-rendered shell.
type Fallback struct {
	primary   fetcher.PageFetcher
	headless  fetcher.PageFetcher
	heuristic *Heuristic
	logger    *zap.Logger
}

var _ fetcher.PageFetcher = (*Fallback)(nil)

// NewFallback wires a promoting fetcher. A nil heuristic uses the defaults.
func NewFallback(primary, headless fetcher.PageFetcher, h *Heuristic, logger *zap.Logger) *Fallback {
	if h == nil {
		h = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{
		primary:   primary,
		headless:  headless,
		heuristic: h,
		logger:    logger,
	}
}

// Fetch implements fetcher.PageFetcher. Primary errors are returned as is.
func (f *Fallback) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := f.primary.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if !f.heuristic.ShouldPromote(body) {
		return body, nil
	}
	f.logger.Info("promoting fetch to headless", zap.String("url", url), zap.Int("bytes", len(body)))
	metrics.IncHeadlessPromotions()
	return f.headless.Fetch(ctx, url)
}
