// Package fetcher defines the page source contract shared by the colly and
// headless implementations.
package fetcher

import (
	"context"
	"errors"
	"fmt"
)

// ErrFetchFailed matches every FetchError.
var ErrFetchFailed = errors.New("fetch failed")

// PageFetcher retrieves the raw bytes behind a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetchError reports a failed GET. StatusCode is zero when no response arrived.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is reports whether target is ErrFetchFailed.
func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }
