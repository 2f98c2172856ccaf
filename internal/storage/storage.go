// Package storage defines where downloaded flag images are written.
package storage

import (
	"context"
	"io"
	"strings"
)

// ImageStore persists one object and returns a URI describing where it landed.
type ImageStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// PathFromURI turns a file:// URI into a filesystem path. Other URIs are
// returned unchanged.
func PathFromURI(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}
