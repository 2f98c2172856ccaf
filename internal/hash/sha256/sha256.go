// Package sha256 fingerprints fetched pages so runs over identical HTML can
// be recognized.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements scraper.Hasher.
type Hasher struct{}

// New returns a page hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex SHA-256 digest of page. It never fails.
func (Hasher) Hash(page []byte) (string, error) {
	sum := sha256.Sum256(page)
	return hex.EncodeToString(sum[:]), nil
}
