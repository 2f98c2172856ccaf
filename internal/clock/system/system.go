// Package system provides the wall clock used to stamp scrape runs.
package system

import "time"

// Clock satisfies scraper.Clock with UTC wall time.
type Clock struct{}

// New creates a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC, truncated to microseconds so it survives a
// round trip through Postgres timestamptz unchanged.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
