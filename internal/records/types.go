package records

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// DateUnknown is used when a row carries no usable as-of date.
const DateUnknown = "N/A"

// RawRow is one data row exactly as the extractor read it.
type RawRow struct {
	Name       string
	Population string
	Date       string
	FlagURL    string
}

// Record is a validated country population entry. Values are never mutated after
// Build creates them; use WithImagePath to derive a copy carrying a flag path.
type Record struct {
	Name       string `json:"name"`
	Population int64  `json:"population"`
	AsOf       string `json:"as_of"`
	ImagePath  string `json:"image_path,omitempty"`
}

// NewRecord validates the invariants and returns a Record.
func NewRecord(name string, population int64, asOf string) (Record, error) {
	if name == "" {
		return Record{}, ErrInvalidName
	}
	if population < 0 {
		return Record{}, fmt.Errorf("%w: population %d is negative", ErrInvalidPopulation, population)
	}
	if asOf == "" {
		asOf = DateUnknown
	}
	return Record{Name: name, Population: population, AsOf: asOf}, nil
}

// WithImagePath returns a copy of r with the image path set.
func (r Record) WithImagePath(path string) Record {
	r.ImagePath = path
	return r
}

// HasImage reports whether a flag image was attached.
func (r Record) HasImage() bool {
	return r.ImagePath != ""
}

// FormattedPopulation renders the population with thousand separators.
func (r Record) FormattedPopulation() string {
	return humanize.Comma(r.Population)
}

func (r Record) String() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.FormattedPopulation())
}

// Statistics summarizes a set of records.
type Statistics struct {
	Count             int     `json:"count"`
	TotalPopulation   int64   `json:"total_population"`
	AveragePopulation float64 `json:"average_population"`
	Largest           *Record `json:"largest,omitempty"`
	Smallest          *Record `json:"smallest,omitempty"`
}

// Run is the outcome of one scrape. A newer Run supersedes an older one; runs are
// never edited in place.
type Run struct {
	ID         string              `json:"id"`
	SourceURL  string              `json:"source_url"`
	ScrapedAt  time.Time           `json:"scraped_at"`
	PageSHA256 string              `json:"page_sha256,omitempty"`
	Records    []Record            `json:"records"`
	Duplicates map[string][]Record `json:"duplicates"`
	Skipped    []RowError          `json:"skipped,omitempty"`
}
