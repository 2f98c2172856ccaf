// Package extractor locates the population table in a Wikipedia page and reads
// its data rows without interpreting them.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/records"
)

// ErrTableNotFound is returned when no candidate table carries the required headers.
var ErrTableNotFound = errors.New("population table not found")

var populationCellPattern = regexp.MustCompile("[0-9]+[, \u00a0\t][0-9]+")

// Config controls which table is selected.
type Config struct {
	// LocationKeywords match the header naming the country column.
	LocationKeywords []string
	// PopulationKeywords match the header naming the population column.
	PopulationKeywords []string
	// BaseURL resolves relative flag image URLs.
	BaseURL string
}

// DefaultConfig returns keywords matching the Wikipedia population list.
func DefaultConfig() Config {
	return Config{
		LocationKeywords:   []string{"location", "country", "area"},
		PopulationKeywords: []string{"population"},
		BaseURL:            "https://en.m.wikipedia.org",
	}
}

// Extractor reads RawRows out of an HTML document.
type Extractor struct {
	cfg    Config
	base   *url.URL
	logger *zap.Logger
}

// New builds an Extractor. Empty keyword lists fall back to DefaultConfig.
func New(cfg Config, logger *zap.Logger) (*Extractor, error) {
	defaults := DefaultConfig()
	if len(cfg.LocationKeywords) == 0 {
		cfg.LocationKeywords = defaults.LocationKeywords
	}
	if len(cfg.PopulationKeywords) == 0 {
		cfg.PopulationKeywords = defaults.PopulationKeywords
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		cfg:    cfg,
		base:   base,
		logger: logger,
	}, nil
}

// Extract finds the population table in document and returns its data rows.
func (e *Extractor) Extract(document []byte) ([]records.RawRow, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	table, err := e.findTable(doc)
	if err != nil {
		return nil, err
	}
	return e.parseRows(table), nil
}

func (e *Extractor) findTable(doc *goquery.Document) (*goquery.Selection, error) {
	candidates := doc.Find("table.wikitable")
	e.logger.Info("found candidate tables", zap.Int("wikitable_count", candidates.Length()))
	if match := e.firstMatching(candidates); match != nil {
		return match, nil
	}
	if match := e.firstMatching(doc.Find("table").Not(".wikitable")); match != nil {
		return match, nil
	}
	return nil, ErrTableNotFound
}

func (e *Extractor) firstMatching(tables *goquery.Selection) *goquery.Selection {
	var match *goquery.Selection
	tables.EachWithBreak(func(_ int, table *goquery.Selection) bool {
		if e.isPopulationTable(table) {
			match = table
			return false
		}
		return true
	})
	return match
}

func (e *Extractor) isPopulationTable(table *goquery.Selection) bool {
	var hasLocation, hasPopulation bool
	table.Find("th").Each(func(_ int, th *goquery.Selection) {
		header := strings.ToLower(strings.TrimSpace(th.Text()))
		if containsAny(header, e.cfg.LocationKeywords) {
			hasLocation = true
		}
		if containsAny(header, e.cfg.PopulationKeywords) {
			hasPopulation = true
		}
	})
	return hasLocation && hasPopulation
}

func (e *Extractor) parseRows(table *goquery.Selection) []records.RawRow {
	rows := table.Find("tr")
	e.logger.Info("processing table rows", zap.Int("rows", rows.Length()))

	var out []records.RawRow
	rows.Each(func(idx int, tr *goquery.Selection) {
		if tr.Find("th").Length() > 0 {
			return
		}
		cells := tr.ChildrenFiltered("td")
		if cells.Length() < 3 {
			return
		}
		row, ok := e.readRow(cells)
		if !ok {
			e.logger.Debug("skipping row without name or population", zap.Int("row", idx))
			return
		}
		out = append(out, row)
	})
	e.logger.Info("extracted data rows", zap.Int("rows", len(out)))
	return out
}

func (e *Extractor) readRow(cells *goquery.Selection) (records.RawRow, bool) {
	var row records.RawRow

	nameIdx := -1
	for i := 0; i < min(3, cells.Length()); i++ {
		text := cellText(cells.Eq(i))
		if len([]rune(text)) > 2 && !allDigits(text) {
			nameIdx = i
			break
		}
	}
	if nameIdx < 0 {
		return row, false
	}
	nameHTML, err := cells.Eq(nameIdx).Html()
	if err != nil {
		nameHTML = cellText(cells.Eq(nameIdx))
	}
	row.Name = nameHTML

	popIdx := -1
	cells.EachWithBreak(func(i int, td *goquery.Selection) bool {
		text := cellText(td)
		if populationCellPattern.MatchString(text) && !strings.Contains(text, "%") {
			popIdx = i
			row.Population = text
			return false
		}
		return true
	})
	if popIdx < 0 {
		return row, false
	}

	row.Date = records.DateUnknown
	for j := popIdx + 1; j < min(popIdx+4, cells.Length()); j++ {
		candidate := cellText(cells.Eq(j))
		if candidate == "" ||
			strings.Contains(candidate, "%") ||
			strings.HasPrefix(candidate, "http") ||
			strings.Contains(candidate, "[") {
			continue
		}
		row.Date = candidate
		break
	}

	row.FlagURL = e.flagURL(cells)
	return row, true
}

func (e *Extractor) flagURL(cells *goquery.Selection) string {
	for i := 0; i < min(3, cells.Length()); i++ {
		src, ok := cells.Eq(i).Find("img").First().Attr("src")
		if !ok || strings.TrimSpace(src) == "" {
			continue
		}
		ref, err := url.Parse(strings.TrimSpace(src))
		if err != nil {
			e.logger.Debug("ignoring unparsable image src", zap.String("src", src), zap.Error(err))
			return ""
		}
		resolved := e.base.ResolveReference(ref)
		if resolved.Scheme == "" {
			resolved.Scheme = "https"
		}
		return resolved.String()
	}
	return ""
}

func cellText(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
