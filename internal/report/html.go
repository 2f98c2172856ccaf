package report

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/JakeFAU/popscrape/internal/records"
)

//go:embed templates/report.html.tmpl
var templateFS embed.FS

var reportTemplate = template.Must(
	template.New("report.html.tmpl").
		Funcs(template.FuncMap{"comma": humanize.Comma}).
		ParseFS(templateFS, "templates/report.html.tmpl"),
)

const gcsPublicHost = "https://storage.googleapis.com/"

// ImageLinker maps a stored local image path to the src the report emits.
type ImageLinker func(path string) string

// Page is everything the HTML report shows.
type Page struct {
	Records     []records.Record
	Duplicates  map[string][]records.Record
	Statistics  records.Statistics
	SourceURL   string
	GeneratedAt time.Time

	// LinkImage rewrites local image paths. Nil emits them as stored.
	LinkImage ImageLinker
}

type htmlRow struct {
	Rank       int
	Name       string
	Key        string
	Population int64
	Formatted  string
	AsOf       string
	ImageSrc   string
	Duplicate  bool
}

type htmlView struct {
	Rows        []htmlRow
	Total       int
	Stats       records.Statistics
	Count       string
	Average     string
	Largest     string
	Smallest    string
	MaxPop      string
	MinPop      string
	SourceURL   string
	GeneratedAt string
}

// RenderHTML writes the report document to w.
func RenderHTML(w io.Writer, page Page) error {
	view := htmlView{
		Total:       len(page.Records),
		Stats:       page.Statistics,
		Count:       humanize.Comma(int64(page.Statistics.Count)),
		Average:     humanize.Comma(int64(page.Statistics.AveragePopulation + 0.5)),
		Largest:     records.DateUnknown,
		Smallest:    records.DateUnknown,
		MaxPop:      "0",
		MinPop:      "0",
		SourceURL:   page.SourceURL,
		GeneratedAt: page.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"),
	}
	if l := page.Statistics.Largest; l != nil {
		view.Largest, view.MaxPop = l.Name, l.FormattedPopulation()
	}
	if s := page.Statistics.Smallest; s != nil {
		view.Smallest, view.MinPop = s.Name, s.FormattedPopulation()
	}
	view.Rows = make([]htmlRow, 0, len(page.Records))
	for i, rec := range page.Records {
		_, dup := page.Duplicates[rec.Name]
		view.Rows = append(view.Rows, htmlRow{
			Rank:       i + 1,
			Name:       rec.Name,
			Key:        strings.ToLower(rec.Name),
			Population: rec.Population,
			Formatted:  rec.FormattedPopulation(),
			AsOf:       rec.AsOf,
			ImageSrc:   imageSrc(rec.ImagePath, page.LinkImage),
			Duplicate:  dup,
		})
	}
	if err := reportTemplate.Execute(w, view); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

// WriteHTMLFile renders the report into path, creating parent directories as needed.
// Unless page.LinkImage is set, local images are linked relative to the
// report's directory so the file can be moved together with them.
func WriteHTMLFile(path string, page Page) (err error) {
	if page.LinkImage == nil {
		if dir, absErr := filepath.Abs(filepath.Dir(path)); absErr == nil {
			page.LinkImage = RelativeTo(dir)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close report file: %w", cerr)
		}
	}()
	return RenderHTML(f, page)
}

// RelativeTo links absolute local paths relative to dir.
func RelativeTo(dir string) ImageLinker {
	return func(path string) string {
		if !filepath.IsAbs(path) {
			return path
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return path
		}
		return slashURL(rel)
	}
}

// ServedFrom links absolute local paths under dir to prefix, the URL path dir
// is served at. Local paths outside dir, or any local path when dir is empty,
// become "" and render as a missing flag.
func ServedFrom(dir, prefix string) ImageLinker {
	return func(path string) string {
		if !filepath.IsAbs(path) {
			return path
		}
		if dir == "" {
			return ""
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return ""
		}
		return strings.TrimSuffix(prefix, "/") + "/" + slashURL(rel)
	}
}

func slashURL(rel string) string {
	return (&url.URL{Path: filepath.ToSlash(rel)}).String()
}

// imageSrc turns a stored image location into something a browser can load.
func imageSrc(path string, link ImageLinker) string {
	if rest, ok := strings.CutPrefix(path, "gs://"); ok {
		return gcsPublicHost + rest
	}
	if path == "" || link == nil {
		return path
	}
	return link(path)
}
