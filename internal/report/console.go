// Package report renders scrape results for people: a fixed-width console listing and a
// self-contained HTML page.
package report

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/JakeFAU/popscrape/internal/records"
)

const ruleWidth = 80

// FormatConsole renders records in rank order followed by a section listing every name
// that occurs more than once. Duplicated names are marked with an asterisk.
func FormatConsole(recs []records.Record, duplicates map[string][]records.Record) string {
	var b strings.Builder
	writeBanner(&b, "COUNTRIES BY POPULATION (Descending Order)")
	fmt.Fprintf(&b, "Total entries: %d\n\n", len(recs))

	for i, rec := range recs {
		marker := " "
		if _, dup := duplicates[rec.Name]; dup {
			marker = "*"
		}
		fmt.Fprintf(&b, "%3d. %s %-40s %15s  (%s)\n", i+1, marker, rec.Name, rec.FormattedPopulation(), rec.AsOf)
	}

	if len(duplicates) > 0 {
		writeDuplicates(&b, duplicates)
	}
	return b.String()
}

// WriteConsole writes FormatConsole output to w.
func WriteConsole(w io.Writer, recs []records.Record, duplicates map[string][]records.Record) error {
	_, err := io.WriteString(w, FormatConsole(recs, duplicates))
	return err
}

// FormatSummary is the one-line trailer printed after a scrape.
func FormatSummary(stats records.Statistics, skipped int) string {
	return fmt.Sprintf("%s entries, total population %s, %s rows skipped",
		humanize.Comma(int64(stats.Count)), humanize.Comma(stats.TotalPopulation), humanize.Comma(int64(skipped)))
}

func writeBanner(b *strings.Builder, title string) {
	rule := strings.Repeat("=", ruleWidth)
	b.WriteString("\n" + rule + "\n")
	b.WriteString(title + "\n")
	b.WriteString(rule + "\n")
}

func writeDuplicates(b *strings.Builder, duplicates map[string][]records.Record) {
	writeBanner(b, "COUNTRIES WITH MULTIPLE ENTRIES")
	fmt.Fprintf(b, "Found %d countries with multiple occurrences:\n", len(duplicates))

	names := make([]string, 0, len(duplicates))
	for name := range duplicates {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		entries := duplicates[name]
		fmt.Fprintf(b, "\n%s - %d occurrences:\n", name, len(entries))
		for i, entry := range entries {
			fmt.Fprintf(b, "  %d. Population: %15s  Date: %s\n", i+1, entry.FormattedPopulation(), entry.AsOf)
		}
	}
}
