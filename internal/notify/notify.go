// Package notify announces completed scrape runs to downstream consumers.
package notify

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/JakeFAU/popscrape/internal/records"
)

// EventRunCompleted is the event attribute attached to every summary.
const EventRunCompleted = "run.completed"

// RunSummary is the payload published after a run finishes.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	SourceURL       string    `json:"source_url"`
	ScrapedAt       time.Time `json:"scraped_at"`
	PageSHA256      string    `json:"page_sha256,omitempty"`
	RecordCount     int       `json:"record_count"`
	TotalPopulation int64     `json:"total_population"`
	DuplicateNames  []string  `json:"duplicate_names,omitempty"`
	SkippedRows     int       `json:"skipped_rows"`
	FlagsSucceeded  int       `json:"flags_succeeded"`
	FlagsFailed     int       `json:"flags_failed"`
}

// Publisher delivers run summaries and returns a message id.
type Publisher interface {
	Publish(ctx context.Context, summary RunSummary) (string, error)
}

// Summarize derives the summary for run.
func Summarize(run records.Run, flagsSucceeded, flagsFailed int) RunSummary {
	stats := records.ComputeStatistics(run.Records)
	return RunSummary{
		RunID:           run.ID,
		SourceURL:       run.SourceURL,
		ScrapedAt:       run.ScrapedAt,
		PageSHA256:      run.PageSHA256,
		RecordCount:     stats.Count,
		TotalPopulation: stats.TotalPopulation,
		DuplicateNames:  slices.Sorted(maps.Keys(run.Duplicates)),
		SkippedRows:     len(run.Skipped),
		FlagsSucceeded:  flagsSucceeded,
		FlagsFailed:     flagsFailed,
	}
}
