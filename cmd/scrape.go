package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/config"
	"github.com/JakeFAU/popscrape/internal/report"
)

// newScrapeCmd creates the 'scrape' subcommand, which runs one scrape and prints
// the result.
func newScrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape once and print countries by population",
		Long: `Fetches the population table, prints every record in descending order of
population followed by names that appear more than once, and optionally
writes an HTML report and downloads flag images.`,
		Args: cobra.NoArgs,
		RunE: runScrapeCommand,
	}

	f := cmd.Flags()
	f.String("url", config.DefaultSourceURL, "page holding the population table")
	f.Bool("headless", false, "render the page in headless Chrome before extracting")
	f.Bool("headless-fallback", false, "retry in headless Chrome when the plain page has no table")
	f.Int64("min-population", 0, "drop records below this population (0 keeps all)")
	f.Int64("max-population", 0, "drop records above this population (0 keeps all)")
	f.String("html-report", "", "write an HTML report to this path")
	f.Bool("download-flags", false, "download each country's flag image")
	f.String("flags-dir", "flags", "directory for downloaded flags when using local storage")
	f.String("flags-storage", config.StorageLocal, "flag image storage: local, memory or gcs")
	f.Float64("flags-rate", 0, "flag requests per second per host (0 is unlimited)")
	f.SetNormalizeFunc(populationAliases)
	return cmd
}

// populationAliases accepts the short --min-pop/--max-pop spellings.
func populationAliases(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "min-pop":
		name = "min-population"
	case "max-pop":
		name = "max-population"
	}
	return pflag.NormalizedName(name)
}

func runScrapeCommand(cmd *cobra.Command, _ []string) error {
	instance, err := appFrom(cmd.Context())
	if err != nil {
		return err
	}
	cfg := instance.Config()
	logger := instance.Logger()

	res, err := instance.Scraper().Scrape(cmd.Context())
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}

	out := cmd.OutOrStdout()
	if err := report.WriteConsole(out, res.Run.Records, res.Run.Duplicates); err != nil {
		return fmt.Errorf("write console report: %w", err)
	}
	fmt.Fprintf(out, "\n%s\n", report.FormatSummary(res.Statistics, len(res.Run.Skipped)))

	if cfg.Flags.Enabled {
		ok, failed := res.Flags.Counts()
		fmt.Fprintf(out, "Flags downloaded: %d succeeded, %d failed\n", ok, failed)
	}

	if path := strings.TrimSpace(cfg.Report.HTMLPath); path != "" {
		err := report.WriteHTMLFile(path, report.Page{
			Records:     res.Run.Records,
			Duplicates:  res.Run.Duplicates,
			Statistics:  res.Statistics,
			SourceURL:   res.Run.SourceURL,
			GeneratedAt: res.Run.ScrapedAt,
		})
		if err != nil {
			return fmt.Errorf("write html report: %w", err)
		}
		logger.Info("html report written", zap.String("path", path))
		fmt.Fprintf(out, "\nHTML report written to: %s\n", path)
	}
	return nil
}
