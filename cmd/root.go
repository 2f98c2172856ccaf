// Package cmd defines the popscrape command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/app"
	"github.com/JakeFAU/popscrape/internal/config"
	"github.com/JakeFAU/popscrape/internal/logging"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

type rootOptions struct {
	cfgFile string
	verbose bool
}

// newRootCmd builds the command tree. appOpts are handed to app.New, which lets
// tests swap the page source or sinks.
func newRootCmd(appOpts ...app.Option) *cobra.Command {
	v := viper.New()
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "popscrape",
		Short: "Scrape the Wikipedia list of countries by population.",
		Long: `popscrape reads the countries-by-population table from Wikipedia, normalizes
every row into a record, reports duplicates and statistics, and can download
each country's flag. Results go to the console, an HTML report, Postgres and
Pub/Sub, or are served over HTTP.`,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.LoadFrom(v, opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(logging.Verbosity(opts.verbose)))
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if opts.cfgFile != "" {
				logger.Info("using config file", zap.String("path", opts.cfgFile))
			}

			instance, err := app.New(cmd.Context(), cfg, logger, appOpts...)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, instance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to a config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func appFrom(ctx context.Context) (*app.App, error) {
	instance, ok := ctx.Value(appKey).(*app.App)
	if !ok || instance == nil {
		return nil, errors.New("application services not initialized")
	}
	return instance, nil
}

// flagKeys maps command line flags onto config keys. Only the flags of the
// command being run are bound, so scrape and serve may share a flag name.
var flagKeys = map[string]string{
	"url":               "source.url",
	"headless":          "source.headless",
	"headless-fallback": "source.headless_fallback",
	"min-population":    "filter.min_population",
	"max-population":    "filter.max_population",
	"html-report":       "report.html_path",
	"download-flags":    "flags.enabled",
	"flags-dir":         "flags.dir",
	"flags-storage":     "flags.storage",
	"flags-rate":        "flags.rate_per_second",
	"port":              "server.port",
	"api-key":           "server.api_key",
	"refresh":           "server.refresh_on_start",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = fmt.Errorf("bind flag %q: %w", f.Name, bindErr)
		}
	})
	return err
}

// executeContext runs root and then closes the App the executed command
// built, whether or not the command failed.
func executeContext(ctx context.Context, root *cobra.Command) error {
	executed, err := root.ExecuteContextC(ctx)
	if executed == nil || executed.Context() == nil {
		return err
	}
	instance, appErr := appFrom(executed.Context())
	if appErr != nil {
		return err
	}
	closeErr := instance.Close()
	// Sync fails on stdout/stderr for some platforms; nothing useful to do with it.
	_ = instance.Logger().Sync()
	return errors.Join(err, closeErr)
}

// Execute runs the root command.
func Execute() {
	if err := executeContext(context.Background(), newRootCmd()); err != nil {
		os.Exit(1)
	}
}
