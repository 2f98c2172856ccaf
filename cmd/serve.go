package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/popscrape/internal/api"
	"github.com/JakeFAU/popscrape/internal/config"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the 'serve' subcommand, which exposes the latest scrape
// over HTTP until interrupted.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the latest scrape over HTTP",
		Long: `Starts an HTTP server exposing the latest scrape as JSON and as an HTML report,
Prometheus metrics on /metrics, and POST /v1/refresh to scrape again.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}

	f := cmd.Flags()
	f.Int("port", 8080, "port to listen on")
	f.String("url", config.DefaultSourceURL, "page holding the population table")
	f.Bool("headless", false, "render the page in headless Chrome before extracting")
	f.Bool("headless-fallback", false, "retry in headless Chrome when the plain page has no table")
	f.Bool("download-flags", false, "download each country's flag image on refresh")
	f.String("flags-dir", "flags", "directory for downloaded flags when using local storage")
	f.String("flags-storage", config.StorageLocal, "flag image storage: local, memory or gcs")
	f.Float64("flags-rate", 0, "flag requests per second per host (0 is unlimited)")
	f.String("api-key", "", "require this key on POST /v1/refresh")
	f.Bool("refresh", true, "scrape once at startup")
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	instance, err := appFrom(cmd.Context())
	if err != nil {
		return err
	}
	cfg := instance.Config()
	logger := instance.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.RefreshOnStart {
		go func() {
			if _, err := instance.Scraper().Scrape(ctx); err != nil {
				logger.Error("initial scrape failed", zap.Error(err))
			}
		}()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
	}
	apiCfg := api.Config{APIKey: cfg.Server.APIKey}
	if cfg.Flags.Enabled && cfg.Flags.Storage == config.StorageLocal {
		dir, err := filepath.Abs(cfg.Flags.Dir)
		if err != nil {
			return fmt.Errorf("resolve flags dir: %w", err)
		}
		apiCfg.FlagsDir = dir
	}
	server := api.NewServer(instance.Scraper(), apiCfg, logger.Named("api"))
	return serveHTTP(ctx, ln, server.Handler(), logger)
}

// serveHTTP serves h on ln until ctx ends, then shuts down gracefully.
func serveHTTP(ctx context.Context, ln net.Listener, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
