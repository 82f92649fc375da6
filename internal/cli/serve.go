package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andywolf/issuelens/internal/logging"
	"github.com/andywolf/issuelens/internal/runstore"
	"github.com/andywolf/issuelens/internal/server"
	"github.com/andywolf/issuelens/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the analysis HTTP API",
	Long: `Serve the analysis API:

  POST /api/analyze          run an analysis and wait for the result
  POST /api/analyze/start    start a run and return its id
  GET  /api/analyze/status   poll a run (?runId=...&after=N)
  POST /api/analyze/stream   run an analysis over server-sent events
  GET  /healthz              liveness and build info

Runs started with /start are kept in memory for server.run_ttl.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (default from config, :8080)")
	serveCmd.Flags().String("skills-dir", "", "Directory whose skills/<name>.md files override the built-in skills")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := logging.New("serve")

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	addr = pick(addr, cfg.Server.Addr)
	skillsDir, _ := cmd.Flags().GetString("skills-dir")

	analyzer, err := buildAnalyzer(cfg, skillsDir)
	if err != nil {
		return err
	}
	exporter, err := buildExporter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopExporter(exporter, logger)

	store := runstore.New(
		runstore.WithTTL(cfg.RunTTL()),
		runstore.WithMaxRuns(cfg.Server.MaxRuns),
		runstore.WithLogger(logging.New("runstore")),
	)
	srv := server.New(analyzer, serverDefaults(cfg),
		server.WithStore(store),
		server.WithExporter(exporter),
		server.WithRateLimit(cfg.Server.RateLimit),
		server.WithMaxConcurrentRuns(cfg.Server.MaxConcurrentRuns),
		server.WithLogger(logging.New("server")),
	)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", addr, "version", version.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
		if err := srv.Wait(shutdownCtx); err != nil {
			logger.Warn("runs still in flight at shutdown", "remaining", store.Len(), "error", err)
		}
		return nil
	})
	return g.Wait()
}
