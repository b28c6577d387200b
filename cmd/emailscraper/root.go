package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/config"
	"github.com/scrapekit/emailscraper/internal/jobmanager"
	"github.com/scrapekit/emailscraper/internal/livestore"
	"github.com/scrapekit/emailscraper/internal/logging"
	"github.com/scrapekit/emailscraper/internal/metrics"
	"github.com/scrapekit/emailscraper/internal/storage/postgres"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emailscraper",
		Short: "Distributed email extraction from submitted URL lists.",
		Long: `emailscraper crawls submitted URLs, extracts email addresses with
obfuscation-aware detectors, validates their domains over DNS, and
stores the results for export. It runs as an HTTP API, as a worker
fleet, or as a one-shot job CLI.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars with EMAILSCRAPER_ prefix override)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newJobCmd())

	return cmd
}

// app holds the shared service dependencies built once per command.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	store *postgres.Store
	live  *livestore.Store
	jobs  *jobmanager.Manager
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	zap.ReplaceGlobals(log)
	metrics.Init()

	store, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	progressTTL := time.Duration(cfg.Scraper.ProgressTTLSec) * time.Second
	workerTTL := time.Duration(cfg.Worker.HeartbeatTTLSec) * time.Second
	live, err := livestore.New(cfg.Redis, progressTTL, workerTTL, log)
	if err != nil {
		// The durable store stays authoritative; live views degrade.
		log.Warn("redis unavailable, live progress disabled", zap.Error(err))
		live = livestore.Noop(log)
	}

	jobs := jobmanager.New(store, live, cfg.Scraper.MaxURLsPerJob, log)

	return &app{cfg: cfg, log: log, store: store, live: live, jobs: jobs}, nil
}

func (a *app) close() {
	a.store.Close()
	_ = a.live.Close()
	_ = a.log.Sync()
}
