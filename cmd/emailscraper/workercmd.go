package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/config"
	"github.com/scrapekit/emailscraper/internal/dnsvalidator"
	"github.com/scrapekit/emailscraper/internal/extractor"
	"github.com/scrapekit/emailscraper/internal/fetcher"
	"github.com/scrapekit/emailscraper/internal/worker"
)

// newSupervisor assembles the fetch/extract/validate pipeline behind a
// worker fleet supervisor.
func newSupervisor(a *app, workerCfg config.WorkerConfig) *worker.Supervisor {
	validator := dnsvalidator.New(dnsvalidator.Options{
		Enabled: a.cfg.Extractor.DNSValidation,
		TTL:     time.Duration(a.cfg.Extractor.DNSCacheTTLSec) * time.Second,
	}, a.store, a.log)

	return worker.NewSupervisor(workerCfg, worker.Deps{
		Store:     a.store,
		Live:      a.live,
		Jobs:      a.jobs,
		Fetcher:   fetcher.New(a.cfg.Fetcher, a.log),
		Extractor: extractor.New(validator, a.log),
		Log:       a.log,
	})
}

func newWorkerCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a supervised worker fleet that processes claimed URL batches.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			workerCfg := a.cfg.Worker
			if count > 0 {
				workerCfg.MaxWorkers = count
			}

			sup := newSupervisor(a, workerCfg)
			if err := sup.Start(ctx); err != nil {
				return err
			}
			a.log.Info("worker fleet running", zap.Int("workers", workerCfg.MaxWorkers))

			<-ctx.Done()
			a.log.Info("shutdown initiated")
			sup.Stop()
			a.log.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "number of workers (defaults to worker.max_workers)")
	return cmd
}
