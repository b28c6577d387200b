package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrapekit/emailscraper/internal/api"
	"github.com/scrapekit/emailscraper/internal/worker"
)

func newServeCmd() *cobra.Command {
	var embeddedWorkers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server, optionally with an embedded worker fleet.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			var sup *worker.Supervisor
			if embeddedWorkers > 0 {
				workerCfg := a.cfg.Worker
				workerCfg.MaxWorkers = embeddedWorkers
				sup = newSupervisor(a, workerCfg)
				if err := sup.Start(ctx); err != nil {
					return err
				}
				a.log.Info("embedded worker fleet running", zap.Int("workers", embeddedWorkers))
			}

			apiServer := api.NewServer(a.jobs, a.live, a.log)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler:           apiServer.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				a.log.Info("http server started", zap.Int("port", a.cfg.Server.Port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error("http server error", zap.Error(err))
					stop()
				}
			}()

			<-ctx.Done()
			a.log.Info("shutdown initiated")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("server shutdown error", zap.Error(err))
			}
			if sup != nil {
				sup.Stop()
			}
			a.log.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&embeddedWorkers, "workers", 0, "run this many workers in-process alongside the API")
	return cmd
}
