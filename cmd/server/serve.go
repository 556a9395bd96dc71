package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/metrics"
	"github.com/warp/points-ledger/points"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the scheduled expiration sweep",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 8080, "HTTP server port (overrides PORT)")
	cmd.Flags().Bool("no-sweep", false, "do not schedule the expiration sweep")
	cmd.Flags().Bool("sweep-on-start", false, "run one sweep immediately on start")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ledger, closeStore, err := openLedger(ctx, cfg, logger, points.WithRecorder(metrics.New(reg)))
	if err != nil {
		return err
	}
	defer closeStore()

	var scheduler *api.SweepScheduler
	if noSweep, _ := cmd.Flags().GetBool("no-sweep"); !noSweep {
		scheduler, err = api.NewSweepScheduler(ledger, logger, cfg.SweepSchedule)
		if err != nil {
			return err
		}
		scheduler.RunOnStart, _ = cmd.Flags().GetBool("sweep-on-start")
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	router := api.NewRouter(api.NewHandler(ledger, logger), reg)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("sweep still running at shutdown")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
