package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/experimentd/internal/metrics"
	"github.com/loykin/experimentd/internal/server"

	"github.com/prometheus/client_golang/prometheus"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the experimentd daemon",
		Long: `Start the experimentd daemon: ensures the store schema, seeds pool
clients and users from the config, and serves the orchestration HTTP
API (plus Prometheus metrics when configured).

Examples:
  experimentd serve --config=config.toml
  experimentd serve config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(configPath)
		},
	}
	return cmd
}

func runServe(configPath string) error {
	rt, err := newRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if err := seedFromConfig(ctx, rt); err != nil {
		return err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		rt.logger.Warn("failed to register metrics", "error", err)
	}
	if rt.cfg.Metrics.Listen != "" {
		go func() {
			if err := serveMetrics(rt.cfg.Metrics.Listen); err != nil {
				rt.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	orc := rt.orchestrator()
	if rt.cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen must be configured to run serve command")
	}
	srv, err := server.NewServer(rt.cfg.Server.Listen, rt.cfg.Server.BasePath, orc, rt.st, rt.reg)
	if err != nil {
		return err
	}
	rt.logger.Info("daemon started",
		"listen", rt.cfg.Server.Listen, "store", rt.cfg.Store.DSN,
		"models", rt.reg.Models())

	<-ctx.Done()
	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("http shutdown", "error", err)
	}
	// workers are independent processes; leave them running and let
	// their outcomes land in the store
	return nil
}

func serveMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
