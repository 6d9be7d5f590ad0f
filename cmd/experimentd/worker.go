package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/experimentd/internal/pool"
	"github.com/loykin/experimentd/internal/supervisor"
)

// createWorkerCommand creates the hidden worker subcommand. The
// orchestrator re-execs this binary with it to run one experiment in
// an isolated process; the worker opens its own store connection,
// supervises the run to a terminal state, and reports through the
// outcome file. Exit status 0 means the run completed.
func createWorkerCommand(globalFlags *GlobalFlags) *cobra.Command {
	workerFlags := &WorkerFlags{}
	cmd := &cobra.Command{
		Use:    "worker",
		Hidden: true,
		Short:  "Run one experiment to a terminal state (internal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(globalFlags.ConfigPath, workerFlags.ID)
		},
	}
	cmd.Flags().StringVar(&workerFlags.ID, "id", "", "experiment id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func runWorker(configPath, id string) error {
	rt, err := newRuntime(configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := rt.st.GetExperiment(ctx, id)
	if err != nil {
		return fmt.Errorf("load experiment: %w", err)
	}
	t, err := rt.reg.Lookup(e.Model)
	if err != nil {
		return err
	}

	pm := pool.New(rt.st, rt.cfg.PoolConfig(), rt.logger)
	sup := supervisor.New(rt.st, pm, rt.notifier, rt.sinks, rt.cfg.SupervisorConfig(), rt.logger)
	return sup.Supervise(ctx, e, t)
}
