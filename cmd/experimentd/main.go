package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/experimentd/internal/experiment"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "experimentd",
		Short: "RL experiment orchestration daemon",
		Long: `Experimentd orchestrates reinforcement-learning training runs:
it reserves remote execution clients from a shared pool, persists each
experiment's lifecycle, supervises the worker process doing the
training, and supports checkpointed resumes.

Examples:
  experimentd serve --config=config.toml
  experimentd run --model=ppo --env-id=CartPole-v1 --owner=alice
  experimentd continue 7c1f... --extra-steps=500000
  experimentd clients add --address=10.0.0.5:9000`,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file")

	root.AddCommand(
		createServeCommand(globalFlags),
		createRunCommand(globalFlags),
		createContinueCommand(globalFlags),
		createContinueGroupCommand(globalFlags),
		createStatusCommand(globalFlags),
		createClientsCommand(globalFlags),
		createModelsCommand(globalFlags),
		createWorkerCommand(globalFlags),
	)
	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new experiment",
		Long: `Start a new experiment: validates the model kind, persists the
record, and launches a supervised worker process.

Examples:
  experimentd run --model=ppo --env-id=CartPole-v1 --owner=alice
  experimentd run --model=dqn --env-id=Pong-v5 --owner=bob --params='{"total_timesteps":1000000,"num_envs":4}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.st.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			var params experiment.Params
			if runFlags.ParamsJSON != "" {
				if err := json.Unmarshal([]byte(runFlags.ParamsJSON), &params); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
			}
			orc := rt.orchestrator()
			e, err := orc.RunNew(cmd.Context(), runFlags.Model, runFlags.EnvID,
				runFlags.Owner, params, runFlags.GroupID)
			if err != nil {
				return err
			}
			printJSON(e)
			if runFlags.Wait {
				orc.Wait()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runFlags.Model, "model", "", "model kind (required)")
	cmd.Flags().StringVar(&runFlags.EnvID, "env-id", "", "environment identifier (required)")
	cmd.Flags().StringVar(&runFlags.Owner, "owner", "", "experiment owner (required)")
	cmd.Flags().StringVar(&runFlags.GroupID, "group", "", "group id (new one allocated when empty)")
	cmd.Flags().StringVar(&runFlags.ParamsJSON, "params", "", "hyperparameters as JSON")
	cmd.Flags().BoolVar(&runFlags.Wait, "wait", false, "block until the worker exits")
	for _, f := range []string{"model", "env-id", "owner"} {
		if err := cmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}
	return cmd
}

func createContinueCommand(globalFlags *GlobalFlags) *cobra.Command {
	contFlags := &ContinueFlags{}
	cmd := &cobra.Command{
		Use:   "continue <experiment-id>",
		Short: "Resume a finished experiment",
		Long: `Resume a finished experiment under the same id and log directory.
The log directory is checkpointed first, the resume artifact path is
set, and the timestep budget is bumped by --extra-steps.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer rt.close()
			orc := rt.orchestrator()
			e, err := orc.ContinueSingle(cmd.Context(), args[0], contFlags.Owner, contFlags.ExtraSteps)
			if err != nil {
				return err
			}
			printJSON(e)
			if contFlags.Wait {
				orc.Wait()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contFlags.Owner, "owner", "", "new owner (keeps current owner when empty)")
	cmd.Flags().IntVar(&contFlags.ExtraSteps, "extra-steps", 0, "additional timesteps for the resumed run")
	cmd.Flags().BoolVar(&contFlags.Wait, "wait", false, "block until the worker exits")
	return cmd
}

func createContinueGroupCommand(globalFlags *GlobalFlags) *cobra.Command {
	contFlags := &ContinueFlags{}
	cmd := &cobra.Command{
		Use:   "continue-group <group-id>",
		Short: "Resume every experiment in a group",
		Long: `Resume all experiments sharing a group id, in insertion order. One
member's failure does not halt the remaining members.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer rt.close()
			orc := rt.orchestrator()
			resumed, err := orc.ContinueGroup(cmd.Context(), args[0], contFlags.Owner, contFlags.ExtraSteps)
			printJSON(resumed)
			if err != nil {
				return err
			}
			if contFlags.Wait {
				orc.Wait()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contFlags.Owner, "owner", "", "new owner (keeps current owners when empty)")
	cmd.Flags().IntVar(&contFlags.ExtraSteps, "extra-steps", 0, "additional timesteps per resumed run")
	cmd.Flags().BoolVar(&contFlags.Wait, "wait", false, "block until all workers exit")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	statusFlags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show an experiment or group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer rt.close()
			if statusFlags.Group {
				list, err := rt.st.GetExperimentsByGroup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJSON(list)
				return nil
			}
			e, err := rt.st.GetExperiment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(e)
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusFlags.Group, "group", false, "treat the id as a group id")
	return cmd
}

func createClientsCommand(globalFlags *GlobalFlags) *cobra.Command {
	clientFlags := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage the client pool",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List pool entries and their reservation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer rt.close()
			clients, err := rt.st.ListClients(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(clients)
			return nil
		},
	}
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a client to the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.st.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			return rt.st.AddClient(cmd.Context(), clientFlags.Address)
		},
	}
	add.Flags().StringVar(&clientFlags.Address, "address", "", "client address as host:port (required)")
	if err := add.MarkFlagRequired("address"); err != nil {
		panic(err)
	}
	cmd.AddCommand(list, add)
	return cmd
}

func createModelsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List model kinds registered in the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer rt.close()
			printJSON(rt.reg.Models())
			return nil
		},
	}
}

// seedFromConfig loads [[clients]] and [[users]] entries into the
// store so a fresh deployment is usable from the config alone.
func seedFromConfig(ctx context.Context, rt *runtime) error {
	for _, c := range rt.cfg.Clients {
		if err := rt.st.AddClient(ctx, c.Address); err != nil {
			return fmt.Errorf("seed client %s: %w", c.Address, err)
		}
	}
	for _, u := range rt.cfg.Users {
		if err := rt.st.PutUser(ctx, experiment.User{ID: u.ID, Name: u.Name, ChatID: u.ChatID}); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	return nil
}
