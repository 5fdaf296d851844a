package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/capman/pkg/config"
	"github.com/openfroyo/capman/pkg/execution"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/policy"
	"github.com/openfroyo/capman/pkg/repository"
)

func newRunCommand() *cobra.Command {
	var (
		setupPath string
		serve     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the nodes and applications of a setup",
		Long: `Start every enabled node of the setup together with its applications.

This command:
  - Loads and validates the configuration and the setup
  - Persists the scaling groups when a store is configured
  - Submits one node start per enabled node. The starts share the
    default node group and therefore boot one after another
  - Rolls back the started nodes when any start fails for good. The
    last running node is kept, so a failed run leaves one node up
  - With --serve, keeps serving metrics and reloading the setup
    and the policies until interrupted`,
		Example: `  # Start the setup referenced by the config
  capman run -c capman.yaml

  # Start an explicit setup with the simulated provider
  capman run --setup setup.yaml

  # Start and keep watching the setup and the policies
  capman run -c capman.yaml --serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if setupPath == "" {
				setupPath = cfg.SetupPath
			}
			if setupPath == "" {
				return errors.New("no setup given: use --setup or set setup_path in the config")
			}

			setup, err := config.LoadSetup(setupPath)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, cfg, setup)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			group, actions := execution.InitialStartActions(setup)
			rt.logger.Info().
				Str("setup", setupPath).
				Str("provider", cfg.Cloud.Provider).
				Str("node_group", group.Name()).
				Int("nodes", len(actions)).
				Msg("Starting setup")

			result, err := execution.NewPlan(rt.organizer, actions...).Run(ctx)
			if err != nil {
				return fmt.Errorf("failed to run setup: %w", err)
			}

			if err := printRunResult(cmd.OutOrStdout(), result); err != nil {
				return err
			}

			if serve {
				if err := rt.serve(ctx, setupPath); err != nil {
					return err
				}
			}

			if result.Failed() {
				return fmt.Errorf("setup did not start: %d aborted, %d rejected",
					result.Summary.Aborted, result.Summary.Rejected)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&setupPath, "setup", "s", "", "setup file (overrides setup_path of the config)")
	cmd.Flags().BoolVar(&serve, "serve", false, "keep serving metrics and reloading setup and policies")

	return cmd
}

// serve runs the metrics endpoint, the setup watcher and the policy
// watcher until ctx is done.
func (rt *runtime) serve(ctx context.Context, setupPath string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.telemetry.Metrics.Serve(ctx, rt.logger)
	})

	source := func(context.Context) ([]model.ScalingPolicy, error) {
		setup, err := config.LoadSetup(setupPath)
		if err != nil {
			return nil, err
		}
		return setup.ScalingGroups, nil
	}
	watcher := repository.NewWatcher(rt.repo, setupPath, source, rt.logger,
		repository.WithReloadHook(rt.onScalingGroupsReloaded(ctx)))
	g.Go(func() error {
		return watcher.Run(ctx)
	})

	if rt.policies != nil && len(rt.cfg.Policy.Paths) > 0 {
		loader := policy.NewLoader(rt.logger)
		err := loader.Watch(ctx, rt.cfg.Policy.Paths, func(policies []policy.Policy) error {
			return rt.policies.ApplyPolicies(ctx, policies)
		})
		if err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	rt.logger.Info().Msg("Serving until interrupted")
	return g.Wait()
}

// onScalingGroupsReloaded persists a reloaded scaling group set.
func (rt *runtime) onScalingGroupsReloaded(ctx context.Context) func(repository.ReplaceResult, error) {
	return func(res repository.ReplaceResult, err error) {
		if err != nil || rt.store == nil {
			return
		}
		policies := make([]model.ScalingPolicy, 0, len(rt.repo.ScalingGroups()))
		for _, sg := range rt.repo.ScalingGroups() {
			policies = append(policies, sg.Policy())
		}
		if err := rt.store.SaveScalingGroups(ctx, policies); err != nil {
			rt.logger.Error().Err(err).Msg("Failed to persist reloaded scaling groups")
			return
		}
		rt.logger.Debug().
			Strs("added", res.Added).
			Strs("updated", res.Updated).
			Strs("removed", res.Removed).
			Msg("Persisted reloaded scaling groups")
	}
}

func printRunResult(w io.Writer, result *execution.PlanResult) error {
	if jsonOutput {
		out := struct {
			Summary       execution.PlanSummary `json:"summary"`
			Executions    []execution.Snapshot  `json:"executions"`
			Compensations []execution.Snapshot  `json:"compensations,omitempty"`
		}{Summary: result.Summary}
		for _, e := range result.Executions {
			out.Executions = append(out.Executions, e.Snapshot())
		}
		for _, e := range result.Compensations {
			out.Compensations = append(out.Compensations, e.Snapshot())
		}
		return printJSON(w, out)
	}

	for _, e := range result.Executions {
		printSnapshot(w, e.Snapshot())
	}
	for _, e := range result.Compensations {
		printSnapshot(w, e.Snapshot())
	}

	s := result.Summary
	fmt.Fprintf(w, "\n%d actions: %d succeeded, %d aborted, %d rejected", s.Total, s.Succeeded, s.Aborted, s.Rejected)
	if s.Compensated > 0 || s.CompensationFailed > 0 {
		fmt.Fprintf(w, ", %d compensated, %d compensation failures", s.Compensated, s.CompensationFailed)
	}
	fmt.Fprintln(w)
	return nil
}

func printSnapshot(w io.Writer, s execution.Snapshot) {
	fmt.Fprintf(w, "%-36s  %-22s  %-14s  %-13s  attempts=%d", s.ID, s.Kind, s.ObjectID, s.State, s.Attempts)
	if s.Error != "" {
		fmt.Fprintf(w, "  error=%q", s.Error)
	}
	if s.NeedsIntervention {
		fmt.Fprint(w, "  NEEDS INTERVENTION")
	}
	fmt.Fprintln(w)
}
