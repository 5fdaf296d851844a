package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/capman/pkg/config"
	"github.com/openfroyo/capman/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var setupPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration, the setup and the policies",
		Long: `Validate the configuration file, the setup file and the admission policies
without touching the cloud.

This command checks:
  - Syntax of YAML, JSON and CUE files
  - Conformance to the built-in CUE schemas
  - Field constraints and cross-field rules
  - Compilation of every rego policy`,
		Example: `  # Validate the defaults and an explicit setup
  capman validate --setup setup.yaml

  # Validate a config and the setup it references
  capman validate -c capman.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "config: ok (provider %s)\n", cfg.Cloud.Provider)

			if setupPath == "" {
				setupPath = cfg.SetupPath
			}
			if setupPath != "" {
				setup, err := config.LoadSetup(setupPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "setup: ok (%d scaling groups, %d of %d nodes enabled)\n",
					len(setup.ScalingGroups), len(setup.EnabledNodes()), len(setup.Nodes))
			} else {
				log.Warn().Msg("No setup given, skipping setup validation")
			}

			if !cfg.Policy.Enabled {
				fmt.Fprintln(out, "policies: disabled")
				return nil
			}
			engine, err := newPolicyEngine(ctx, cfg.Policy, log.Logger)
			if err != nil {
				return err
			}
			policies := engine.ListPolicies()
			fmt.Fprintf(out, "policies: ok (%d loaded)\n", len(policies))
			if verbose {
				fmt.Fprint(out, policy.Describe(policies))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&setupPath, "setup", "s", "", "setup file (overrides setup_path of the config)")

	return cmd
}
