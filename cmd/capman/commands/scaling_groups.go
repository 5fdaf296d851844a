package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/capman/pkg/config"
	"github.com/openfroyo/capman/pkg/model"
)

func newScalingGroupsCommand() *cobra.Command {
	var setupPath string

	cmd := &cobra.Command{
		Use:     "scaling-groups",
		Aliases: []string{"sg"},
		Short:   "List scaling groups",
		Long: `List the scaling groups of a setup file. Without a setup, the groups
last persisted to the store are listed.`,
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

			var policies []model.ScalingPolicy
			switch {
			case setupPath != "":
				setup, err := config.LoadSetup(setupPath)
				if err != nil {
					return err
				}
				policies = setup.ScalingGroups
			case cfg.Store.Path != "":
				store, err := openStore(ctx, cfg.Store)
				if err != nil {
					return err
				}
				defer store.Close()
				if policies, err = store.LoadScalingGroups(ctx); err != nil {
					return err
				}
			default:
				return errors.New("no setup or store given: use --setup or set setup_path or store.path in the config")
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}
			w := cmd.OutOrStdout()
			for _, p := range policies {
				fmt.Fprintf(w, "%-20s  folder=%s  start=%s  wait=%s", p.Name, p.ApplicationFolder, p.StartApplicationScript, p.WaitTimeForApplicationAction)
				if p.Dynamic {
					fmt.Fprint(w, "  dynamic")
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&setupPath, "setup", "s", "", "setup file (overrides setup_path of the config)")

	return cmd
}
