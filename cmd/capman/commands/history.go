package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/capman/pkg/execution"
	"github.com/openfroyo/capman/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		kind              string
		state             string
		needsIntervention bool
		limit             int
		pruneBefore       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the execution history",
		Long: `List recorded executions from the store configured under store.path.

Every state change of every action is recorded, so the history shows
which actions were rejected, aborted or compensated, and which ones need
manual intervention because their compensation failed.`,
		Example: `  # Last 20 executions
  capman history -c capman.yaml

  # Aborted node starts
  capman history -c capman.yaml --kind node_start --state aborted

  # Everything that needs a human
  capman history -c capman.yaml --needs-intervention

  # Drop executions older than a week
  capman history -c capman.yaml --prune 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if pruneBefore > 0 {
				n, err := store.PruneExecutions(ctx, time.Now().Add(-pruneBefore))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d executions\n", n)
				return nil
			}

			records, err := store.ListExecutions(ctx, stores.ExecutionFilter{
				Kind:              execution.Kind(kind),
				State:             execution.State(state),
				NeedsIntervention: needsIntervention,
				Limit:             limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), records)
			}
			w := cmd.OutOrStdout()
			for _, r := range records {
				fmt.Fprintf(w, "%-36s  %-22s  %-14s  %-13s  attempts=%d  %s",
					r.ID, r.Kind, r.ObjectID, r.State, r.Attempts, r.SubmittedAt.Format(time.RFC3339))
				if r.NeedsIntervention {
					fmt.Fprint(w, "  NEEDS INTERVENTION")
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only executions of this action kind")
	cmd.Flags().StringVar(&state, "state", "", "only executions in this state")
	cmd.Flags().BoolVar(&needsIntervention, "needs-intervention", false, "only executions whose compensation failed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of executions")
	cmd.Flags().DurationVar(&pruneBefore, "prune", 0, "delete finished executions older than this instead of listing")

	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution and its state changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.GetExecution(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("execution %s not found", args[0])
			}
			if err != nil {
				return err
			}
			events, err := store.ListEvents(ctx, record.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					Execution *stores.ExecutionRecord  `json:"execution"`
					Events    []*stores.ExecutionEvent `json:"events"`
				}{record, events})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "ID:          %s\n", record.ID)
			fmt.Fprintf(w, "Kind:        %s\n", record.Kind)
			fmt.Fprintf(w, "Description: %s\n", record.Description)
			fmt.Fprintf(w, "Object:      %s %s\n", record.ObjectType, record.ObjectID)
			fmt.Fprintf(w, "State:       %s\n", record.State)
			fmt.Fprintf(w, "Attempts:    %d\n", record.Attempts)
			if record.Error != "" {
				fmt.Fprintf(w, "Error:       %s\n", record.Error)
			}
			if record.CompensationError != "" {
				fmt.Fprintf(w, "Compensation error: %s\n", record.CompensationError)
			}
			for _, reason := range record.RejectReasons {
				fmt.Fprintf(w, "Rejected:    %s\n", reason)
			}
			if record.NeedsIntervention {
				fmt.Fprintln(w, "Needs manual intervention")
			}
			fmt.Fprintln(w, "\nEvents:")
			for _, e := range events {
				fmt.Fprintf(w, "  %s  %-13s  attempts=%d", e.Timestamp.Format(time.RFC3339Nano), e.State, e.Attempts)
				if e.Error != "" {
					fmt.Fprintf(w, "  error=%q", e.Error)
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}
}

// openHistory opens the store named by the configuration.
func openHistory(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		return nil, errors.New("no store configured: set store.path in the config")
	}
	return openStore(cmd.Context(), cfg.Store)
}
