package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newReplayCommand() *cobra.Command {
	var (
		scopeID    string
		upToResult string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reconstruct scope state from the execution history",
		Long: `Rebuild component state by replaying recorded diffs from the start of
the scope's history.

Replaying the full history must reproduce the latest snapshot exactly; a
mismatch indicates storage corruption. With --to, replay stops after the
named result, showing the state as it was at that point in time.`,
		Example: `  # Reconstruct current state from history
  stategate replay --scope demo

  # State as of a specific result
  stategate replay --scope demo --to 7d3e...f1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			state, err := rt.engine.Reconstruct(ctx, scopeID, upToResult)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(state)
			}
			if len(state) == 0 {
				fmt.Println("Reconstructed state is empty")
				return nil
			}
			components := make([]string, 0, len(state))
			for id := range state {
				components = append(components, id)
			}
			sort.Strings(components)
			for _, id := range components {
				fmt.Printf("%s:\n", id)
				fields := make([]string, 0, len(state[id]))
				for field := range state[id] {
					fields = append(fields, field)
				}
				sort.Strings(fields)
				for _, field := range fields {
					fmt.Printf("  %s = %v\n", field, state[id][field])
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	cmd.Flags().StringVar(&upToResult, "to", "", "stop after this result id")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}
