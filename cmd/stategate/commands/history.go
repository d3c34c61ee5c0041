package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		scopeID string
		since   time.Duration
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the execution history of a scope",
		Long: `List recorded execution results for a scope in commit order.

Every attempt is recorded, including rejections and failures, so the
history is a complete audit trail of who asked for what and why it was or
was not allowed.`,
		Example: `  # Full history
  stategate history --scope demo

  # Only the last hour
  stategate history --scope demo --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			var cutoff time.Time
			if since > 0 {
				cutoff = time.Now().UTC().Add(-since)
			}
			results, err := rt.repo.ListResults(ctx, scopeID, cutoff)
			if err != nil {
				return err
			}
			if limit > 0 && len(results) > limit {
				results = results[len(results)-limit:]
			}

			if jsonOutput {
				return printJSON(results)
			}
			if len(results) == 0 {
				fmt.Println("No results recorded")
				return nil
			}
			for _, result := range results {
				fmt.Printf("%s  %-8s %-24s %s  cost=%.1f\n",
					result.Timestamp.Format(time.RFC3339),
					statusTag(result.Status),
					result.ActionID,
					result.ResultID,
					result.Cost)
				if result.Error != nil {
					fmt.Printf("%26s %s: %s\n", "", result.Error.Code, result.Error.Detail)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	cmd.Flags().DurationVar(&since, "since", 0, "only results newer than this age (e.g. 1h, 30m)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest N results")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}
