package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cheneeheng/stategate/pkg/governance"
)

func newLimitsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Governance limit management",
		Long: `Inspect and change the declared governance limits of a scope.

Limits cap successful executions per rolling minute and hour, cumulative
cost per UTC day, allowed execution windows, and cost thresholds that
require role-based approval. Changed limits apply to the next execution;
nothing in-flight is interrupted.`,
	}

	cmd.AddCommand(newLimitsShowCommand())
	cmd.AddCommand(newLimitsSetCommand())

	return cmd
}

func newLimitsShowCommand() *cobra.Command {
	var scopeID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a scope's declared limits and current usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			limits, usage, err := rt.repo.LoadGovernance(ctx, scopeID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{"limits": limits, "usage": usage})
			}
			printLimits(limits)
			fmt.Printf("Usage:    %d/min, %d/hour, %.1f spent since %s\n",
				usage.MinuteCount, usage.HourCount, usage.DailySpent,
				usage.DayStart.Format("2006-01-02"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newLimitsSetCommand() *cobra.Command {
	var (
		scopeID     string
		perMinute   int
		perHour     int
		dailyBudget float64
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace a scope's declared limits",
		Long: `Replace the declared limits for a scope.

Zero rates mean unlimited; a negative daily budget means unlimited spend.
Windows and approval rules are managed through the config file, where they
can be reviewed; this command keeps whatever is currently declared.`,
		Example: `  stategate limits set --scope demo --rate-per-minute 10 --daily-budget 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			limits, _, err := rt.repo.LoadGovernance(ctx, scopeID)
			if err != nil {
				return err
			}
			limits.RatePerMinute = perMinute
			limits.RatePerHour = perHour
			if dailyBudget >= 0 {
				limits.DailyBudget = &dailyBudget
			} else {
				limits.DailyBudget = nil
			}

			if err := rt.repo.SetLimits(ctx, scopeID, limits); err != nil {
				return err
			}
			fmt.Printf("Limits updated for scope %s\n", scopeID)
			printLimits(limits)
			return nil
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	cmd.Flags().IntVar(&perMinute, "rate-per-minute", 0, "max successful executions per rolling minute (0 = unlimited)")
	cmd.Flags().IntVar(&perHour, "rate-per-hour", 0, "max successful executions per rolling hour (0 = unlimited)")
	cmd.Flags().Float64Var(&dailyBudget, "daily-budget", -1, "max cumulative cost per UTC day (negative = unlimited)")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func printLimits(limits governance.Limits) {
	fmt.Println("Limits:")
	fmt.Printf("  rate:   %s/min, %s/hour\n",
		unlimitedInt(limits.RatePerMinute), unlimitedInt(limits.RatePerHour))
	if limits.DailyBudget != nil {
		fmt.Printf("  budget: %.1f/day\n", *limits.DailyBudget)
	} else {
		fmt.Println("  budget: unlimited")
	}
	for _, w := range limits.Windows {
		fmt.Printf("  window: %s-%s %v\n", w.Start, w.End, w.Days)
	}
	for _, rule := range limits.Approvals {
		fmt.Printf("  approval: cost >= %.1f requires %s\n", rule.MinCost, rule.RequiredRole)
	}
}

func unlimitedInt(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
