package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cheneeheng/stategate/pkg/telemetry"
)

func newScopeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Scope lifecycle management",
		Long: `Create, inspect, archive, and purge scopes.

A scope is an isolated state container with its own snapshot history,
governance limits, and usage counters. Archiving blocks new mutations while
preserving history; purging destroys the scope and everything it recorded.`,
	}

	cmd.AddCommand(newScopeCreateCommand())
	cmd.AddCommand(newScopeShowCommand())
	cmd.AddCommand(newScopeArchiveCommand())
	cmd.AddCommand(newScopePurgeCommand())

	return cmd
}

func newScopeCreateCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:     "create <scope-id>",
		Short:   "Create a new scope",
		Example: `  stategate scope create demo --name "Demo environment"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if err := rt.repo.CreateScope(ctx, args[0], name); err != nil {
				return err
			}
			// Configured limits for this scope take effect immediately.
			if err := rt.applyLimits(ctx); err != nil {
				return err
			}
			fmt.Printf("Scope %s created\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable scope name")
	return cmd
}

func newScopeShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <scope-id>",
		Short: "Show a scope's lifecycle state and governance usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			info, err := rt.repo.ScopeInfo(ctx, args[0])
			if err != nil {
				return err
			}
			if info == nil {
				return fmt.Errorf("scope %s does not exist", args[0])
			}
			limits, usage, err := rt.repo.LoadGovernance(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"scope":  info,
					"limits": limits,
					"usage":  usage,
				})
			}

			fmt.Printf("Scope:    %s\n", info.ID)
			if info.Name != "" {
				fmt.Printf("Name:     %s\n", info.Name)
			}
			fmt.Printf("Created:  %s\n", info.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Archived: %v\n", info.Archived)
			printLimits(limits)
			fmt.Printf("Usage:    %d/min, %d/hour, %.1f spent since %s\n",
				usage.MinuteCount, usage.HourCount, usage.DailySpent,
				usage.DayStart.Format("2006-01-02"))
			return nil
		},
	}
	return cmd
}

func newScopeArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <scope-id>",
		Short: "Archive a scope, blocking new mutations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if err := rt.repo.ArchiveScope(ctx, args[0]); err != nil {
				return err
			}
			rt.tel.Events.Publish(telemetry.Event{
				Type:    telemetry.EventTypeScopeArchived,
				ScopeID: args[0],
			})
			fmt.Printf("Scope %s archived; history remains readable\n", args[0])
			return nil
		},
	}
	return cmd
}

func newScopePurgeCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "purge <scope-id>",
		Short: "Destroy a scope and its entire history",
		Long: `Destroy a scope, its snapshots, its results, and its session facts.

This is irreversible. Prompts for confirmation unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if !force && !confirmPrompt(fmt.Sprintf("Purge scope %s and all its history?", args[0])) {
				fmt.Println("Aborted")
				return nil
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if err := rt.repo.PurgeScope(ctx, args[0]); err != nil {
				return err
			}
			rt.tel.Events.Publish(telemetry.Event{
				Type:    telemetry.EventTypeScopePurged,
				ScopeID: args[0],
			})
			fmt.Printf("Scope %s purged\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func confirmPrompt(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
