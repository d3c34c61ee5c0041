package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cheneeheng/stategate/pkg/engine"
)

func newMemoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Per-principal session memory",
		Long: `Store and retrieve per-principal facts within a scope.

Session facts live outside the snapshot history: remembering or forgetting
a fact never creates a snapshot and is invisible to revert and replay.`,
	}

	cmd.AddCommand(newMemoryRememberCommand())
	cmd.AddCommand(newMemoryForgetCommand())
	cmd.AddCommand(newMemoryShowCommand())

	return cmd
}

func newMemoryRememberCommand() *cobra.Command {
	var (
		scopeID     string
		principalID string
		role        string
	)

	cmd := &cobra.Command{
		Use:     "remember <key> <value>",
		Short:   "Store a session fact",
		Example: `  stategate memory remember preferred_region eu-west-1 --scope demo --principal alice`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryAction(cmd, scopeID, principalID, role, engine.ActionMemoryRemember,
				map[string]any{"key": args[0], "value": args[1]})
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	cmd.Flags().StringVarP(&principalID, "principal", "p", "cli", "principal id")
	cmd.Flags().StringVarP(&role, "role", "r", "operator", "principal role (viewer, operator, admin)")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newMemoryForgetCommand() *cobra.Command {
	var (
		scopeID     string
		principalID string
		role        string
	)

	cmd := &cobra.Command{
		Use:   "forget <key>",
		Short: "Remove a session fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryAction(cmd, scopeID, principalID, role, engine.ActionMemoryForget,
				map[string]any{"key": args[0]})
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	cmd.Flags().StringVarP(&principalID, "principal", "p", "cli", "principal id")
	cmd.Flags().StringVarP(&role, "role", "r", "operator", "principal role (viewer, operator, admin)")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newMemoryShowCommand() *cobra.Command {
	var (
		scopeID     string
		principalID string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "List the session facts of a principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			facts, err := rt.repo.SessionFacts(ctx, scopeID, principalID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(facts)
			}
			if len(facts) == 0 {
				fmt.Println("No facts stored")
				return nil
			}
			keys := make([]string, 0, len(facts))
			for key := range facts {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Printf("%s = %v\n", key, facts[key])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	cmd.Flags().StringVarP(&principalID, "principal", "p", "cli", "principal id")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func runMemoryAction(cmd *cobra.Command, scopeID, principalID, role, actionID string, inputs map[string]any) error {
	ctx := cmd.Context()

	principal, err := parsePrincipal(principalID, role)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	result, err := rt.engine.ExecuteIntent(ctx, scopeID, principal, engine.Intent{
		Type:      engine.IntentActionCall,
		RequestID: orNewRequestID(""),
		Timestamp: time.Now().UTC(),
		ActionID:  actionID,
		Inputs:    inputs,
	})
	if err != nil {
		return err
	}
	return printResult(result)
}
