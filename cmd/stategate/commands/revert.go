package commands

import (
	"github.com/spf13/cobra"
)

func newRevertCommand() *cobra.Command {
	var (
		scopeID     string
		principalID string
		role        string
	)

	cmd := &cobra.Command{
		Use:   "revert <snapshot-id>",
		Short: "Restore an earlier snapshot's state",
		Long: `Restore a scope to the state captured by an earlier snapshot.

Revert moves forward, not backward: it commits a new snapshot whose content
equals the target, so the audit trail records the revert itself and nothing
is ever rewritten. Requires the operator role or higher.`,
		Example: `  stategate revert 2f1c...a9 --scope demo --role operator`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			result, err := rt.engine.Revert(ctx, scopeID, principal, args[0])
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	cmd.Flags().StringVarP(&principalID, "principal", "p", "cli", "principal id")
	cmd.Flags().StringVarP(&role, "role", "r", "operator", "principal role (viewer, operator, admin)")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}
