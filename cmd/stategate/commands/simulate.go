package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/cheneeheng/stategate/pkg/engine"
)

func newSimulateCommand() *cobra.Command {
	var (
		scopeID     string
		principalID string
		role        string
		inputsJSON  string
		confirmed   bool
	)

	cmd := &cobra.Command{
		Use:   "simulate <action-id>",
		Short: "Dry-run a single action intent",
		Long: `Evaluate an action against the current state without committing.

Every governance check runs exactly as it would for a real execution, so a
simulation that succeeds would also have succeeded for real at the same
point in time. The projected diff is shown; no snapshot is written, no
counters advance, and no result is recorded.`,
		Example: `  stategate simulate demo.counter.set --scope demo --inputs '{"value": 7}' --role operator`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			inputs, err := parseInputs(inputsJSON)
			if err != nil {
				return err
			}
			principal, err := parsePrincipal(principalID, role)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			result, err := rt.engine.SimulateIntent(ctx, scopeID, principal, engine.Intent{
				Type:      engine.IntentActionCall,
				RequestID: orNewRequestID(""),
				Timestamp: time.Now().UTC(),
				ActionID:  args[0],
				Inputs:    inputs,
				Confirmed: confirmed,
			})
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	cmd.Flags().StringVarP(&principalID, "principal", "p", "cli", "principal id")
	cmd.Flags().StringVarP(&role, "role", "r", "operator", "principal role (viewer, operator, admin)")
	cmd.Flags().StringVarP(&inputsJSON, "inputs", "i", "", "action inputs as a JSON object")
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "confirm a high-risk action")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}
