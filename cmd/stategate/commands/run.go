package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cheneeheng/stategate/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		scopeID     string
		principalID string
		role        string
		inputsJSON  string
		mode        string
		requestID   string
		confirmed   bool
		simulate    bool
	)

	cmd := &cobra.Command{
		Use:   "run <action-id>",
		Short: "Execute a single action intent",
		Long: `Execute one registered action against a scope.

The intent passes the full pipeline: input validation, role authorization,
confirmation and approval checks, rate and budget limits, preconditions,
and invariants. The result and the new snapshot are committed atomically.

Use --simulate for a dry run: every check still applies, but nothing is
persisted and no counters advance.`,
		Example: `  # Increment the demo counter
  stategate run demo.counter.increment --scope demo --principal alice --role operator

  # Set a value with inputs
  stategate run demo.counter.set --scope demo --inputs '{"value": 42}' --role operator

  # High-risk actions need explicit confirmation and an admin role
  stategate run demo.counter.reset --scope demo --role admin --confirm

  # Dry run
  stategate run demo.counter.set --scope demo --inputs '{"value": 9}' --role operator --simulate`,
		Args: cobra.ExactArgs(1),
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

			intent := engine.Intent{
				Type:      engine.IntentActionCall,
				RequestID: orNewRequestID(requestID),
				Timestamp: time.Now().UTC(),
				Mode:      engine.Mode(mode),
				ActionID:  args[0],
				Inputs:    inputs,
				Confirmed: confirmed,
			}

			var result *engine.ExecutionResult
			if simulate {
				result, err = rt.engine.SimulateIntent(ctx, scopeID, principal, intent)
			} else {
				result, err = rt.engine.ExecuteIntent(ctx, scopeID, principal, intent)
			}
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
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode (interactive, assisted, autonomous)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "correlation id (generated when empty)")
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "confirm a high-risk action")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "dry run, persist nothing")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}

func parseInputs(inputsJSON string) (map[string]any, error) {
	if inputsJSON == "" {
		return nil, nil
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
		return nil, fmt.Errorf("parsing --inputs: %w", err)
	}
	return inputs, nil
}

func parsePrincipal(principalID, role string) (engine.Principal, error) {
	switch engine.Role(role) {
	case engine.RoleViewer, engine.RoleOperator, engine.RoleAdmin:
	default:
		return engine.Principal{}, fmt.Errorf("unknown role %q (want viewer, operator, or admin)", role)
	}
	return engine.Principal{ID: principalID, Role: engine.Role(role)}, nil
}

func orNewRequestID(requestID string) string {
	if requestID != "" {
		return requestID
	}
	return uuid.NewString()
}
