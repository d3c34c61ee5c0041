package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cheneeheng/stategate/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		scopeID     string
		principalID string
		role        string
		planFile    string
		simulate    bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Execute a multi-step plan",
		Long: `Execute an ordered sequence of action intents from a plan file.

Each step passes the full governance pipeline and commits independently.
Execution halts at the first step that does not succeed; steps already
committed stay committed. The execution mode of the first step bounds the
number of steps the plan may contain.`,
		Example: `  # Execute a plan
  stategate plan --scope demo --file plan.yaml --role operator

  # Dry-run the whole plan, chaining projected state between steps
  stategate plan --scope demo --file plan.yaml --role operator --simulate

  # plan.yaml:
  #   steps:
  #     - type: action_call
  #       execution_mode: assisted
  #       action_id: demo.counter.load
  #     - type: action_call
  #       action_id: demo.counter.increment`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			plan, err := loadPlan(planFile)
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

			var results []*engine.ExecutionResult
			if simulate {
				results, err = rt.engine.SimulatePlan(ctx, scopeID, principal, plan)
			} else {
				results, err = rt.engine.ExecutePlan(ctx, scopeID, principal, plan)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(results)
			}
			for i, result := range results {
				fmt.Printf("step %d/%d:\n", i+1, len(plan.Steps))
				if err := printResult(result); err != nil {
					return err
				}
			}
			fmt.Printf("%d of %d steps executed\n", len(results), len(plan.Steps))
			return nil
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "target scope id")
	cmd.Flags().StringVarP(&principalID, "principal", "p", "cli", "principal id")
	cmd.Flags().StringVarP(&role, "role", "r", "operator", "principal role (viewer, operator, admin)")
	cmd.Flags().StringVarP(&planFile, "file", "f", "", "plan file (YAML or JSON)")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "dry run, persist nothing")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// planDocument is the on-disk plan schema. It is converted to the engine's
// intent representation after parsing.
type planDocument struct {
	Steps []planStep `yaml:"steps"`
}

type planStep struct {
	Type      string         `yaml:"type"`
	Mode      string         `yaml:"execution_mode"`
	ActionID  string         `yaml:"action_id"`
	Inputs    map[string]any `yaml:"inputs"`
	Confirmed bool           `yaml:"confirmed"`
	RequestID string         `yaml:"request_id"`
}

func loadPlan(path string) (engine.Plan, error) {
	var plan engine.Plan

	data, err := os.ReadFile(path)
	if err != nil {
		return plan, fmt.Errorf("reading plan file: %w", err)
	}
	var doc planDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return plan, fmt.Errorf("parsing plan file: %w", err)
	}
	if len(doc.Steps) == 0 {
		return plan, fmt.Errorf("plan file %s contains no steps", path)
	}

	plan.Steps = make([]engine.Intent, len(doc.Steps))
	for i, step := range doc.Steps {
		intentType := engine.IntentType(step.Type)
		if step.Type == "" {
			intentType = engine.IntentActionCall
		}
		plan.Steps[i] = engine.Intent{
			Type:      intentType,
			RequestID: orNewRequestID(step.RequestID),
			Mode:      engine.Mode(step.Mode),
			ActionID:  step.ActionID,
			Inputs:    step.Inputs,
			Confirmed: step.Confirmed,
		}
	}
	return plan, nil
}
