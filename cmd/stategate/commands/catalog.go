package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cheneeheng/stategate/pkg/engine"
)

func newCatalogCommand() *cobra.Command {
	var showAll bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List registered actions and components",
		Long: `List the declared actions and components the engine can execute
against, including risk tiers, base costs, and confirmation rules.

Developer-visibility actions are hidden unless --all is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			actions := rt.reg.Actions()
			if !showAll {
				visible := actions[:0]
				for _, action := range actions {
					if action.Permission.Visibility != engine.VisibilityDeveloper {
						visible = append(visible, action)
					}
				}
				actions = visible
			}
			components := rt.reg.Components()

			if jsonOutput {
				return printJSON(map[string]any{
					"actions":    actions,
					"components": components,
				})
			}

			fmt.Println("Components:")
			for _, component := range components {
				fmt.Printf("  %-24s %s\n", component.ComponentID, component.Title)
				for _, inv := range component.Invariants {
					fmt.Printf("%26s invariant %s: %s\n", "", inv.ID, inv.Expr)
				}
			}
			fmt.Println("Actions:")
			for _, action := range actions {
				flags := ""
				if action.Permission.ConfirmationRequired {
					flags = " [confirm]"
				}
				fmt.Printf("  %-24s risk=%-6s cost=%.1f %s%s\n",
					action.ActionID, action.Permission.Risk, action.BaseCost, action.Title, flags)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showAll, "all", false, "include developer-visibility actions")
	return cmd
}
