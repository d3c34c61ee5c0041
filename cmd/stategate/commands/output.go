package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cheneeheng/stategate/pkg/engine"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(result *engine.ExecutionResult) error {
	if jsonOutput {
		return printJSON(result)
	}

	fmt.Printf("%-8s %s\n", statusTag(result.Status), result.ActionID)
	if result.Message != "" {
		fmt.Printf("  %s\n", result.Message)
	}
	if result.Error != nil {
		fmt.Printf("  error: %s (%s)\n", result.Error.Detail, result.Error.Code)
	}
	if result.SnapshotID != "" {
		fmt.Printf("  snapshot: %s\n", result.SnapshotID)
	}
	if result.Cost > 0 {
		fmt.Printf("  cost: %.1f\n", result.Cost)
	}
	if result.Simulated {
		fmt.Println("  simulated: no state was changed")
	}
	printDiff(result.Diff)
	return nil
}

func printDiff(diff []engine.StateDiffEntry) {
	for _, entry := range diff {
		switch entry.Op {
		case engine.DiffOpAdd:
			fmt.Printf("  + %s.%s = %v\n", entry.Component, entry.Path, entry.After)
		case engine.DiffOpRemove:
			fmt.Printf("  - %s.%s (was %v)\n", entry.Component, entry.Path, entry.Before)
		default:
			fmt.Printf("  ~ %s.%s: %v -> %v\n", entry.Component, entry.Path, entry.Before, entry.After)
		}
	}
}

func statusTag(status engine.Status) string {
	switch status {
	case engine.StatusSuccess:
		return "OK"
	case engine.StatusRejected:
		return "REJECTED"
	case engine.StatusFailed:
		return "FAILED"
	case engine.StatusPendingApproval:
		return "PENDING"
	default:
		return string(status)
	}
}
