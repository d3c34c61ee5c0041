package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Reconstruct rebuilds a scope's component state by applying the diffs of
// every committed successful result in order, stopping after upToResultID
// (or at the end of history when empty). Only real successes carry diffs;
// rejections, failures, and pending approvals are skipped, which is exactly
// why state may only change through committed results.
func (e *Engine) Reconstruct(ctx context.Context, scopeID, upToResultID string) (map[string]map[string]any, error) {
	info, err := e.repo.ScopeInfo(ctx, scopeID)
	if err != nil {
		return nil, NewInternal(CodeStorage, "loading scope", err)
	}
	if info == nil {
		return nil, NewRejection(CodeScopeUnavailable, fmt.Sprintf("scope %s does not exist", scopeID))
	}

	results, err := e.repo.ListResults(ctx, scopeID, time.Time{})
	if err != nil {
		return nil, NewInternal(CodeStorage, "listing results", err)
	}

	state := map[string]map[string]any{}
	found := upToResultID == ""
	for _, r := range results {
		if r.Status == StatusSuccess && !r.Simulated {
			applyDiff(state, r.Diff)
		}
		if upToResultID != "" && r.ResultID == upToResultID {
			found = true
			break
		}
	}
	if !found {
		return nil, NewFailure(CodeSnapshotNotFound,
			fmt.Sprintf("result %s not found in scope %s", upToResultID, scopeID), nil)
	}
	return state, nil
}

// applyDiff applies one result's field-level changes to the state in place.
func applyDiff(state map[string]map[string]any, diff []StateDiffEntry) {
	for _, entry := range diff {
		comp, ok := state[entry.Component]
		if !ok {
			if entry.Op == DiffOpRemove {
				continue
			}
			comp = map[string]any{}
			state[entry.Component] = comp
		}
		applyEntry(comp, strings.Split(entry.Path, "."), entry)
	}
}

func applyEntry(node map[string]any, path []string, entry StateDiffEntry) {
	key := path[0]
	if len(path) == 1 {
		switch entry.Op {
		case DiffOpRemove:
			delete(node, key)
		default:
			node[key] = entry.After
		}
		return
	}

	child, ok := node[key].(map[string]any)
	if !ok {
		if entry.Op == DiffOpRemove {
			return
		}
		child = map[string]any{}
		node[key] = child
	}
	applyEntry(child, path[1:], entry)
}
