package engine

import (
	"reflect"
	"sort"
)

// ComputeDiff returns the ordered field-level changes between two component
// state views. Entries are sorted by component id, then by field path, so
// the same transition always yields the same diff.
func ComputeDiff(before, after map[string]map[string]any) []StateDiffEntry {
	var diff []StateDiffEntry

	for _, id := range sortedKeys(before, after) {
		b, inBefore := before[id]
		a, inAfter := after[id]

		switch {
		case inBefore && !inAfter:
			for _, p := range sortedFieldKeys(b) {
				diff = append(diff, StateDiffEntry{
					Component: id, Path: p, Op: DiffOpRemove, Before: b[p],
				})
			}
		case !inBefore && inAfter:
			for _, p := range sortedFieldKeys(a) {
				diff = append(diff, StateDiffEntry{
					Component: id, Path: p, Op: DiffOpAdd, After: a[p],
				})
			}
		default:
			diff = append(diff, diffFields(id, "", b, a)...)
		}
	}
	return diff
}

// diffFields walks two maps recursively, emitting one entry per changed leaf.
// Non-map values (including slices) are compared whole.
func diffFields(component, prefix string, before, after map[string]any) []StateDiffEntry {
	var diff []StateDiffEntry

	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, k := range ordered {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		b, inBefore := before[k]
		a, inAfter := after[k]

		switch {
		case inBefore && !inAfter:
			diff = append(diff, StateDiffEntry{Component: component, Path: path, Op: DiffOpRemove, Before: b})
		case !inBefore && inAfter:
			diff = append(diff, StateDiffEntry{Component: component, Path: path, Op: DiffOpAdd, After: a})
		default:
			bm, bIsMap := b.(map[string]any)
			am, aIsMap := a.(map[string]any)
			if bIsMap && aIsMap {
				diff = append(diff, diffFields(component, path, bm, am)...)
				continue
			}
			if !reflect.DeepEqual(b, a) {
				diff = append(diff, StateDiffEntry{Component: component, Path: path, Op: DiffOpReplace, Before: b, After: a})
			}
		}
	}
	return diff
}

func sortedKeys(before, after map[string]map[string]any) []string {
	seen := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		seen[k] = struct{}{}
	}
	for k := range after {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
