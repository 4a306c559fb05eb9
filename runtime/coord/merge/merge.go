// Package merge implements the reducers that combine branch outputs into a
// single value at fan-in. All strategies are pure functions over the records
// collected from branch tables; ordering is by branch index with a stable
// token-ID tie-break so results are deterministic regardless of completion
// order.
package merge

import (
	"fmt"
	"sort"
	"strconv"
)

// Strategy names a branch-output reducer.
type Strategy string

const (
	// StrategyAppend collects outputs into an array in branch index order.
	StrategyAppend Strategy = "append"
	// StrategyCollect is a semantic alias for append that guarantees no
	// flattening of array-valued outputs.
	StrategyCollect Strategy = "collect"
	// StrategyMergeObject shallow-merges object outputs, right biased.
	StrategyMergeObject Strategy = "merge_object"
	// StrategyKeyedByBranch maps stringified branch indices to outputs.
	StrategyKeyedByBranch Strategy = "keyed_by_branch"
	// StrategyLastWins keeps only the output at the highest branch index.
	StrategyLastWins Strategy = "last_wins"
)

type (
	// Record is one collected branch output.
	Record struct {
		TokenID     string
		BranchIndex int
		Output      any
	}

	// Error reports an unknown or misapplied merge strategy. Unknown
	// strategies are fatal to the workflow.
	Error struct {
		Strategy Strategy
		Msg      string
	}
)

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("merge strategy %q: %s", e.Strategy, e.Msg)
}

// Apply reduces the records with the named strategy. Records are sorted by
// (branch_index, token_id) first. Missing branches simply do not appear in
// records; the result reflects only what was collected.
func Apply(strategy Strategy, records []Record) (any, error) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BranchIndex != sorted[j].BranchIndex {
			return sorted[i].BranchIndex < sorted[j].BranchIndex
		}
		return sorted[i].TokenID < sorted[j].TokenID
	})

	switch strategy {
	case StrategyAppend, StrategyCollect:
		out := make([]any, len(sorted))
		for i, r := range sorted {
			out[i] = r.Output
		}
		return out, nil

	case StrategyMergeObject:
		out := make(map[string]any)
		for _, r := range sorted {
			obj, ok := r.Output.(map[string]any)
			if !ok {
				return nil, &Error{Strategy: strategy, Msg: fmt.Sprintf("branch %d output is %T, not an object", r.BranchIndex, r.Output)}
			}
			for k, v := range obj {
				out[k] = v
			}
		}
		return out, nil

	case StrategyKeyedByBranch:
		out := make(map[string]any, len(sorted))
		for _, r := range sorted {
			out[strconv.Itoa(r.BranchIndex)] = r.Output
		}
		return out, nil

	case StrategyLastWins:
		if len(sorted) == 0 {
			return map[string]any{}, nil
		}
		return sorted[len(sorted)-1].Output, nil

	default:
		return nil, &Error{Strategy: strategy, Msg: "unknown strategy"}
	}
}
