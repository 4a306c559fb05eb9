package merge

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func records() []Record {
	// Deliberately out of branch order.
	return []Record{
		{TokenID: "t2", BranchIndex: 2, Output: map[string]any{"v": "c"}},
		{TokenID: "t0", BranchIndex: 0, Output: map[string]any{"v": "a"}},
		{TokenID: "t1", BranchIndex: 1, Output: map[string]any{"v": "b"}},
	}
}

func TestAppendOrdersByBranchIndex(t *testing.T) {
	v, err := Apply(StrategyAppend, records())
	require.NoError(t, err)
	require.Equal(t, []any{
		map[string]any{"v": "a"},
		map[string]any{"v": "b"},
		map[string]any{"v": "c"},
	}, v)
}

func TestCollectDoesNotFlattenArrays(t *testing.T) {
	v, err := Apply(StrategyCollect, []Record{
		{TokenID: "t0", BranchIndex: 0, Output: []any{1, 2}},
		{TokenID: "t1", BranchIndex: 1, Output: []any{3}},
	})
	require.NoError(t, err)
	require.Equal(t, []any{[]any{1, 2}, []any{3}}, v)
}

func TestMergeObjectRightBias(t *testing.T) {
	v, err := Apply(StrategyMergeObject, []Record{
		{TokenID: "t0", BranchIndex: 0, Output: map[string]any{"a": 1, "shared": "low"}},
		{TokenID: "t1", BranchIndex: 1, Output: map[string]any{"b": 2, "shared": "high"}},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1, "b": 2, "shared": "high"}, v)
}

func TestMergeObjectRejectsNonObject(t *testing.T) {
	_, err := Apply(StrategyMergeObject, []Record{
		{TokenID: "t0", BranchIndex: 0, Output: "scalar"},
	})
	var merr *Error
	require.ErrorAs(t, err, &merr)
}

func TestKeyedByBranch(t *testing.T) {
	v, err := Apply(StrategyKeyedByBranch, records())
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"0": map[string]any{"v": "a"},
		"1": map[string]any{"v": "b"},
		"2": map[string]any{"v": "c"},
	}, v)
}

func TestLastWins(t *testing.T) {
	v, err := Apply(StrategyLastWins, records())
	require.NoError(t, err)
	require.Equal(t, map[string]any{"v": "c"}, v)
}

func TestLastWinsEmptyRecords(t *testing.T) {
	v, err := Apply(StrategyLastWins, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{}, v)
}

func TestUnknownStrategy(t *testing.T) {
	_, err := Apply(Strategy("zip"), records())
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, Strategy("zip"), merr.Strategy)
}

// TestMergeLawsProperty verifies the order-independence law: the result of a
// merge never depends on the order records were collected in.
func TestMergeLawsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genRecords := gen.SliceOf(gen.IntRange(0, 20)).Map(func(indices []int) []Record {
		out := make([]Record, len(indices))
		for i, idx := range indices {
			out[i] = Record{
				TokenID:     string(rune('a' + i%26)),
				BranchIndex: idx,
				Output:      map[string]any{"i": idx},
			}
		}
		return out
	})

	for _, strategy := range []Strategy{StrategyAppend, StrategyCollect, StrategyMergeObject, StrategyKeyedByBranch, StrategyLastWins} {
		strategy := strategy
		properties.Property(string(strategy)+" is order independent", prop.ForAll(
			func(recs []Record) bool {
				forward, err := Apply(strategy, recs)
				if err != nil {
					return false
				}
				reversed := make([]Record, len(recs))
				for i, r := range recs {
					reversed[len(recs)-1-i] = r
				}
				backward, err := Apply(strategy, reversed)
				if err != nil {
					return false
				}
				return reflect.DeepEqual(forward, backward)
			},
			genRecords,
		))
	}

	properties.Property("append preserves record count", prop.ForAll(
		func(recs []Record) bool {
			v, err := Apply(StrategyAppend, recs)
			if err != nil {
				return false
			}
			arr, ok := v.([]any)
			return ok && len(arr) == len(recs)
		},
		genRecords,
	))

	properties.TestingRun(t)
}
