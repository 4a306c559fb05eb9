// Package wfctx defines the three-section run context read by conditions and
// mappings and written by tasks and merges. Each run owns one context split
// into input (read-only after initialization), state (freely mutable by
// transitions), and output (mutable by task completions), plus ephemeral
// per-token branch tables created on fan-out and dropped after merge.
package wfctx

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBranchTableMissing is returned by SetBranchOutput when the token's
// branch table does not exist, typically because a resolved fan-in already
// dropped it. Callers absorb the write as stale.
var ErrBranchTableMissing = errors.New("branch table does not exist")

type (
	// Snapshot is a point-in-time copy of the three context sections. Snapshots
	// are what planning evaluates conditions and mappings against; they are
	// never written back.
	Snapshot struct {
		Input  map[string]any
		State  map[string]any
		Output map[string]any

		// Result transiently binds a task's raw output while its node output
		// mapping is evaluated. It is never persisted and never part of the
		// merged fallback view.
		Result map[string]any
	}

	// Schemas carries the raw JSON schemas the workflow definition declares for
	// the three sections. A nil section schema means writes to that section are
	// accepted unvalidated.
	Schemas struct {
		Input  map[string]any
		State  map[string]any
		Output map[string]any
	}

	// Store persists the run context. Implementations back the three sections
	// with schema-driven tables and the branch outputs with per-token tables
	// named by token ID so no row-level filtering is needed.
	Store interface {
		// InitInput validates input against the input schema and stores it.
		// It may be called once per run, before any token is created.
		InitInput(ctx context.Context, input map[string]any) error

		// Set writes a value at a dotted context path. The first path segment
		// selects the section and must be "state" or "output"; writes to
		// "input" are rejected. The value is validated against the section
		// schema when one is configured.
		Set(ctx context.Context, path string, value any) error

		// Snapshot returns a copy of the three sections.
		Snapshot(ctx context.Context) (Snapshot, error)

		// InitBranchTable creates the branch output table for the given token.
		InitBranchTable(ctx context.Context, tokenID string) error

		// SetBranchOutput records a token's output in its branch table. A
		// write against a dropped table returns ErrBranchTableMissing.
		SetBranchOutput(ctx context.Context, tokenID string, output map[string]any) error

		// BranchOutputs returns the recorded outputs for the given tokens.
		// Tokens whose branch table no longer exists (failed siblings with
		// dropped tables) are skipped, not errored.
		BranchOutputs(ctx context.Context, tokenIDs []string) (map[string]map[string]any, error)

		// DropBranchTables removes the branch tables for the given tokens.
		// Dropping an absent table is a no-op.
		DropBranchTables(ctx context.Context, tokenIDs []string) error
	}

	// ValidationError reports a schema violation on a context write.
	ValidationError struct {
		Section string
		Cause   error
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("context %s violates schema: %v", e.Section, e.Cause)
}

// Unwrap exposes the underlying schema error.
func (e *ValidationError) Unwrap() error { return e.Cause }

// SplitPath splits a dotted context path into its section and the remaining
// segments. Returns an error when the section is not one of input, state or
// output.
func SplitPath(path string) (section string, rest []string, err error) {
	segs := strings.Split(path, ".")
	switch segs[0] {
	case "input", "state", "output":
		return segs[0], segs[1:], nil
	default:
		return "", nil, fmt.Errorf("context path %q: unknown section %q", path, segs[0])
	}
}

// SetAt writes value into m at the given nested segments, creating
// intermediate objects as needed. An empty segment list is invalid.
func SetAt(m map[string]any, segs []string, value any) error {
	if len(segs) == 0 {
		return fmt.Errorf("context path has no field segments")
	}
	cur := m
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[s] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

// LookupAt traverses m along segs. The second return reports whether the full
// path resolved; an intermediate non-object yields false, distinct from a
// stored null which resolves true.
func LookupAt(m map[string]any, segs []string) (any, bool) {
	var cur any = m
	for _, s := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Merged returns a single right-biased shallow merge of the three sections,
// output over state over input. Used as the lookup fallback when a path does
// not name a section explicitly.
func (s Snapshot) Merged() map[string]any {
	m := make(map[string]any, len(s.Input)+len(s.State)+len(s.Output))
	for k, v := range s.Input {
		m[k] = v
	}
	for k, v := range s.State {
		m[k] = v
	}
	for k, v := range s.Output {
		m[k] = v
	}
	return m
}

// Section returns the named section map, or nil when the name is not a
// section.
func (s Snapshot) Section(name string) (map[string]any, bool) {
	switch name {
	case "input":
		return s.Input, true
	case "state":
		return s.State, true
	case "output":
		return s.Output, true
	case "result":
		if s.Result != nil {
			return s.Result, true
		}
	}
	return nil, false
}

// WithResult returns a copy of the snapshot with the task output bound under
// the "result" root.
func (s Snapshot) WithResult(result map[string]any) Snapshot {
	s.Result = result
	return s
}

// Clone returns a deep copy of the snapshot so callers can hand it to pure
// planning without aliasing live store maps.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Input:  cloneMap(s.Input),
		State:  cloneMap(s.State),
		Output: cloneMap(s.Output),
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
