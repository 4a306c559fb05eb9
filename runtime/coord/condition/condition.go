// Package condition evaluates pre-parsed condition ASTs and resolves dotted
// context paths against the three-section run context. Evaluation is pure:
// identical snapshots yield identical results and the context is never
// mutated. Conditions the evaluator does not understand fail fast with an
// *EvaluationError rather than degrading to a default.
package condition

import (
	"fmt"
	"reflect"
	"strings"

	"goa.design/loom/runtime/coord/wfctx"
)

type (
	// Expr is a node of a pre-parsed condition AST. Leaves are either context
	// lookups (Op "path") or literals (Op "value"); interior nodes name an
	// operator and carry their operands in Args.
	//
	// Supported operators: and, or, not, eq, ne, gt, gte, lt, lte, in,
	// contains, len, if (ternary).
	Expr struct {
		Op    string  `json:"op"`
		Args  []*Expr `json:"args,omitempty"`
		Path  string  `json:"path,omitempty"`
		Value any     `json:"value,omitempty"`
	}

	// EvaluationError reports a condition or mapping shape the evaluator does
	// not support, or an operand it cannot coerce.
	EvaluationError struct {
		Op  string
		Msg string
	}
)

// Error implements error.
func (e *EvaluationError) Error() string {
	if e.Op == "" {
		return "condition evaluation: " + e.Msg
	}
	return fmt.Sprintf("condition evaluation: op %q: %s", e.Op, e.Msg)
}

// Path builds a context lookup leaf.
func Path(p string) *Expr { return &Expr{Op: "path", Path: p} }

// Value builds a literal leaf.
func Value(v any) *Expr { return &Expr{Op: "value", Value: v} }

// Op builds an operator node over the given operands.
func Op(op string, args ...*Expr) *Expr { return &Expr{Op: op, Args: args} }

// Resolve traverses a dot-separated path against the snapshot. When the first
// segment names a section (input, state, output) the traversal is rooted
// there; otherwise it falls back to the merged view of all three sections.
// The boolean distinguishes a missing path from a stored null.
func Resolve(path string, snap wfctx.Snapshot) (any, bool) {
	segs := strings.Split(path, ".")
	if root, ok := snap.Section(segs[0]); ok {
		return wfctx.LookupAt(root, segs[1:])
	}
	return wfctx.LookupAt(snap.Merged(), segs)
}

// EvaluateBool evaluates the condition and coerces the result to a boolean.
// A nil condition is vacuously true.
func EvaluateBool(e *Expr, snap wfctx.Snapshot) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := Evaluate(e, snap)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Evaluate evaluates the AST against the snapshot. and/or short-circuit.
func Evaluate(e *Expr, snap wfctx.Snapshot) (any, error) {
	if e == nil {
		return nil, &EvaluationError{Msg: "nil expression node"}
	}
	switch e.Op {
	case "value":
		return e.Value, nil
	case "path":
		v, _ := Resolve(e.Path, snap)
		return v, nil
	case "and":
		for _, arg := range e.Args {
			v, err := Evaluate(arg, snap)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, arg := range e.Args {
			v, err := Evaluate(arg, snap)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case "not":
		if len(e.Args) != 1 {
			return nil, arity(e.Op, 1, len(e.Args))
		}
		v, err := Evaluate(e.Args[0], snap)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case "eq", "ne":
		l, r, err := binary(e, snap)
		if err != nil {
			return nil, err
		}
		eq := looseEqual(l, r)
		if e.Op == "ne" {
			return !eq, nil
		}
		return eq, nil
	case "gt", "gte", "lt", "lte":
		l, r, err := binary(e, snap)
		if err != nil {
			return nil, err
		}
		c, err := compare(e.Op, l, r)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "in":
		l, r, err := binary(e, snap)
		if err != nil {
			return nil, err
		}
		return member(e.Op, l, r)
	case "contains":
		l, r, err := binary(e, snap)
		if err != nil {
			return nil, err
		}
		return member(e.Op, r, l)
	case "len":
		if len(e.Args) != 1 {
			return nil, arity(e.Op, 1, len(e.Args))
		}
		v, err := Evaluate(e.Args[0], snap)
		if err != nil {
			return nil, err
		}
		return length(v)
	case "if":
		if len(e.Args) != 3 {
			return nil, arity(e.Op, 3, len(e.Args))
		}
		c, err := Evaluate(e.Args[0], snap)
		if err != nil {
			return nil, err
		}
		if truthy(c) {
			return Evaluate(e.Args[1], snap)
		}
		return Evaluate(e.Args[2], snap)
	default:
		return nil, &EvaluationError{Op: e.Op, Msg: "unsupported operator"}
	}
}

// EvalMapping evaluates a target-to-expression mapping against the snapshot,
// producing one field per target. Used for task input mapping and workflow
// output extraction alike.
func EvalMapping(mapping map[string]*Expr, snap wfctx.Snapshot) (map[string]any, error) {
	out := make(map[string]any, len(mapping))
	for target, expr := range mapping {
		v, err := Evaluate(expr, snap)
		if err != nil {
			return nil, fmt.Errorf("mapping target %q: %w", target, err)
		}
		out[target] = v
	}
	return out, nil
}

func binary(e *Expr, snap wfctx.Snapshot) (any, any, error) {
	if len(e.Args) != 2 {
		return nil, nil, arity(e.Op, 2, len(e.Args))
	}
	l, err := Evaluate(e.Args[0], snap)
	if err != nil {
		return nil, nil, err
	}
	r, err := Evaluate(e.Args[1], snap)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

func arity(op string, want, got int) error {
	return &EvaluationError{Op: op, Msg: fmt.Sprintf("expects %d operands, got %d", want, got)}
}

// truthy reports whether a value coerces to true: non-zero numbers, non-empty
// strings, non-empty collections, and true itself.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// looseEqual compares values with numeric normalization so 3 == 3.0 holds
// regardless of how the literal was decoded.
func looseEqual(l, r any) bool {
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if lok && rok {
		return lf == rf
	}
	return reflect.DeepEqual(l, r)
}

func compare(op string, l, r any) (bool, error) {
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if lok && rok {
		switch op {
		case "gt":
			return lf > rf, nil
		case "gte":
			return lf >= rf, nil
		case "lt":
			return lf < rf, nil
		case "lte":
			return lf <= rf, nil
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch op {
		case "gt":
			return ls > rs, nil
		case "gte":
			return ls >= rs, nil
		case "lt":
			return ls < rs, nil
		case "lte":
			return ls <= rs, nil
		}
	}
	return false, &EvaluationError{Op: op, Msg: fmt.Sprintf("cannot order %T and %T", l, r)}
}

// member reports whether needle occurs in haystack. Arrays check element
// equality, strings check substring, objects check key presence.
func member(op string, needle, haystack any) (bool, error) {
	switch h := haystack.(type) {
	case []any:
		for _, e := range h {
			if looseEqual(needle, e) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, &EvaluationError{Op: op, Msg: fmt.Sprintf("string membership needs a string needle, got %T", needle)}
		}
		return strings.Contains(h, s), nil
	case map[string]any:
		k, ok := needle.(string)
		if !ok {
			return false, &EvaluationError{Op: op, Msg: fmt.Sprintf("object membership needs a string key, got %T", needle)}
		}
		_, present := h[k]
		return present, nil
	case nil:
		return false, nil
	default:
		return false, &EvaluationError{Op: op, Msg: fmt.Sprintf("membership not defined on %T", haystack)}
	}
}

func length(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		return len(val), nil
	case []any:
		return len(val), nil
	case map[string]any:
		return len(val), nil
	default:
		return nil, &EvaluationError{Op: "len", Msg: fmt.Sprintf("length not defined on %T", v)}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
