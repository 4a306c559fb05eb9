// Package workflow defines the directed-graph workflow model the coordinator
// executes: nodes, transitions, synchronization and loop configuration, and
// the per-run cached definition loader. Definitions are read-only once a run
// starts; the graph may be cyclic but token lineage never is.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"goa.design/loom/runtime/coord/condition"
	"goa.design/loom/runtime/coord/merge"
	"goa.design/loom/runtime/coord/wfctx"
)

// NodeKind classifies what dispatch does when a token lands on a node.
type NodeKind string

const (
	// KindTask dispatches the node's task_ref to the executor.
	KindTask NodeKind = "task"
	// KindSubworkflow spawns a child workflow run and parks the token.
	KindSubworkflow NodeKind = "subworkflow"
	// KindNoop completes immediately; used for gateways and joins.
	KindNoop NodeKind = "noop"
)

// SyncStrategy is the fan-in activation policy.
type SyncStrategy string

const (
	// SyncAll waits for every sibling to reach a terminal state.
	SyncAll SyncStrategy = "all"
	// SyncAny activates on the first completed sibling.
	SyncAny SyncStrategy = "any"
	// SyncMOfN activates once M siblings reached terminal states.
	SyncMOfN SyncStrategy = "m_of_n"
)

// OnTimeout selects the behavior when a fan-in wait exceeds its deadline.
type OnTimeout string

const (
	// TimeoutProceed activates with whatever siblings completed in time.
	TimeoutProceed OnTimeout = "proceed_with_available"
	// TimeoutFail fails the workflow.
	TimeoutFail OnTimeout = "fail"
)

// DefaultMergeSource is the field read from each branch table row when a
// merge spec does not name one.
const DefaultMergeSource = "_branch.output"

type (
	// Definition is a complete workflow graph plus its context schemas and
	// final output mapping. Exactly one node is the initial node.
	Definition struct {
		ID            string
		Version       string
		InitialNodeID string
		Nodes         map[string]*Node
		Transitions   []*Transition
		Schemas       wfctx.Schemas
		OutputMapping map[string]*condition.Expr
	}

	// Node is a position in the graph.
	Node struct {
		ID   string
		Kind NodeKind
		// TaskRef names the executor task for KindTask nodes.
		TaskRef string
		// SubworkflowID names the child definition for KindSubworkflow nodes.
		SubworkflowID string
		// InputMapping assembles the task input from the run context.
		InputMapping map[string]*condition.Expr
		// OutputMapping projects task output into the run context. Each
		// target is a dotted context path in state or output.
		OutputMapping map[string]*condition.Expr
		// MaxRetries bounds re-dispatch of retryable task failures.
		MaxRetries int
		// TimeoutMS bounds a single task execution; passed to the executor.
		TimeoutMS int64
	}

	// Transition is a directed, prioritized, optionally conditional edge.
	// Smaller priority values are evaluated first.
	Transition struct {
		ID       string
		Ref      string
		From     string
		To       string
		Priority int
		// Condition gates the transition; nil means always.
		Condition *condition.Expr
		// SpawnCount fans out a fixed number of tokens. Zero means one.
		// Mutually exclusive with Foreach.
		SpawnCount int
		// Foreach fans out one token per element of a context collection.
		Foreach *Foreach
		// SiblingGroup explicitly names the group for spawned tokens.
		SiblingGroup string
		// Synchronization makes this transition a fan-in point.
		Synchronization *Synchronization
		// Loop bounds how often this transition may fire along one lineage.
		Loop *Loop
	}

	// Foreach fans a transition out over a context collection.
	Foreach struct {
		// Collection is a dotted context path expected to hold an array.
		Collection string
	}

	// Loop bounds transition traversal per lineage.
	Loop struct {
		MaxIterations int
	}

	// Synchronization configures fan-in behavior for a transition.
	Synchronization struct {
		Strategy SyncStrategy
		// MOfN is the threshold for SyncMOfN.
		MOfN int
		// SiblingGroup identifies which tokens synchronize here. Tokens from
		// other groups pass through as ordinary continuations.
		SiblingGroup string
		// TimeoutMS bounds the wait; zero means no timeout.
		TimeoutMS int64
		OnTimeout OnTimeout
		// Merge combines the siblings' branch outputs on activation.
		Merge *MergeSpec
	}

	// MergeSpec names what to merge and where the result lands.
	MergeSpec struct {
		// Source is the field inside each branch table row to merge.
		// Defaults to DefaultMergeSource.
		Source string
		// Target is a dotted context path in state or output.
		Target string
		// Strategy selects the reducer.
		Strategy merge.Strategy
	}

	// DefinitionError reports a node or transition referenced at runtime that
	// the definition does not contain. Fatal to the run.
	DefinitionError struct {
		Kind string
		Ref  string
	}
)

// Error implements error.
func (e *DefinitionError) Error() string {
	return fmt.Sprintf("workflow definition: unknown %s %q", e.Kind, e.Ref)
}

// GroupKey returns the identifier used for implicit sibling groups spawned by
// this transition: the ref when set, the transition ID otherwise.
func (t *Transition) GroupKey() string {
	if t.Ref != "" {
		return t.Ref
	}
	return t.ID
}

// Node returns the named node or a DefinitionError.
func (d *Definition) Node(id string) (*Node, error) {
	n, ok := d.Nodes[id]
	if !ok {
		return nil, &DefinitionError{Kind: "node", Ref: id}
	}
	return n, nil
}

// Transition returns the named transition or a DefinitionError.
func (d *Definition) Transition(id string) (*Transition, error) {
	for _, t := range d.Transitions {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, &DefinitionError{Kind: "transition", Ref: id}
}

// Outbound returns the transitions leaving the given node ordered by
// ascending priority, with definition order as the tie-break.
func (d *Definition) Outbound(nodeID string) []*Transition {
	var out []*Transition
	for _, t := range d.Transitions {
		if t.From == nodeID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Validate checks referential integrity and configuration exclusions before
// the definition is used by a run.
func (d *Definition) Validate() error {
	if d.InitialNodeID == "" {
		return fmt.Errorf("workflow %q: initial node is required", d.ID)
	}
	if _, ok := d.Nodes[d.InitialNodeID]; !ok {
		return fmt.Errorf("workflow %q: initial node %q not defined", d.ID, d.InitialNodeID)
	}
	for id, n := range d.Nodes {
		if n.ID != id {
			return fmt.Errorf("workflow %q: node key %q does not match node ID %q", d.ID, id, n.ID)
		}
		if n.Kind == KindTask && n.TaskRef == "" {
			return fmt.Errorf("workflow %q: task node %q has no task_ref", d.ID, id)
		}
		if n.Kind == KindSubworkflow && n.SubworkflowID == "" {
			return fmt.Errorf("workflow %q: subworkflow node %q has no subworkflow ID", d.ID, id)
		}
	}
	seen := make(map[string]bool, len(d.Transitions))
	for _, t := range d.Transitions {
		if t.ID == "" {
			return fmt.Errorf("workflow %q: transition with empty ID", d.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("workflow %q: duplicate transition ID %q", d.ID, t.ID)
		}
		seen[t.ID] = true
		if _, ok := d.Nodes[t.From]; !ok {
			return fmt.Errorf("workflow %q: transition %q leaves unknown node %q", d.ID, t.ID, t.From)
		}
		if _, ok := d.Nodes[t.To]; !ok {
			return fmt.Errorf("workflow %q: transition %q targets unknown node %q", d.ID, t.ID, t.To)
		}
		if t.SpawnCount > 0 && t.Foreach != nil {
			return fmt.Errorf("workflow %q: transition %q sets both spawn_count and foreach", d.ID, t.ID)
		}
		if t.SpawnCount < 0 {
			return fmt.Errorf("workflow %q: transition %q has negative spawn_count", d.ID, t.ID)
		}
		if t.Loop != nil && t.Loop.MaxIterations <= 0 {
			return fmt.Errorf("workflow %q: transition %q loop needs max_iterations > 0", d.ID, t.ID)
		}
		if s := t.Synchronization; s != nil {
			switch s.Strategy {
			case SyncAll, SyncAny:
			case SyncMOfN:
				if s.MOfN <= 0 {
					return fmt.Errorf("workflow %q: transition %q m_of_n needs a positive threshold", d.ID, t.ID)
				}
			default:
				return fmt.Errorf("workflow %q: transition %q has unknown sync strategy %q", d.ID, t.ID, s.Strategy)
			}
			if s.SiblingGroup == "" {
				return fmt.Errorf("workflow %q: transition %q synchronization needs a sibling group", d.ID, t.ID)
			}
			if s.OnTimeout != "" && s.OnTimeout != TimeoutProceed && s.OnTimeout != TimeoutFail {
				return fmt.Errorf("workflow %q: transition %q has unknown on_timeout %q", d.ID, t.ID, s.OnTimeout)
			}
		}
	}
	return nil
}

type (
	// Loader fetches workflow definitions from the resource catalog.
	Loader interface {
		WorkflowDef(ctx context.Context, id, version string) (*Definition, error)
	}

	// Cache loads a definition once per run and serves it from memory
	// thereafter. Definitions are immutable for the life of a run, so the
	// first successful load wins.
	Cache struct {
		loader  Loader
		id      string
		version string

		mu  sync.Mutex
		def *Definition
	}
)

// NewCache builds a cache for one run's definition.
func NewCache(loader Loader, id, version string) *Cache {
	return &Cache{loader: loader, id: id, version: version}
}

// Get returns the cached definition, loading and validating it on first use.
func (c *Cache) Get(ctx context.Context) (*Definition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.def != nil {
		return c.def, nil
	}
	def, err := c.loader.WorkflowDef(ctx, c.id, c.version)
	if err != nil {
		return nil, fmt.Errorf("load workflow %q: %w", c.id, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	c.def = def
	return def, nil
}
