package plan

import (
	"fmt"

	"goa.design/loom/runtime/coord/condition"
	"goa.design/loom/runtime/coord/events"
	"goa.design/loom/runtime/coord/token"
	"goa.design/loom/runtime/coord/wfctx"
	"goa.design/loom/runtime/coord/workflow"
)

// Start plans workflow start: the root token at the initial node with an
// empty lineage.
func Start(def *workflow.Definition) *Result {
	res := &Result{}
	res.add(CreateToken{
		NodeID:      def.InitialNodeID,
		PathID:      token.RootPathID,
		BranchIndex: 0,
		BranchTotal: 1,
	})
	res.event(events.LifecycleStarted, map[string]any{
		"workflow_id":     def.ID,
		"initial_node_id": def.InitialNodeID,
	})
	return res
}

// Completion plans workflow finalization: the definition's output mapping is
// evaluated against the final context to assemble the run output. Callers
// invoke this only once routing produced nothing and no active tokens
// remain.
func Completion(def *workflow.Definition, snap wfctx.Snapshot) (*Result, error) {
	out, err := condition.EvalMapping(def.OutputMapping, snap)
	if err != nil {
		return nil, fmt.Errorf("workflow output mapping: %w", err)
	}
	res := &Result{}
	res.add(CompleteWorkflow{Output: out})
	res.event(events.CompletionFinalized, map[string]any{"workflow_id": def.ID})
	return res, nil
}

// TaskOutputInput describes a successful task result to fold into the run.
type TaskOutputInput struct {
	Token    *token.Token
	Node     *workflow.Node
	Snapshot wfctx.Snapshot
	Output   map[string]any
}

// TaskOutput plans where a successful task's output lands. Tokens awaiting a
// fan-in merge write their branch table; others project through the node's
// output mapping (each target path gets its evaluated source expression, with
// the raw output bound under "result"), defaulting to a field-wise write into
// the output section when no mapping is configured. Branch lineage numbers
// alone do not route here: a continuation past the fan-in keeps its
// branch_index and branch_total but writes the shared context again.
func TaskOutput(in TaskOutputInput) (*Result, error) {
	res := &Result{}
	if in.Token.AwaitingMerge {
		res.add(ApplyBranchOutput{TokenID: in.Token.ID, Output: map[string]any{"output": in.Output}})
		return res, nil
	}
	if len(in.Node.OutputMapping) > 0 {
		values, err := condition.EvalMapping(in.Node.OutputMapping, in.Snapshot.WithResult(in.Output))
		if err != nil {
			return nil, fmt.Errorf("node %q output mapping: %w", in.Node.ID, err)
		}
		res.add(ApplyOutput{Values: values})
		return res, nil
	}
	if len(in.Output) > 0 {
		values := make(map[string]any, len(in.Output))
		for k, v := range in.Output {
			values["output."+k] = v
		}
		res.add(ApplyOutput{Values: values})
	}
	return res, nil
}

// FailInput describes a run failure to propagate.
type FailInput struct {
	Reason   string
	TimedOut bool
	// Active are the run's non-terminal tokens to cancel.
	Active []*token.Token
	// Subworkflows are in-flight child runs to cancel first.
	Subworkflows []*token.Subworkflow
}

// FailRun plans failure propagation: cancel child runs, cancel in-flight
// tokens, then finalize the workflow as failed (or timed out). All pieces
// are idempotent, so replanning after a partial application is safe.
func FailRun(in FailInput) *Result {
	res := &Result{}
	for _, sw := range in.Subworkflows {
		res.add(CancelSubworkflow{SubworkflowRunID: sw.SubworkflowRunID})
	}
	for _, t := range in.Active {
		res.add(UpdateTokenStatus{TokenID: t.ID, Status: token.StatusCancelled})
	}
	res.add(FailWorkflow{Reason: in.Reason, TimedOut: in.TimedOut})
	res.event(events.LifecycleFailed, map[string]any{"reason": in.Reason})
	return res
}

// CancelInput describes an external cancellation.
type CancelInput struct {
	Reason       string
	Active       []*token.Token
	Subworkflows []*token.Subworkflow
}

// CancelRun plans cancellation: child runs first, then every non-terminal
// token, then the workflow status. Idempotent like FailRun.
func CancelRun(in CancelInput) *Result {
	res := &Result{}
	for _, sw := range in.Subworkflows {
		res.add(CancelSubworkflow{SubworkflowRunID: sw.SubworkflowRunID})
	}
	for _, t := range in.Active {
		res.add(UpdateTokenStatus{TokenID: t.ID, Status: token.StatusCancelled})
	}
	res.add(CancelWorkflow{Reason: in.Reason})
	res.event(events.LifecycleCancelled, map[string]any{"reason": in.Reason})
	return res
}
