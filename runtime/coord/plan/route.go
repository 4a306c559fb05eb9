package plan

import (
	"fmt"

	"goa.design/loom/runtime/coord/condition"
	"goa.design/loom/runtime/coord/events"
	"goa.design/loom/runtime/coord/token"
	"goa.design/loom/runtime/coord/wfctx"
	"goa.design/loom/runtime/coord/workflow"
)

type (
	// RouteInput is everything routing needs: the completed token, its node's
	// outbound transitions (ascending priority), and a context snapshot.
	RouteInput struct {
		Token       *token.Token
		Transitions []*workflow.Transition
		Snapshot    wfctx.Snapshot
	}

	// RouteResult carries token-creation decisions for ordinary transitions
	// and defers synchronized transitions to the caller, which gathers
	// sibling and fan-in state and calls Synchronize per entry.
	RouteResult struct {
		Decisions []Decision
		Events    []events.Event
		// Sync lists matched transitions guarded by a synchronization whose
		// sibling group matches the token's.
		Sync []*workflow.Transition
	}
)

// Route decides where a completed token goes next.
//
// Transitions are grouped by priority and evaluated ascending; the first tier
// with at least one qualifying transition wins and all its qualifiers fire in
// parallel. A transition whose loop limit is reached is skipped so a
// fallback tier may match. Empty output means the caller should check for
// workflow completion.
func Route(in RouteInput) (*RouteResult, error) {
	res := &RouteResult{}
	tok := in.Token

	var matched []*workflow.Transition
	i := 0
	for i < len(in.Transitions) && len(matched) == 0 {
		// One priority tier per pass.
		tier := in.Transitions[i].Priority
		for ; i < len(in.Transitions) && in.Transitions[i].Priority == tier; i++ {
			t := in.Transitions[i]
			if t.Loop != nil && tok.IterationCounts[t.ID] >= t.Loop.MaxIterations {
				res.Events = append(res.Events, events.Event{Type: events.RoutingLoopLimitReached, Payload: map[string]any{
					"token_id":       tok.ID,
					"transition_id":  t.ID,
					"max_iterations": t.Loop.MaxIterations,
				}})
				continue
			}
			ok, err := condition.EvaluateBool(t.Condition, in.Snapshot)
			if err != nil {
				return nil, fmt.Errorf("transition %q: %w", t.ID, err)
			}
			if ok {
				matched = append(matched, t)
			}
		}
	}
	if len(matched) == 0 {
		res.Events = append(res.Events, events.Event{Type: events.RoutingNoMatch, Payload: map[string]any{
			"token_id": tok.ID,
			"node_id":  tok.NodeID,
		}})
		return res, nil
	}

	// Split off synchronized arrivals: a matched transition whose sync
	// sibling group equals the token's group introduces a wait instead of a
	// token creation. A mismatched group is an ordinary continuation.
	var fanouts []*workflow.Transition
	for _, t := range matched {
		if s := t.Synchronization; s != nil && tok.SiblingGroup != "" && s.SiblingGroup == tok.SiblingGroup {
			res.Sync = append(res.Sync, t)
			continue
		}
		fanouts = append(fanouts, t)
	}

	// Spawn counts and sibling groups. branch_total per group sums the
	// counts of every matched transition contributing to that group, and
	// branch_index is a single monotonic counter per group spanning all of
	// them, so two transitions feeding one group yield contiguous indices.
	type spawn struct {
		t     *workflow.Transition
		count int
		group string // empty means continuation, inherit from parent
	}
	spawns := make([]spawn, 0, len(fanouts))
	totals := make(map[string]int)
	for _, t := range fanouts {
		count := spawnCount(t, in.Snapshot, tok, res)
		group := ""
		switch {
		case t.SiblingGroup != "":
			group = t.SiblingGroup
		case count > 1:
			group = t.GroupKey()
		}
		if group != "" {
			totals[group] += count
		}
		spawns = append(spawns, spawn{t: t, count: count, group: group})
	}

	next := make(map[string]int)
	superseded := false
	for _, sp := range spawns {
		for n := 0; n < sp.count; n++ {
			counts := token.CloneCounts(tok.IterationCounts)
			counts[sp.t.ID]++

			create := CreateToken{
				NodeID:          sp.t.To,
				ParentTokenID:   tok.ID,
				IterationCounts: counts,
			}
			if sp.group == "" {
				// Continuation: inherit lineage wholesale.
				create.PathID = tok.PathID
				create.SiblingGroup = tok.SiblingGroup
				create.BranchIndex = tok.BranchIndex
				create.BranchTotal = tok.BranchTotal
				if tok.AwaitingMerge {
					// The continuation becomes the branch's current
					// position: it opens a fresh branch table and the
					// parent's rows are superseded.
					create.InitBranchTable = true
					superseded = true
				}
			} else {
				idx := next[sp.group]
				next[sp.group]++
				total := totals[sp.group]
				create.SiblingGroup = sp.group
				create.BranchIndex = idx
				create.BranchTotal = total
				create.PathID = tok.PathID
				if total > 1 {
					create.PathID = fmt.Sprintf("%s.%s.%d", tok.PathID, tok.NodeID, idx)
					create.InitBranchTable = true
				}
			}
			res.Decisions = append(res.Decisions, create)
			res.Events = append(res.Events, events.Event{Type: events.RoutingTokenPlanned, Payload: map[string]any{
				"parent_token_id": tok.ID,
				"transition_id":   sp.t.ID,
				"node_id":         sp.t.To,
				"path_id":         create.PathID,
				"branch_index":    create.BranchIndex,
				"branch_total":    create.BranchTotal,
			}})
		}
	}
	// The parent's table is kept while it also arrives at a fan-in in this
	// tier: the merge still needs its rows.
	if superseded && len(res.Sync) == 0 {
		res.Decisions = append(res.Decisions, DropBranchTables{TokenIDs: []string{tok.ID}})
	}
	return res, nil
}

// spawnCount resolves how many tokens a matched transition produces. A
// foreach whose collection resolves to an array spawns one per element (zero
// for an empty array); a missing or non-array collection degrades to a
// single token.
func spawnCount(t *workflow.Transition, snap wfctx.Snapshot, tok *token.Token, res *RouteResult) int {
	if t.Foreach != nil {
		v, ok := condition.Resolve(t.Foreach.Collection, snap)
		if arr, isArr := v.([]any); ok && isArr {
			return len(arr)
		}
		res.Events = append(res.Events, events.Event{Type: events.RoutingForeachDegraded, Payload: map[string]any{
			"token_id":      tok.ID,
			"transition_id": t.ID,
			"collection":    t.Foreach.Collection,
		}})
		return 1
	}
	if t.SpawnCount > 0 {
		return t.SpawnCount
	}
	return 1
}
