package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/coord/condition"
	"goa.design/loom/runtime/coord/events"
	"goa.design/loom/runtime/coord/executor"
	"goa.design/loom/runtime/coord/plan"
	"goa.design/loom/runtime/coord/telemetry"
	"goa.design/loom/runtime/coord/token"
	"goa.design/loom/runtime/coord/wfctx"
	"goa.design/loom/runtime/coord/workflow"
)

// Summary reports what one dispatch pass did.
type Summary struct {
	Applied          int
	TokensCreated    int
	TokensDispatched int
	Errors           []error

	// Created holds the tokens inserted during this pass; the coordinator
	// advances them afterwards.
	Created []*token.Token
}

// apply runs the dispatcher over a planning result and returns the tokens it
// created.
func (c *Coordinator) apply(ctx context.Context, res *plan.Result) ([]*token.Token, error) {
	sum, err := c.dispatchDecisions(ctx, res)
	if err != nil {
		return nil, err
	}
	if len(sum.Errors) > 0 {
		return sum.Created, errors.Join(sum.Errors...)
	}
	return sum.Created, nil
}

// dispatchDecisions applies a decision list in order. Store mutations happen
// before external calls; trace events are emitted after the mutations they
// describe. Consecutive CREATE_TOKEN decisions batch into a single store
// write. Losing a fan-in activation race abandons the rest of the list: the
// remaining decisions all belong to the activation that did not happen.
func (c *Coordinator) dispatchDecisions(ctx context.Context, res *plan.Result) (*Summary, error) {
	started := time.Now()
	sum := &Summary{}
	ds := res.Decisions

	i := 0
	for i < len(ds) {
		switch d := ds[i].(type) {
		case plan.CreateToken:
			j := i
			now := c.now()
			var batch []*token.Token
			var withBranch []string
			for ; j < len(ds); j++ {
				ct, ok := ds[j].(plan.CreateToken)
				if !ok {
					break
				}
				t := &token.Token{
					ID:              uuid.NewString(),
					RunID:           c.runID,
					NodeID:          ct.NodeID,
					Status:          token.StatusPending,
					ParentTokenID:   ct.ParentTokenID,
					PathID:          ct.PathID,
					SiblingGroup:    ct.SiblingGroup,
					BranchIndex:     ct.BranchIndex,
					BranchTotal:     ct.BranchTotal,
					AwaitingMerge:   ct.InitBranchTable,
					IterationCounts: ct.IterationCounts,
					CreatedAt:       now,
					UpdatedAt:       now,
				}
				batch = append(batch, t)
				if ct.InitBranchTable {
					withBranch = append(withBranch, t.ID)
				}
			}
			if err := c.tokens.Insert(ctx, batch...); err != nil {
				return sum, fmt.Errorf("insert tokens: %w", err)
			}
			for _, id := range withBranch {
				if err := c.wctx.InitBranchTable(ctx, id); err != nil {
					return sum, fmt.Errorf("init branch table: %w", err)
				}
			}
			sum.Applied += j - i
			sum.TokensCreated += len(batch)
			sum.Created = append(sum.Created, batch...)
			c.metrics.IncCounter(telemetry.MetricTokensCreated, float64(len(batch)))
			c.emit(ctx, events.Event{Type: events.TokensCreated, Payload: map[string]any{"count": len(batch)}})
			i = j
			continue

		case plan.UpdateTokenStatus:
			applied, err := c.tokens.UpdateStatus(ctx, d.TokenID, d.Status, d.ArrivedAt)
			if err != nil {
				return sum, fmt.Errorf("update token %s: %w", d.TokenID, err)
			}
			if applied {
				c.emit(ctx, events.Event{Type: events.TokensUpdated, Payload: map[string]any{
					"token_id": d.TokenID,
					"status":   string(d.Status),
				}})
			}

		case plan.MarkForDispatch:
			tok, err := c.tokens.Get(ctx, d.TokenID)
			if err != nil {
				return sum, err
			}
			def, err := c.definition(ctx)
			if err != nil {
				return sum, err
			}
			node, err := def.Node(d.NodeID)
			if err != nil {
				return sum, err
			}
			if err := c.dispatchToken(ctx, tok, node); err != nil {
				return sum, err
			}
			sum.TokensDispatched++

		case plan.CreateFanIn:
			created, err := c.tokens.InsertFanIn(ctx, &token.FanIn{
				ID:             uuid.NewString(),
				RunID:          c.runID,
				NodeID:         d.NodeID,
				FanInPath:      d.FanInPath,
				Status:         token.FanInWaiting,
				TransitionID:   d.TransitionID,
				FirstArrivalAt: d.FirstArrivalAt,
			})
			if err != nil {
				return sum, fmt.Errorf("create fan-in %s: %w", d.FanInPath, err)
			}
			if !created {
				c.logger.Debug(ctx, "fan-in already exists", "fan_in_path", d.FanInPath)
			}

		case plan.ActivateFanIn:
			won, err := c.tokens.ActivateFanIn(ctx, d.FanInPath, d.TokenID, c.now())
			if err != nil {
				return sum, fmt.Errorf("activate fan-in %s: %w", d.FanInPath, err)
			}
			if !won {
				// Lost the activation race: the arriving token completes and
				// everything planned past this point is void, including the
				// planned events, which describe an activation that did not
				// happen here.
				if _, err := c.tokens.UpdateStatus(ctx, d.TokenID, token.StatusCompleted, nil); err != nil {
					return sum, err
				}
				c.emit(ctx, events.Event{Type: events.SyncLostRace, Payload: map[string]any{
					"token_id":    d.TokenID,
					"fan_in_path": d.FanInPath,
				}})
				sum.Applied++
				return sum, nil
			}

		case plan.TimeoutFanIn:
			applied, err := c.tokens.TimeoutFanIn(ctx, d.FanInPath, c.now())
			if err != nil {
				return sum, fmt.Errorf("timeout fan-in %s: %w", d.FanInPath, err)
			}
			if !applied {
				// Already resolved elsewhere; the rest of this plan and its
				// events are void.
				sum.Applied++
				return sum, nil
			}

		case plan.SetContext:
			if err := c.wctx.Set(ctx, d.Path, d.Value); err != nil {
				return sum, err
			}
			c.emit(ctx, events.Event{Type: events.ContextWritten, Payload: map[string]any{"path": d.Path}})

		case plan.ApplyOutput:
			for target, v := range d.Values {
				if err := c.wctx.Set(ctx, target, v); err != nil {
					return sum, err
				}
			}

		case plan.ApplyBranchOutput:
			if err := c.wctx.SetBranchOutput(ctx, d.TokenID, d.Output); err != nil {
				// A dropped table means the fan-in already resolved without
				// this branch; the late output is stale and absorbed.
				if errors.Is(err, wfctx.ErrBranchTableMissing) {
					c.logger.Debug(ctx, "stale branch output ignored", "token_id", d.TokenID)
					break
				}
				return sum, err
			}

		case plan.DropBranchTables:
			if err := c.wctx.DropBranchTables(ctx, d.TokenIDs); err != nil {
				return sum, err
			}

		case plan.ScheduleAlarm:
			c.considerWake(ctx, d.At)

		case plan.StartSubworkflow:
			if err := c.startSubworkflow(ctx, d); err != nil {
				return sum, err
			}

		case plan.CancelSubworkflow:
			if c.spawner != nil {
				if err := c.spawner.CancelRun(ctx, d.SubworkflowRunID, "parent run finished"); err != nil {
					c.logger.Warn(ctx, "subworkflow cancellation failed", "subworkflow_run_id", d.SubworkflowRunID, "err", err)
				}
			}
			if sw, err := c.tokens.SubworkflowByRunID(ctx, d.SubworkflowRunID); err == nil {
				if err := c.tokens.UpdateSubworkflowStatus(ctx, sw.ID, token.RunCancelled); err != nil {
					return sum, err
				}
			}

		case plan.CompleteWorkflow:
			for k, v := range d.Output {
				if err := c.wctx.Set(ctx, "output."+k, v); err != nil {
					return sum, err
				}
			}
			if _, err := c.tokens.SetRunStatus(ctx, token.RunCompleted); err != nil {
				return sum, err
			}

		case plan.FailWorkflow:
			status := token.RunFailed
			if d.TimedOut {
				status = token.RunTimedOut
			}
			if _, err := c.tokens.SetRunStatus(ctx, status); err != nil {
				return sum, err
			}

		case plan.CancelWorkflow:
			if _, err := c.tokens.SetRunStatus(ctx, token.RunCancelled); err != nil {
				return sum, err
			}

		default:
			return sum, fmt.Errorf("unhandled decision type %T", d)
		}
		sum.Applied++
		i++
	}

	c.emit(ctx, res.Events...)
	c.metrics.IncCounter(telemetry.MetricDecisionsApplied, float64(sum.Applied))
	c.metrics.RecordTimer(telemetry.MetricDispatchDuration, time.Since(started))
	return sum, nil
}

// advance moves freshly created tokens along: task nodes dispatch to the
// executor, subworkflow nodes spawn child runs, and pass-through nodes
// complete immediately and route onward.
func (c *Coordinator) advance(ctx context.Context, toks []*token.Token) error {
	def, err := c.definition(ctx)
	if err != nil {
		return err
	}
	for _, t := range toks {
		node, err := def.Node(t.NodeID)
		if err != nil {
			return c.failRun(ctx, err.Error(), false)
		}
		switch node.Kind {
		case workflow.KindTask:
			if err := c.dispatchToken(ctx, t, node); err != nil {
				return err
			}
		case workflow.KindSubworkflow:
			if err := c.planSubworkflow(ctx, t, node); err != nil {
				return err
			}
		default:
			if err := c.routeCompleted(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchToken resolves the node's task, applies its input mapping, records
// the dispatch, and enqueues the executor call with the token ID as the
// correlation key.
func (c *Coordinator) dispatchToken(ctx context.Context, tok *token.Token, node *workflow.Node) error {
	snap, err := c.wctx.Snapshot(ctx)
	if err != nil {
		return err
	}
	input, err := condition.EvalMapping(node.InputMapping, snap)
	if err != nil {
		if _, uerr := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusFailed, nil); uerr != nil {
			return uerr
		}
		return c.failRun(ctx, fmt.Sprintf("node %q input mapping: %v", node.ID, err), false)
	}
	if _, err := c.tokens.IncrementAttempts(ctx, tok.ID); err != nil {
		return err
	}
	if _, err := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusDispatched, nil); err != nil {
		return err
	}
	req := executor.TaskRequest{
		TaskRef:     node.TaskRef,
		Input:       input,
		Correlation: tok.ID,
		TimeoutMS:   node.TimeoutMS,
	}
	if err := c.exec.Dispatch(ctx, req); err != nil {
		if _, uerr := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusFailed, nil); uerr != nil {
			return uerr
		}
		return c.failRun(ctx, fmt.Sprintf("executor dispatch for node %q: %v", node.ID, err), false)
	}
	c.metrics.IncCounter(telemetry.MetricTasksDispatched, 1)
	c.emit(ctx, events.Event{Type: events.TokensDispatched, Payload: map[string]any{
		"token_id": tok.ID,
		"task_ref": node.TaskRef,
	}})
	return nil
}

// planSubworkflow spawns a child run for a subworkflow node and parks the
// token on it.
func (c *Coordinator) planSubworkflow(ctx context.Context, tok *token.Token, node *workflow.Node) error {
	if c.spawner == nil {
		return c.failRun(ctx, fmt.Sprintf("node %q requires a subworkflow spawner", node.ID), false)
	}
	snap, err := c.wctx.Snapshot(ctx)
	if err != nil {
		return err
	}
	input, err := condition.EvalMapping(node.InputMapping, snap)
	if err != nil {
		return c.failRun(ctx, fmt.Sprintf("node %q input mapping: %v", node.ID, err), false)
	}
	if _, err := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusWaitingForSubworkflow, nil); err != nil {
		return err
	}
	runID, err := c.spawner.StartRun(ctx, SubworkflowRequest{
		WorkflowID:  node.SubworkflowID,
		Input:       input,
		ParentRunID: c.runID,
		TimeoutMS:   node.TimeoutMS,
	})
	if err != nil {
		if _, uerr := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusFailed, nil); uerr != nil {
			return uerr
		}
		return c.failRun(ctx, fmt.Sprintf("spawn subworkflow %q: %v", node.SubworkflowID, err), false)
	}
	now := c.now()
	return c.tokens.InsertSubworkflow(ctx, &token.Subworkflow{
		ID:               uuid.NewString(),
		RunID:            c.runID,
		ParentTokenID:    tok.ID,
		SubworkflowRunID: runID,
		Status:           token.RunRunning,
		TimeoutMS:        node.TimeoutMS,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
}

// startSubworkflow handles an explicit StartSubworkflow decision.
func (c *Coordinator) startSubworkflow(ctx context.Context, d plan.StartSubworkflow) error {
	tok, err := c.tokens.Get(ctx, d.TokenID)
	if err != nil {
		return err
	}
	def, err := c.definition(ctx)
	if err != nil {
		return err
	}
	node, err := def.Node(tok.NodeID)
	if err != nil {
		return err
	}
	return c.planSubworkflow(ctx, tok, node)
}

// emit forwards trace events to the sink. Emission failures are logged and
// swallowed; tracing never aborts dispatch.
func (c *Coordinator) emit(ctx context.Context, evs ...events.Event) {
	if c.sink == nil {
		return
	}
	for _, ev := range evs {
		if err := c.sink.Emit(ctx, ev); err != nil {
			c.logger.Warn(ctx, "trace emission failed", "event_type", ev.Type, "err", err)
		}
	}
}
