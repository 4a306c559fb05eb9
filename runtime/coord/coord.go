// Package coord implements the per-run workflow coordinator: an actor that
// owns one run's stores, receives task and subworkflow results from the
// outside, plans the next moves with the pure planning layer, and applies the
// resulting decisions through its dispatcher.
//
// Scheduling is single-threaded cooperative per run: a mutex serializes the
// mutating entry points (Start, OnTaskResult, OnSubworkflowResult,
// OnTimeoutAlarm, Cancel). Concurrent runs are fully isolated; each owns its
// own store. Delivery from the host is at least once, so every entry point
// tolerates duplicates: terminal tokens and terminal runs absorb repeated
// results as no-ops, and fan-in activation is arbitrated by the store's
// conditional update.
package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/loom/runtime/coord/alarm"
	"goa.design/loom/runtime/coord/events"
	"goa.design/loom/runtime/coord/executor"
	"goa.design/loom/runtime/coord/merge"
	"goa.design/loom/runtime/coord/plan"
	"goa.design/loom/runtime/coord/resources"
	"goa.design/loom/runtime/coord/telemetry"
	"goa.design/loom/runtime/coord/token"
	"goa.design/loom/runtime/coord/wfctx"
	"goa.design/loom/runtime/coord/workflow"
)

type (
	// SubworkflowRequest asks the host to start a child run.
	SubworkflowRequest struct {
		WorkflowID  string
		Input       map[string]any
		ParentRunID string
		TimeoutMS   int64
	}

	// Spawner starts and cancels child workflow runs. Optional; runs whose
	// definitions contain no subworkflow nodes never need one.
	Spawner interface {
		StartRun(ctx context.Context, req SubworkflowRequest) (runID string, err error)
		CancelRun(ctx context.Context, runID, reason string) error
	}

	// Options configures a Coordinator. Tokens, Context, Resources and
	// Executor are required; nil telemetry fields get noop implementations
	// and a nil Events sink discards trace events.
	Options struct {
		// RunID identifies this run; used for correlation and child spawns.
		RunID string
		// WorkflowID and WorkflowVersion select the definition to load. When
		// WorkflowID is empty the run record fetched from Resources supplies
		// both.
		WorkflowID      string
		WorkflowVersion string

		// Tokens is the per-run token store.
		Tokens token.Store
		// Context is the per-run context store.
		Context wfctx.Store
		// Resources fetches the run record and workflow definition on cold
		// start.
		Resources resources.Client
		// Executor enqueues tasks.
		Executor executor.Client
		// Events receives trace events; failures are logged, never fatal.
		Events events.Sink
		// Alarms schedules synchronization timeout wakeups.
		Alarms alarm.Scheduler
		// Subworkflows spawns child runs.
		Subworkflows Spawner

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// Clock overrides time.Now, mainly for tests.
		Clock func() time.Time
	}

	// Coordinator is the run actor.
	Coordinator struct {
		mu sync.Mutex

		runID     string
		res       resources.Client
		wfID      string
		wfVersion string
		defs      *workflow.Cache

		tokens   token.Store
		wctx     wfctx.Store
		exec     executor.Client
		sink     events.Sink
		alarms   alarm.Scheduler
		spawner  Spawner
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		now      func() time.Time
		nextWake time.Time
	}
)

// New builds a Coordinator for one run.
func New(opts Options) (*Coordinator, error) {
	if opts.RunID == "" {
		return nil, errors.New("run ID is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token store is required")
	}
	if opts.Context == nil {
		return nil, errors.New("context store is required")
	}
	if opts.Resources == nil {
		return nil, errors.New("resources client is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor client is required")
	}
	c := &Coordinator{
		runID:     opts.RunID,
		res:       opts.Resources,
		wfID:      opts.WorkflowID,
		wfVersion: opts.WorkflowVersion,

		tokens:  opts.Tokens,
		wctx:    opts.Context,
		exec:    opts.Executor,
		sink:    opts.Events,
		alarms:  opts.Alarms,
		spawner: opts.Subworkflows,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		now:     opts.Clock,
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewNoopMetrics()
	}
	if c.tracer == nil {
		c.tracer = telemetry.NewNoopTracer()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

type loaderFunc func(ctx context.Context, id, version string) (*workflow.Definition, error)

func (f loaderFunc) WorkflowDef(ctx context.Context, id, version string) (*workflow.Definition, error) {
	return f(ctx, id, version)
}

// definition returns the run's workflow definition, resolving which one to
// load on first use. When Options named no workflow the catalog's run record
// supplies it, so a host holding only a run ID can rebuild the coordinator
// cold. The cache validates once and serves the same definition thereafter.
func (c *Coordinator) definition(ctx context.Context) (*workflow.Definition, error) {
	if c.defs == nil {
		id, version := c.wfID, c.wfVersion
		if id == "" {
			run, err := c.res.WorkflowRun(ctx, c.runID)
			if err != nil {
				return nil, fmt.Errorf("resolve run %s: %w", c.runID, err)
			}
			id, version = run.WorkflowID, run.WorkflowVersion
		}
		c.defs = workflow.NewCache(loaderFunc(c.res.WorkflowDef), id, version)
	}
	return c.defs.Get(ctx)
}

// Start initializes the run: validates and stores the input, creates the
// root token, and dispatches it. A ValidationError fails Start before any
// token exists.
func (c *Coordinator) Start(ctx context.Context, input map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, span := c.tracer.Start(ctx, "coord.start")
	defer span.End()

	def, err := c.definition(ctx)
	if err != nil {
		return err
	}
	if err := c.wctx.InitInput(ctx, input); err != nil {
		return fmt.Errorf("run %s: %w", c.runID, err)
	}
	res := plan.Start(def)
	created, err := c.apply(ctx, res)
	if err != nil {
		return err
	}
	c.logger.Info(ctx, "workflow started", "run_id", c.runID, "workflow_id", def.ID)
	return c.advance(ctx, created)
}

// OnTaskResult folds one task outcome into the run. Idempotent by token ID:
// a result for a terminal token is absorbed silently.
func (c *Coordinator) OnTaskResult(ctx context.Context, res executor.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, span := c.tracer.Start(ctx, "coord.on_task_result")
	defer span.End()

	if done, err := c.runFinished(ctx); err != nil || done {
		return err
	}
	tok, err := c.tokens.Get(ctx, res.TokenID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			c.logger.Warn(ctx, "task result for unknown token", "token_id", res.TokenID)
			return nil
		}
		return err
	}
	if tok.Status.Terminal() {
		c.logger.Debug(ctx, "duplicate task result ignored", "token_id", tok.ID, "status", string(tok.Status))
		return nil
	}

	if !res.Outcome.Success {
		return c.handleTaskFailure(ctx, tok, res.Outcome.Err)
	}

	def, err := c.definition(ctx)
	if err != nil {
		return err
	}
	node, err := def.Node(tok.NodeID)
	if err != nil {
		return c.failRun(ctx, err.Error(), false)
	}
	snap, err := c.wctx.Snapshot(ctx)
	if err != nil {
		return err
	}
	out, err := plan.TaskOutput(plan.TaskOutputInput{Token: tok, Node: node, Snapshot: snap, Output: res.Outcome.Output})
	if err != nil {
		// EvaluationError in an output mapping fails the token and the run.
		return c.failRun(ctx, err.Error(), false)
	}
	if _, err := c.apply(ctx, out); err != nil {
		var verr *wfctx.ValidationError
		if errors.As(err, &verr) {
			return c.failRun(ctx, verr.Error(), false)
		}
		return err
	}
	return c.routeCompleted(ctx, tok)
}

// OnSubworkflowResult folds a child run's outcome into the run.
func (c *Coordinator) OnSubworkflowResult(ctx context.Context, subRunID string, outcome executor.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if done, err := c.runFinished(ctx); err != nil || done {
		return err
	}
	sw, err := c.tokens.SubworkflowByRunID(ctx, subRunID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			c.logger.Warn(ctx, "result for unknown subworkflow run", "subworkflow_run_id", subRunID)
			return nil
		}
		return err
	}
	tok, err := c.tokens.Get(ctx, sw.ParentTokenID)
	if err != nil {
		return err
	}
	if tok.Status.Terminal() {
		return nil
	}

	if !outcome.Success {
		if err := c.tokens.UpdateSubworkflowStatus(ctx, sw.ID, token.RunFailed); err != nil {
			return err
		}
		msg := "subworkflow failed"
		if outcome.Err != nil {
			msg = outcome.Err.Message
		}
		if _, err := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusFailed, nil); err != nil {
			return err
		}
		return c.failRun(ctx, msg, false)
	}

	if err := c.tokens.UpdateSubworkflowStatus(ctx, sw.ID, token.RunCompleted); err != nil {
		return err
	}
	def, err := c.definition(ctx)
	if err != nil {
		return err
	}
	node, err := def.Node(tok.NodeID)
	if err != nil {
		return c.failRun(ctx, err.Error(), false)
	}
	snap, err := c.wctx.Snapshot(ctx)
	if err != nil {
		return err
	}
	out, err := plan.TaskOutput(plan.TaskOutputInput{Token: tok, Node: node, Snapshot: snap, Output: outcome.Output})
	if err != nil {
		return c.failRun(ctx, err.Error(), false)
	}
	if _, err := c.apply(ctx, out); err != nil {
		return err
	}
	return c.routeCompleted(ctx, tok)
}

// OnTimeoutAlarm rescans waiting fan-ins, resolves the expired ones, and
// re-arms the alarm for the earliest remaining deadline.
func (c *Coordinator) OnTimeoutAlarm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if done, err := c.runFinished(ctx); err != nil || done {
		return err
	}
	def, err := c.definition(ctx)
	if err != nil {
		return err
	}
	waiting, err := c.tokens.WaitingFanIns(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	c.nextWake = time.Time{}
	for _, f := range waiting {
		t, err := def.Transition(f.TransitionID)
		if err != nil {
			return c.failRun(ctx, err.Error(), false)
		}
		sync := t.Synchronization
		if sync == nil || sync.TimeoutMS <= 0 {
			continue
		}
		deadline := f.FirstArrivalAt.Add(time.Duration(sync.TimeoutMS) * time.Millisecond)
		if deadline.After(now) {
			c.considerWake(ctx, deadline)
			continue
		}
		if err := c.resolveTimeout(ctx, def, f, t); err != nil {
			return err
		}
		if done, err := c.runFinished(ctx); err != nil || done {
			return err
		}
	}
	return nil
}

// Cancel cancels the run: child runs first, then in-flight tokens, then the
// workflow status. Idempotent.
func (c *Coordinator) Cancel(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if done, err := c.runFinished(ctx); err != nil || done {
		return err
	}
	active, err := c.activeTokens(ctx)
	if err != nil {
		return err
	}
	subs, err := c.tokens.ActiveSubworkflows(ctx)
	if err != nil {
		return err
	}
	res := plan.CancelRun(plan.CancelInput{Reason: reason, Active: active, Subworkflows: subs})
	if _, err := c.apply(ctx, res); err != nil {
		return err
	}
	c.logger.Info(ctx, "workflow cancelled", "run_id", c.runID, "reason", reason)
	return nil
}

// resolveTimeout handles one expired fan-in.
func (c *Coordinator) resolveTimeout(ctx context.Context, def *workflow.Definition, f *token.FanIn, t *workflow.Transition) error {
	siblings, err := c.tokens.BySiblingGroup(ctx, t.Synchronization.SiblingGroup)
	if err != nil {
		return err
	}
	branches, err := c.branchRecords(ctx, t, siblings)
	if err != nil {
		return err
	}
	res, err := plan.Timeout(plan.TimeoutInput{FanIn: f, Transition: t, Siblings: siblings, Branches: branches, Now: c.now()})
	if err != nil {
		return c.failRun(ctx, err.Error(), false)
	}
	created, err := c.apply(ctx, res)
	if err != nil {
		return err
	}
	if err := c.advance(ctx, created); err != nil {
		return err
	}
	return c.checkCompletion(ctx)
}

// routeCompleted routes a token whose work just finished. The token is
// marked completed unless synchronization parked it.
func (c *Coordinator) routeCompleted(ctx context.Context, tok *token.Token) error {
	def, err := c.definition(ctx)
	if err != nil {
		return err
	}
	snap, err := c.wctx.Snapshot(ctx)
	if err != nil {
		return err
	}
	rr, err := plan.Route(plan.RouteInput{Token: tok, Transitions: def.Outbound(tok.NodeID), Snapshot: snap})
	if err != nil {
		// An unevaluable condition fails fast: token, then run.
		if _, uerr := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusFailed, nil); uerr != nil {
			return uerr
		}
		return c.failRun(ctx, err.Error(), false)
	}

	created, err := c.apply(ctx, &plan.Result{Decisions: rr.Decisions, Events: rr.Events})
	if err != nil {
		return err
	}

	for _, st := range rr.Sync {
		sres, err := c.synchronize(ctx, tok, st)
		if err != nil {
			return err
		}
		more, err := c.apply(ctx, sres)
		if err != nil {
			return err
		}
		created = append(created, more...)
	}

	// Complete the token unless synchronization already resolved it or
	// parked it waiting.
	cur, err := c.tokens.Get(ctx, tok.ID)
	if err != nil {
		return err
	}
	if !cur.Status.Terminal() && cur.Status != token.StatusWaitingForSiblings {
		if _, err := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusCompleted, nil); err != nil {
			return err
		}
	}

	if err := c.advance(ctx, created); err != nil {
		return err
	}
	return c.checkCompletion(ctx)
}

// synchronize gathers sibling and fan-in state for one synchronized
// transition and calls the pure planner.
func (c *Coordinator) synchronize(ctx context.Context, tok *token.Token, t *workflow.Transition) (*plan.Result, error) {
	siblings, err := c.tokens.BySiblingGroup(ctx, tok.SiblingGroup)
	if err != nil {
		return nil, err
	}
	var fanIn *token.FanIn
	if f, err := c.tokens.FanInByPath(ctx, plan.FanInPath(tok, t.ID)); err == nil {
		fanIn = f
	} else if !errors.Is(err, token.ErrNotFound) {
		return nil, err
	}
	branches, err := c.branchRecords(ctx, t, siblings)
	if err != nil {
		return nil, err
	}
	return plan.Synchronize(plan.SyncInput{
		Token:      tok,
		Transition: t,
		Siblings:   siblings,
		FanIn:      fanIn,
		Branches:   branches,
		Now:        c.now(),
	})
}

// branchRecords reads the siblings' branch table rows when the transition
// merges; planning filters and reduces them.
func (c *Coordinator) branchRecords(ctx context.Context, t *workflow.Transition, siblings []*token.Token) ([]merge.Record, error) {
	if t.Synchronization == nil || t.Synchronization.Merge == nil {
		return nil, nil
	}
	ids := make([]string, len(siblings))
	index := make(map[string]int, len(siblings))
	for i, s := range siblings {
		ids[i] = s.ID
		index[s.ID] = s.BranchIndex
	}
	rows, err := c.wctx.BranchOutputs(ctx, ids)
	if err != nil {
		return nil, err
	}
	records := make([]merge.Record, 0, len(rows))
	for id, row := range rows {
		records = append(records, merge.Record{TokenID: id, BranchIndex: index[id], Output: row})
	}
	return records, nil
}

// handleTaskFailure retries retryable failures within the node's budget and
// otherwise propagates: token failed, in-flight work cancelled, run failed.
func (c *Coordinator) handleTaskFailure(ctx context.Context, tok *token.Token, terr *executor.Error) error {
	def, err := c.definition(ctx)
	if err != nil {
		return err
	}
	node, err := def.Node(tok.NodeID)
	if err != nil {
		return c.failRun(ctx, err.Error(), false)
	}
	if terr != nil && terr.Retryable && tok.Attempts <= node.MaxRetries {
		c.logger.Info(ctx, "retrying task", "token_id", tok.ID, "attempt", tok.Attempts, "max_retries", node.MaxRetries)
		return c.dispatchToken(ctx, tok, node)
	}
	if _, err := c.tokens.UpdateStatus(ctx, tok.ID, token.StatusFailed, nil); err != nil {
		return err
	}
	msg := "task failed"
	if terr != nil {
		msg = terr.Message
	}
	return c.failRun(ctx, msg, false)
}

// failRun cancels everything in flight and finalizes the run. The terminal
// status guard makes double finalization impossible.
func (c *Coordinator) failRun(ctx context.Context, reason string, timedOut bool) error {
	active, err := c.activeTokens(ctx)
	if err != nil {
		return err
	}
	subs, err := c.tokens.ActiveSubworkflows(ctx)
	if err != nil {
		return err
	}
	res := plan.FailRun(plan.FailInput{Reason: reason, TimedOut: timedOut, Active: active, Subworkflows: subs})
	if _, err := c.apply(ctx, res); err != nil {
		return err
	}
	c.logger.Error(ctx, "workflow failed", "run_id", c.runID, "reason", reason)
	return nil
}

// checkCompletion finalizes the run when nothing remains in flight.
func (c *Coordinator) checkCompletion(ctx context.Context) error {
	status, err := c.tokens.RunStatus(ctx)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return nil
	}
	active, err := c.tokens.ActiveCount(ctx)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}
	def, err := c.definition(ctx)
	if err != nil {
		return err
	}
	snap, err := c.wctx.Snapshot(ctx)
	if err != nil {
		return err
	}
	res, err := plan.Completion(def, snap)
	if err != nil {
		return c.failRun(ctx, err.Error(), false)
	}
	if _, err := c.apply(ctx, res); err != nil {
		return err
	}
	c.logger.Info(ctx, "workflow completed", "run_id", c.runID)
	return nil
}

func (c *Coordinator) runFinished(ctx context.Context) (bool, error) {
	status, err := c.tokens.RunStatus(ctx)
	if err != nil {
		return false, err
	}
	return status.Terminal(), nil
}

func (c *Coordinator) activeTokens(ctx context.Context) ([]*token.Token, error) {
	return c.tokens.ByStatus(ctx,
		token.StatusPending,
		token.StatusDispatched,
		token.StatusExecuting,
		token.StatusWaitingForSiblings,
		token.StatusWaitingForSubworkflow,
	)
}

// considerWake arms the host alarm when the deadline is earlier than any
// already armed. A single alarm covers the whole run.
func (c *Coordinator) considerWake(ctx context.Context, at time.Time) {
	if c.alarms == nil {
		return
	}
	if !c.nextWake.IsZero() && !at.Before(c.nextWake) {
		return
	}
	c.nextWake = at
	if err := c.alarms.Schedule(ctx, at); err != nil {
		c.logger.Warn(ctx, "alarm scheduling failed", "err", err)
	}
}
