package coord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/coord/condition"
	"goa.design/loom/runtime/coord/events"
	"goa.design/loom/runtime/coord/executor"
	"goa.design/loom/runtime/coord/merge"
	"goa.design/loom/runtime/coord/resources"
	"goa.design/loom/runtime/coord/token"
	tokeninmem "goa.design/loom/runtime/coord/token/inmem"
	"goa.design/loom/runtime/coord/wfctx"
	ctxinmem "goa.design/loom/runtime/coord/wfctx/inmem"
	"goa.design/loom/runtime/coord/workflow"
)

type stubCatalog struct {
	def *workflow.Definition
}

func (c stubCatalog) WorkflowDef(context.Context, string, string) (*workflow.Definition, error) {
	return c.def, nil
}

func (c stubCatalog) WorkflowRun(_ context.Context, id string) (*resources.Run, error) {
	return &resources.Run{ID: id, WorkflowID: c.def.ID}, nil
}

// recordingCatalog counts run-record lookups.
type recordingCatalog struct {
	def      *workflow.Definition
	runCalls int
}

func (c *recordingCatalog) WorkflowDef(_ context.Context, id, _ string) (*workflow.Definition, error) {
	if id != c.def.ID {
		return nil, fmt.Errorf("unknown workflow %q", id)
	}
	return c.def, nil
}

func (c *recordingCatalog) WorkflowRun(_ context.Context, id string) (*resources.Run, error) {
	c.runCalls++
	return &resources.Run{ID: id, WorkflowID: c.def.ID}, nil
}

type fakeExecutor struct {
	reqs []executor.TaskRequest
}

func (f *fakeExecutor) Dispatch(_ context.Context, req executor.TaskRequest) error {
	f.reqs = append(f.reqs, req)
	return nil
}

// byRef returns the correlation IDs of all dispatches for a task ref, in
// dispatch order.
func (f *fakeExecutor) byRef(ref string) []string {
	var out []string
	for _, r := range f.reqs {
		if r.TaskRef == ref {
			out = append(out, r.Correlation)
		}
	}
	return out
}

type fixture struct {
	coord    *Coordinator
	exec     *fakeExecutor
	tokens   token.Store
	wctx     wfctx.Store
	recorder *events.Recorder
	now      *time.Time
}

func newFixture(t *testing.T, def *workflow.Definition) *fixture {
	t.Helper()
	exec := &fakeExecutor{}
	tokens := tokeninmem.New("run-1")
	wctx, err := ctxinmem.New(def.Schemas)
	require.NoError(t, err)
	recorder := events.NewRecorder()
	now := time.Now().UTC()

	c, err := New(Options{
		RunID:      "run-1",
		WorkflowID: def.ID,
		Tokens:     tokens,
		Context:    wctx,
		Resources:  stubCatalog{def: def},
		Executor:   exec,
		Events:     recorder,
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)
	return &fixture{coord: c, exec: exec, tokens: tokens, wctx: wctx, recorder: recorder, now: &now}
}

func (f *fixture) complete(t *testing.T, tokenID string, output map[string]any) {
	t.Helper()
	err := f.coord.OnTaskResult(context.Background(), executor.Result{
		TokenID: tokenID,
		Outcome: executor.Outcome{Success: true, Output: output},
	})
	require.NoError(t, err)
}

func taskNode(id, ref string) *workflow.Node {
	return &workflow.Node{ID: id, Kind: workflow.KindTask, TaskRef: ref}
}

func TestLinearFlow(t *testing.T) {
	def := &workflow.Definition{
		ID:            "linear",
		InitialNodeID: "a",
		Nodes: map[string]*workflow.Node{
			"a": taskNode("a", "tasks.a"),
			"b": taskNode("b", "tasks.b"),
			"c": taskNode("c", "tasks.c"),
		},
		Transitions: []*workflow.Transition{
			{ID: "t1", From: "a", To: "b"},
			{ID: "t2", From: "b", To: "c"},
		},
	}
	f := newFixture(t, def)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))

	aIDs := f.exec.byRef("tasks.a")
	require.Len(t, aIDs, 1)
	f.complete(t, aIDs[0], nil)

	bIDs := f.exec.byRef("tasks.b")
	require.Len(t, bIDs, 1)
	bTok, err := f.tokens.Get(ctx, bIDs[0])
	require.NoError(t, err)
	require.Equal(t, token.RootPathID, bTok.PathID)
	require.Equal(t, 0, bTok.BranchIndex)

	f.complete(t, bIDs[0], nil)
	cIDs := f.exec.byRef("tasks.c")
	require.Len(t, cIDs, 1)
	f.complete(t, cIDs[0], nil)

	status, err := f.tokens.RunStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, token.RunCompleted, status)
}

func TestConditionalPriorityTiers(t *testing.T) {
	def := &workflow.Definition{
		ID:            "tiers",
		InitialNodeID: "a",
		Nodes: map[string]*workflow.Node{
			"a": {
				ID: "a", Kind: workflow.KindTask, TaskRef: "tasks.a",
				OutputMapping: map[string]*condition.Expr{
					"state.score": condition.Path("result.score"),
				},
			},
			"b": taskNode("b", "tasks.b"),
			"c": taskNode("c", "tasks.c"),
		},
		Transitions: []*workflow.Transition{
			{ID: "t-high", From: "a", To: "b", Priority: 1,
				Condition: condition.Op("gte", condition.Path("state.score"), condition.Value(90))},
			{ID: "t-low", From: "a", To: "c", Priority: 2},
		},
	}
	f := newFixture(t, def)
	require.NoError(t, f.coord.Start(context.Background(), nil))

	aIDs := f.exec.byRef("tasks.a")
	require.Len(t, aIDs, 1)
	f.complete(t, aIDs[0], map[string]any{"score": 85})

	require.Empty(t, f.exec.byRef("tasks.b"))
	require.Len(t, f.exec.byRef("tasks.c"), 1)
}

func fanInDef(strategy workflow.SyncStrategy, count int, sync *workflow.Synchronization) *workflow.Definition {
	if sync == nil {
		sync = &workflow.Synchronization{
			Strategy:     strategy,
			SiblingGroup: "judges",
			Merge: &workflow.MergeSpec{
				Source:   "_branch.output.vote",
				Target:   "state.votes",
				Strategy: merge.StrategyAppend,
			},
		}
	}
	return &workflow.Definition{
		ID:            "fan",
		InitialNodeID: "a",
		Nodes: map[string]*workflow.Node{
			"a": taskNode("a", "tasks.a"),
			"j": taskNode("j", "tasks.judge"),
			"m": taskNode("m", "tasks.merge"),
		},
		Transitions: []*workflow.Transition{
			{ID: "t-fan", From: "a", To: "j", SpawnCount: count, SiblingGroup: "judges"},
			{ID: "t-join", From: "j", To: "m", Synchronization: sync},
		},
	}
}

func TestFanOutAllFanIn(t *testing.T) {
	f := newFixture(t, fanInDef(workflow.SyncAll, 3, nil))
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))
	f.complete(t, f.exec.byRef("tasks.a")[0], nil)

	judges := f.exec.byRef("tasks.judge")
	require.Len(t, judges, 3)

	f.complete(t, judges[0], map[string]any{"vote": "A"})
	f.complete(t, judges[1], map[string]any{"vote": "B"})
	// Two of three arrived: nothing downstream yet.
	require.Empty(t, f.exec.byRef("tasks.merge"))

	f.complete(t, judges[2], map[string]any{"vote": "A"})

	// Exactly one M token proceeds with the votes merged in branch order.
	require.Len(t, f.exec.byRef("tasks.merge"), 1)
	snap, err := f.wctx.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []any{"A", "B", "A"}, snap.State["votes"])

	// Branch tables are dropped after the merge.
	rows, err := f.wctx.BranchOutputs(ctx, judges)
	require.NoError(t, err)
	require.Empty(t, rows)

	// All three judges are completed.
	for _, id := range judges {
		tok, err := f.tokens.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, token.StatusCompleted, tok.Status)
	}
}

func TestAnyRace(t *testing.T) {
	f := newFixture(t, fanInDef(workflow.SyncAny, 5, nil))
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))
	f.complete(t, f.exec.byRef("tasks.a")[0], nil)

	judges := f.exec.byRef("tasks.judge")
	require.Len(t, judges, 5)

	// First completion activates the fan-in.
	f.complete(t, judges[0], map[string]any{"vote": "first"})
	require.Len(t, f.exec.byRef("tasks.merge"), 1)

	// The remaining four complete without producing more downstream tokens.
	for _, id := range judges[1:] {
		f.complete(t, id, map[string]any{"vote": "late"})
	}
	require.Len(t, f.exec.byRef("tasks.merge"), 1)

	lost := f.recorder.OfType(events.SyncLostRace)
	require.Len(t, lost, 4)
	for _, id := range judges {
		tok, err := f.tokens.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, token.StatusCompleted, tok.Status)
	}
}

func TestMOfNFanIn(t *testing.T) {
	sync := &workflow.Synchronization{
		Strategy:     workflow.SyncMOfN,
		MOfN:         2,
		SiblingGroup: "judges",
		Merge: &workflow.MergeSpec{
			Source:   "_branch.output.vote",
			Target:   "state.votes",
			Strategy: merge.StrategyAppend,
		},
	}
	f := newFixture(t, fanInDef(workflow.SyncMOfN, 3, sync))
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))
	f.complete(t, f.exec.byRef("tasks.a")[0], nil)

	judges := f.exec.byRef("tasks.judge")
	require.Len(t, judges, 3)

	f.complete(t, judges[0], map[string]any{"vote": "A"})
	require.Empty(t, f.exec.byRef("tasks.merge"))

	f.complete(t, judges[1], map[string]any{"vote": "B"})
	require.Len(t, f.exec.byRef("tasks.merge"), 1)

	snap, err := f.wctx.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []any{"A", "B"}, snap.State["votes"])
}

func TestFanInContinuationAppliesOutputMapping(t *testing.T) {
	// The node downstream of the fan-in carries its activator's branch
	// numbers but is past the merge: its output must flow through the node
	// mapping into the shared context, and the run output must pick it up.
	def := fanInDef(workflow.SyncAll, 3, nil)
	def.Nodes["m"].OutputMapping = map[string]*condition.Expr{
		"output.summary": condition.Path("result.summary"),
	}
	def.OutputMapping = map[string]*condition.Expr{
		"summary": condition.Path("output.summary"),
	}
	f := newFixture(t, def)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))
	f.complete(t, f.exec.byRef("tasks.a")[0], nil)

	for _, id := range f.exec.byRef("tasks.judge") {
		f.complete(t, id, map[string]any{"vote": "A"})
	}
	merges := f.exec.byRef("tasks.merge")
	require.Len(t, merges, 1)

	f.complete(t, merges[0], map[string]any{"summary": "done"})

	status, err := f.tokens.RunStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, token.RunCompleted, status)

	snap, err := f.wctx.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "done", snap.Output["summary"])
	require.Equal(t, []any{"A", "A", "A"}, snap.State["votes"])
}

func TestMultiNodeBranchMerge(t *testing.T) {
	// Branches spanning two nodes: the fan-in must wait for the second
	// stage of every branch and merge the second stage's outputs, not the
	// first's.
	def := &workflow.Definition{
		ID:            "stages",
		InitialNodeID: "a",
		Nodes: map[string]*workflow.Node{
			"a": taskNode("a", "tasks.a"),
			"j": taskNode("j", "tasks.draft"),
			"k": taskNode("k", "tasks.refine"),
			"m": taskNode("m", "tasks.merge"),
		},
		Transitions: []*workflow.Transition{
			{ID: "t-fan", From: "a", To: "j", SpawnCount: 2, SiblingGroup: "judges"},
			{ID: "t-next", From: "j", To: "k"},
			{ID: "t-join", From: "k", To: "m", Synchronization: &workflow.Synchronization{
				Strategy:     workflow.SyncAll,
				SiblingGroup: "judges",
				Merge: &workflow.MergeSpec{
					Source:   "_branch.output.stage",
					Target:   "state.stages",
					Strategy: merge.StrategyAppend,
				},
			}},
		},
	}
	f := newFixture(t, def)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))
	f.complete(t, f.exec.byRef("tasks.a")[0], nil)

	drafts := f.exec.byRef("tasks.draft")
	require.Len(t, drafts, 2)
	for _, id := range drafts {
		f.complete(t, id, map[string]any{"stage": "first"})
	}

	refines := f.exec.byRef("tasks.refine")
	require.Len(t, refines, 2)

	// The completed first stages do not satisfy the fan-in.
	f.complete(t, refines[0], map[string]any{"stage": "second"})
	require.Empty(t, f.exec.byRef("tasks.merge"))

	f.complete(t, refines[1], map[string]any{"stage": "second"})
	require.Len(t, f.exec.byRef("tasks.merge"), 1)

	// The merge sees the second stage's rows only.
	snap, err := f.wctx.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []any{"second", "second"}, snap.State["stages"])
}

// contestedFanIns simulates another coordinator instance winning every fan-in
// activation race.
type contestedFanIns struct {
	token.Store
}

func (s contestedFanIns) ActivateFanIn(context.Context, string, string, time.Time) (bool, error) {
	return false, nil
}

func TestLostActivationRaceEmitsNoActivationEvents(t *testing.T) {
	// When the store reports the activation as lost, the planned mutations
	// past that point are skipped, so the planned activation and merge
	// events must not be emitted either.
	def := fanInDef(workflow.SyncAll, 2, nil)
	exec := &fakeExecutor{}
	wctx, err := ctxinmem.New(def.Schemas)
	require.NoError(t, err)
	recorder := events.NewRecorder()
	c, err := New(Options{
		RunID:      "run-1",
		WorkflowID: def.ID,
		Tokens:     contestedFanIns{Store: tokeninmem.New("run-1")},
		Context:    wctx,
		Resources:  stubCatalog{def: def},
		Executor:   exec,
		Events:     recorder,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, nil))

	complete := func(id string, out map[string]any) {
		require.NoError(t, c.OnTaskResult(ctx, executor.Result{
			TokenID: id,
			Outcome: executor.Outcome{Success: true, Output: out},
		}))
	}
	complete(exec.byRef("tasks.a")[0], nil)
	judges := exec.byRef("tasks.judge")
	require.Len(t, judges, 2)

	complete(judges[0], map[string]any{"vote": "A"})
	complete(judges[1], map[string]any{"vote": "B"})

	require.Len(t, recorder.OfType(events.SyncLostRace), 1)
	require.Empty(t, recorder.OfType(events.SyncActivated))
	require.Empty(t, recorder.OfType(events.ContextMerged))
	require.Empty(t, exec.byRef("tasks.merge"))
}

func TestColdStartResolvesRunRecord(t *testing.T) {
	def := &workflow.Definition{
		ID:            "cold",
		InitialNodeID: "a",
		Nodes:         map[string]*workflow.Node{"a": taskNode("a", "tasks.a")},
	}
	catalog := &recordingCatalog{def: def}
	exec := &fakeExecutor{}
	wctx, err := ctxinmem.New(def.Schemas)
	require.NoError(t, err)

	// No WorkflowID: the coordinator must ask the catalog which workflow
	// this run executes.
	c, err := New(Options{
		RunID:     "run-1",
		Tokens:    tokeninmem.New("run-1"),
		Context:   wctx,
		Resources: catalog,
		Executor:  exec,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, nil))
	require.Equal(t, 1, catalog.runCalls)
	require.Len(t, exec.byRef("tasks.a"), 1)

	// The resolution happens once; later entry points reuse the cache.
	require.NoError(t, c.OnTaskResult(ctx, executor.Result{
		TokenID: exec.byRef("tasks.a")[0],
		Outcome: executor.Outcome{Success: true},
	}))
	require.Equal(t, 1, catalog.runCalls)
}

func TestLoopCapWithFallback(t *testing.T) {
	def := &workflow.Definition{
		ID:            "loop",
		InitialNodeID: "x",
		Nodes: map[string]*workflow.Node{
			"x": taskNode("x", "tasks.x"),
			"y": taskNode("y", "tasks.y"),
		},
		Transitions: []*workflow.Transition{
			{ID: "t-loop", From: "x", To: "x", Priority: 1, Loop: &workflow.Loop{MaxIterations: 3}},
			{ID: "t-exit", From: "x", To: "y", Priority: 2},
		},
	}
	f := newFixture(t, def)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))

	// Drive X until the exit path fires.
	for i := 0; i < 4; i++ {
		xs := f.exec.byRef("tasks.x")
		require.Len(t, xs, i+1)
		f.complete(t, xs[len(xs)-1], nil)
	}

	// The loop ran exactly 3 times (4 X dispatches), then fell through to Y.
	require.Len(t, f.exec.byRef("tasks.x"), 4)
	require.Len(t, f.exec.byRef("tasks.y"), 1)
	require.NotEmpty(t, f.recorder.OfType(events.RoutingLoopLimitReached))
}

func TestTimeoutProceedWithAvailable(t *testing.T) {
	sync := &workflow.Synchronization{
		Strategy:     workflow.SyncAll,
		SiblingGroup: "judges",
		TimeoutMS:    100,
		OnTimeout:    workflow.TimeoutProceed,
		Merge: &workflow.MergeSpec{
			Source:   "_branch.output.vote",
			Target:   "state.votes",
			Strategy: merge.StrategyAppend,
		},
	}
	f := newFixture(t, fanInDef(workflow.SyncAll, 3, sync))
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))
	f.complete(t, f.exec.byRef("tasks.a")[0], nil)

	judges := f.exec.byRef("tasks.judge")
	require.Len(t, judges, 3)

	f.complete(t, judges[0], map[string]any{"vote": "A"})
	f.complete(t, judges[1], map[string]any{"vote": "B"})
	require.Empty(t, f.exec.byRef("tasks.merge"))

	// The deadline passes and the alarm fires.
	*f.now = f.now.Add(200 * time.Millisecond)
	require.NoError(t, f.coord.OnTimeoutAlarm(ctx))

	require.Len(t, f.exec.byRef("tasks.merge"), 1)
	snap, err := f.wctx.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []any{"A", "B"}, snap.State["votes"])

	// The straggler is timed out, not completed.
	straggler, err := f.tokens.Get(ctx, judges[2])
	require.NoError(t, err)
	require.Equal(t, token.StatusTimedOut, straggler.Status)

	// A late result for the straggler is absorbed.
	f.complete(t, judges[2], map[string]any{"vote": "C"})
	require.Len(t, f.exec.byRef("tasks.merge"), 1)
}

func TestTimeoutFailPolicy(t *testing.T) {
	sync := &workflow.Synchronization{
		Strategy:     workflow.SyncAll,
		SiblingGroup: "judges",
		TimeoutMS:    100,
		OnTimeout:    workflow.TimeoutFail,
	}
	f := newFixture(t, fanInDef(workflow.SyncAll, 2, sync))
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))
	f.complete(t, f.exec.byRef("tasks.a")[0], nil)

	judges := f.exec.byRef("tasks.judge")
	f.complete(t, judges[0], map[string]any{"vote": "A"})

	*f.now = f.now.Add(time.Second)
	require.NoError(t, f.coord.OnTimeoutAlarm(ctx))

	status, err := f.tokens.RunStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, token.RunTimedOut, status)
}

func TestRetryableFailureWithinBudget(t *testing.T) {
	def := &workflow.Definition{
		ID:            "retry",
		InitialNodeID: "a",
		Nodes: map[string]*workflow.Node{
			"a": {ID: "a", Kind: workflow.KindTask, TaskRef: "tasks.a", MaxRetries: 2},
		},
	}
	f := newFixture(t, def)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))

	tokID := f.exec.byRef("tasks.a")[0]
	fail := func() error {
		return f.coord.OnTaskResult(ctx, executor.Result{
			TokenID: tokID,
			Outcome: executor.Outcome{Err: &executor.Error{Type: "unavailable", Message: "boom", Retryable: true}},
		})
	}

	require.NoError(t, fail())
	require.Len(t, f.exec.byRef("tasks.a"), 2)
	require.NoError(t, fail())
	require.Len(t, f.exec.byRef("tasks.a"), 3)

	// Budget exhausted: the third failure is terminal.
	require.NoError(t, fail())
	require.Len(t, f.exec.byRef("tasks.a"), 3)
	status, err := f.tokens.RunStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, token.RunFailed, status)
}

func TestNonRetryableFailureFailsRun(t *testing.T) {
	def := &workflow.Definition{
		ID:            "fail",
		InitialNodeID: "a",
		Nodes: map[string]*workflow.Node{
			"a": {ID: "a", Kind: workflow.KindTask, TaskRef: "tasks.a", MaxRetries: 5},
			"b": taskNode("b", "tasks.b"),
		},
		Transitions: []*workflow.Transition{{ID: "t1", From: "a", To: "b"}},
	}
	f := newFixture(t, def)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))

	tokID := f.exec.byRef("tasks.a")[0]
	require.NoError(t, f.coord.OnTaskResult(ctx, executor.Result{
		TokenID: tokID,
		Outcome: executor.Outcome{Err: &executor.Error{Type: "validation", Message: "bad input", Retryable: false}},
	}))

	status, err := f.tokens.RunStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, token.RunFailed, status)

	tok, err := f.tokens.Get(ctx, tokID)
	require.NoError(t, err)
	require.Equal(t, token.StatusFailed, tok.Status)
}

func TestDuplicateResultIsAbsorbed(t *testing.T) {
	def := &workflow.Definition{
		ID:            "dup",
		InitialNodeID: "a",
		Nodes: map[string]*workflow.Node{
			"a": taskNode("a", "tasks.a"),
			"b": taskNode("b", "tasks.b"),
		},
		Transitions: []*workflow.Transition{{ID: "t1", From: "a", To: "b"}},
	}
	f := newFixture(t, def)
	require.NoError(t, f.coord.Start(context.Background(), nil))

	tokID := f.exec.byRef("tasks.a")[0]
	f.complete(t, tokID, nil)
	require.Len(t, f.exec.byRef("tasks.b"), 1)

	// Redelivery of the same result creates nothing new.
	f.complete(t, tokID, nil)
	require.Len(t, f.exec.byRef("tasks.b"), 1)
}

func TestWorkflowOutputMapping(t *testing.T) {
	def := &workflow.Definition{
		ID:            "out",
		InitialNodeID: "a",
		Nodes: map[string]*workflow.Node{
			"a": {
				ID: "a", Kind: workflow.KindTask, TaskRef: "tasks.a",
				OutputMapping: map[string]*condition.Expr{
					"output.verdict": condition.Path("result.verdict"),
				},
			},
		},
		OutputMapping: map[string]*condition.Expr{
			"verdict": condition.Path("output.verdict"),
		},
	}
	f := newFixture(t, def)
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))
	f.complete(t, f.exec.byRef("tasks.a")[0], map[string]any{"verdict": "approved"})

	status, err := f.tokens.RunStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, token.RunCompleted, status)

	snap, err := f.wctx.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "approved", snap.Output["verdict"])
	require.NotEmpty(t, f.recorder.OfType(events.CompletionFinalized))
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t, fanInDef(workflow.SyncAll, 3, nil))
	ctx := context.Background()
	require.NoError(t, f.coord.Start(ctx, nil))
	f.complete(t, f.exec.byRef("tasks.a")[0], nil)

	require.NoError(t, f.coord.Cancel(ctx, "operator request"))

	status, err := f.tokens.RunStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, token.RunCancelled, status)

	for _, id := range f.exec.byRef("tasks.judge") {
		tok, err := f.tokens.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, token.StatusCancelled, tok.Status)
	}

	// Results after cancellation are absorbed.
	f.complete(t, f.exec.byRef("tasks.judge")[0], nil)
}

func TestNoopNodeCompletesImmediately(t *testing.T) {
	def := &workflow.Definition{
		ID:            "noop",
		InitialNodeID: "gate",
		Nodes: map[string]*workflow.Node{
			"gate": {ID: "gate", Kind: workflow.KindNoop},
			"b":    taskNode("b", "tasks.b"),
		},
		Transitions: []*workflow.Transition{{ID: "t1", From: "gate", To: "b"}},
	}
	f := newFixture(t, def)
	require.NoError(t, f.coord.Start(context.Background(), nil))
	// The gate routed without any executor involvement.
	require.Len(t, f.exec.byRef("tasks.b"), 1)
}

func TestInputValidationFailsStart(t *testing.T) {
	def := &workflow.Definition{
		ID:            "schema",
		InitialNodeID: "a",
		Nodes:         map[string]*workflow.Node{"a": taskNode("a", "tasks.a")},
		Schemas: wfctx.Schemas{
			Input: map[string]any{
				"type":     "object",
				"required": []any{"order_id"},
			},
		},
	}
	f := newFixture(t, def)
	err := f.coord.Start(context.Background(), map[string]any{"wrong": true})
	var verr *wfctx.ValidationError
	require.ErrorAs(t, err, &verr)
	// No token was created.
	n, cerr := f.tokens.ActiveCount(context.Background())
	require.NoError(t, cerr)
	require.Zero(t, n)
}
