package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/coord/events"
	"goa.design/loom/runtime/coord/merge"
	"goa.design/loom/runtime/coord/token"
	"goa.design/loom/runtime/coord/workflow"
)

func sibling(id string, idx int, status token.Status) *token.Token {
	return &token.Token{
		ID:           id,
		RunID:        "run-1",
		NodeID:       "worker",
		Status:       status,
		PathID:       "root.split." + string(rune('0'+idx)),
		SiblingGroup: "workers",
		BranchIndex:  idx,
		BranchTotal:  3,
	}
}

func joinTransition(strategy workflow.SyncStrategy) *workflow.Transition {
	return &workflow.Transition{
		ID: "t-join", From: "worker", To: "merge",
		Synchronization: &workflow.Synchronization{
			Strategy:     strategy,
			SiblingGroup: "workers",
			Merge: &workflow.MergeSpec{
				Target:   "state.results",
				Strategy: merge.StrategyAppend,
			},
		},
	}
}

func TestFanInPathStripsFanOutSuffix(t *testing.T) {
	tok := sibling("t0", 0, token.StatusExecuting)
	require.Equal(t, "root:t-join", FanInPath(tok, "t-join"))

	// A non-fanned token keeps its full path.
	solo := &token.Token{PathID: "root", BranchTotal: 1}
	require.Equal(t, "root:t-join", FanInPath(solo, "t-join"))

	// Nested fan-out strips only the innermost extension.
	nested := &token.Token{PathID: "root.split.0.again.1", BranchTotal: 2}
	require.Equal(t, "root.split.0:t-join", FanInPath(nested, "t-join"))
}

func TestSynchronizeFirstArrivalWaits(t *testing.T) {
	now := time.Now().UTC()
	arriver := sibling("t0", 0, token.StatusExecuting)
	res, err := Synchronize(SyncInput{
		Token:      arriver,
		Transition: joinTransition(workflow.SyncAll),
		Siblings: []*token.Token{
			arriver,
			sibling("t1", 1, token.StatusExecuting),
			sibling("t2", 2, token.StatusExecuting),
		},
		Now: now,
	})
	require.NoError(t, err)

	require.IsType(t, CreateFanIn{}, res.Decisions[0])
	upd := res.Decisions[1].(UpdateTokenStatus)
	require.Equal(t, token.StatusWaitingForSiblings, upd.Status)
	require.Equal(t, "t0", upd.TokenID)
	require.NotNil(t, upd.ArrivedAt)
	require.Equal(t, events.SyncWaiting, res.Events[0].Type)
}

func TestSynchronizeWaitSchedulesTimeoutAlarm(t *testing.T) {
	now := time.Now().UTC()
	tr := joinTransition(workflow.SyncAll)
	tr.Synchronization.TimeoutMS = 5000
	arriver := sibling("t0", 0, token.StatusExecuting)
	res, err := Synchronize(SyncInput{
		Token:      arriver,
		Transition: tr,
		Siblings:   []*token.Token{arriver, sibling("t1", 1, token.StatusExecuting)},
		Now:        now,
	})
	require.NoError(t, err)

	var alarm *ScheduleAlarm
	for _, d := range res.Decisions {
		if a, ok := d.(ScheduleAlarm); ok {
			alarm = &a
		}
	}
	require.NotNil(t, alarm)
	require.Equal(t, now.Add(5*time.Second), alarm.At)
}

func TestSynchronizeLastArrivalActivates(t *testing.T) {
	now := time.Now().UTC()
	arriver := sibling("t2", 2, token.StatusExecuting)
	waiting0 := sibling("t0", 0, token.StatusWaitingForSiblings)
	waiting1 := sibling("t1", 1, token.StatusWaitingForSiblings)
	fanIn := &token.FanIn{
		ID: "f1", FanInPath: "root:t-join", Status: token.FanInWaiting,
		TransitionID: "t-join", FirstArrivalAt: now.Add(-time.Second),
	}
	branches := []merge.Record{
		{TokenID: "t0", BranchIndex: 0, Output: map[string]any{"output": map[string]any{"v": "a"}}},
		{TokenID: "t1", BranchIndex: 1, Output: map[string]any{"output": map[string]any{"v": "b"}}},
		{TokenID: "t2", BranchIndex: 2, Output: map[string]any{"output": map[string]any{"v": "c"}}},
	}

	res, err := Synchronize(SyncInput{
		Token:      arriver,
		Transition: joinTransition(workflow.SyncAll),
		Siblings:   []*token.Token{waiting0, waiting1, arriver},
		FanIn:      fanIn,
		Branches:   branches,
		Now:        now,
	})
	require.NoError(t, err)

	act := res.Decisions[0].(ActivateFanIn)
	require.Equal(t, "root:t-join", act.FanInPath)
	require.Equal(t, "t2", act.TokenID)

	// Waiting siblings complete, merged value lands, branch tables drop, the
	// continuation token is created, and the activator completes.
	var (
		completed   []string
		setCtx      *SetContext
		dropped     *DropBranchTables
		created     *CreateToken
		sawActEvent bool
	)
	for _, d := range res.Decisions[1:] {
		switch v := d.(type) {
		case UpdateTokenStatus:
			require.Equal(t, token.StatusCompleted, v.Status)
			completed = append(completed, v.TokenID)
		case SetContext:
			setCtx = &v
		case DropBranchTables:
			dropped = &v
		case CreateToken:
			created = &v
		}
	}
	for _, ev := range res.Events {
		if ev.Type == events.SyncActivated {
			sawActEvent = true
		}
	}
	require.ElementsMatch(t, []string{"t0", "t1", "t2"}, completed)
	require.NotNil(t, setCtx)
	require.Equal(t, "state.results", setCtx.Path)
	require.Equal(t, []any{
		map[string]any{"v": "a"},
		map[string]any{"v": "b"},
		map[string]any{"v": "c"},
	}, setCtx.Value)
	require.NotNil(t, dropped)
	require.Len(t, dropped.TokenIDs, 3)
	require.NotNil(t, created)
	require.Equal(t, "merge", created.NodeID)
	// The continuation inherits the activator's lineage.
	require.Equal(t, arriver.PathID, created.PathID)
	require.Equal(t, 1, created.IterationCounts["t-join"])
	require.True(t, sawActEvent)
}

func TestSynchronizeAnyActivatesOnFirst(t *testing.T) {
	now := time.Now().UTC()
	arriver := sibling("t0", 0, token.StatusExecuting)
	res, err := Synchronize(SyncInput{
		Token:      arriver,
		Transition: joinTransition(workflow.SyncAny),
		Siblings: []*token.Token{
			arriver,
			sibling("t1", 1, token.StatusExecuting),
			sibling("t2", 2, token.StatusExecuting),
		},
		Branches: []merge.Record{
			{TokenID: "t0", BranchIndex: 0, Output: map[string]any{"output": map[string]any{"v": "first"}}},
		},
		Now: now,
	})
	require.NoError(t, err)

	require.IsType(t, CreateFanIn{}, res.Decisions[0])
	require.IsType(t, ActivateFanIn{}, res.Decisions[1])
}

func TestSynchronizeMOfN(t *testing.T) {
	tr := joinTransition(workflow.SyncMOfN)
	tr.Synchronization.MOfN = 2
	now := time.Now().UTC()

	// First arrival: 1 of 2 needed, waits.
	arriver := sibling("t0", 0, token.StatusExecuting)
	res, err := Synchronize(SyncInput{
		Token:      arriver,
		Transition: tr,
		Siblings: []*token.Token{
			arriver,
			sibling("t1", 1, token.StatusExecuting),
			sibling("t2", 2, token.StatusExecuting),
		},
		Now: now,
	})
	require.NoError(t, err)
	require.IsType(t, UpdateTokenStatus{}, res.Decisions[1])

	// Second arrival meets the threshold.
	second := sibling("t1", 1, token.StatusExecuting)
	res, err = Synchronize(SyncInput{
		Token:      second,
		Transition: tr,
		Siblings: []*token.Token{
			sibling("t0", 0, token.StatusWaitingForSiblings),
			second,
			sibling("t2", 2, token.StatusExecuting),
		},
		FanIn: &token.FanIn{FanInPath: "root:t-join", Status: token.FanInWaiting, FirstArrivalAt: now},
		Now:   now,
	})
	require.NoError(t, err)
	require.IsType(t, ActivateFanIn{}, res.Decisions[0])
}

func TestSynchronizeCountsBranchesNotGenerations(t *testing.T) {
	// Each branch runs two nodes before the fan-in, so the sibling group
	// holds the completed first-stage tokens alongside the second-stage
	// ones. The completed earlier stages must not count toward the
	// threshold while their branches are still working.
	tr := joinTransition(workflow.SyncMOfN)
	tr.Synchronization.MOfN = 2
	now := time.Now().UTC()

	stageOne := func(id string, idx int) *token.Token {
		s := sibling(id, idx, token.StatusCompleted)
		s.NodeID = "draft"
		return s
	}
	arriver := sibling("k0", 0, token.StatusExecuting)
	siblings := []*token.Token{
		stageOne("j0", 0), stageOne("j1", 1), stageOne("j2", 2),
		arriver,
		sibling("k1", 1, token.StatusDispatched),
		sibling("k2", 2, token.StatusDispatched),
	}

	res, err := Synchronize(SyncInput{
		Token:      arriver,
		Transition: tr,
		Siblings:   siblings,
		Now:        now,
	})
	require.NoError(t, err)

	// One branch of three arrived: the arrival waits.
	require.IsType(t, CreateFanIn{}, res.Decisions[0])
	upd := res.Decisions[1].(UpdateTokenStatus)
	require.Equal(t, token.StatusWaitingForSiblings, upd.Status)

	// A second branch arriving meets the threshold.
	second := sibling("k1", 1, token.StatusExecuting)
	siblings[3] = sibling("k0", 0, token.StatusWaitingForSiblings)
	siblings[4] = second
	res, err = Synchronize(SyncInput{
		Token:      second,
		Transition: tr,
		Siblings:   siblings,
		FanIn:      &token.FanIn{FanInPath: "root:t-join", Status: token.FanInWaiting, FirstArrivalAt: now},
		Now:        now,
	})
	require.NoError(t, err)
	require.IsType(t, ActivateFanIn{}, res.Decisions[0])
}

func TestSynchronizeResolvedFanInIsLostRace(t *testing.T) {
	arriver := sibling("t2", 2, token.StatusExecuting)
	res, err := Synchronize(SyncInput{
		Token:      arriver,
		Transition: joinTransition(workflow.SyncAny),
		Siblings:   []*token.Token{arriver},
		FanIn:      &token.FanIn{FanInPath: "root:t-join", Status: token.FanInActivated, ActivatedBy: "t0"},
		Now:        time.Now(),
	})
	require.NoError(t, err)

	require.Len(t, res.Decisions, 1)
	upd := res.Decisions[0].(UpdateTokenStatus)
	require.Equal(t, token.StatusCompleted, upd.Status)
	require.Equal(t, events.SyncLostRace, res.Events[0].Type)
}

func TestTimeoutFailPath(t *testing.T) {
	now := time.Now().UTC()
	tr := joinTransition(workflow.SyncAll)
	tr.Synchronization.TimeoutMS = 1000
	tr.Synchronization.OnTimeout = workflow.TimeoutFail

	at := now.Add(-2 * time.Second)
	waiting := sibling("t0", 0, token.StatusWaitingForSiblings)
	waiting.ArrivedAt = &at
	res, err := Timeout(TimeoutInput{
		FanIn:      &token.FanIn{FanInPath: "root:t-join", Status: token.FanInWaiting, FirstArrivalAt: at},
		Transition: tr,
		Siblings:   []*token.Token{waiting, sibling("t1", 1, token.StatusExecuting)},
		Now:        now,
	})
	require.NoError(t, err)

	require.IsType(t, TimeoutFanIn{}, res.Decisions[0])
	var fail *FailWorkflow
	timedOut := 0
	for _, d := range res.Decisions {
		switch v := d.(type) {
		case FailWorkflow:
			fail = &v
		case UpdateTokenStatus:
			require.Equal(t, token.StatusTimedOut, v.Status)
			timedOut++
		}
	}
	require.NotNil(t, fail)
	require.True(t, fail.TimedOut)
	require.Equal(t, 2, timedOut)
}

func TestTimeoutProceedWithAvailable(t *testing.T) {
	now := time.Now().UTC()
	tr := joinTransition(workflow.SyncAll)
	tr.Synchronization.TimeoutMS = 1000
	tr.Synchronization.OnTimeout = workflow.TimeoutProceed

	early := now.Add(-3 * time.Second)
	later := now.Add(-2 * time.Second)
	w0 := sibling("t0", 0, token.StatusWaitingForSiblings)
	w0.ArrivedAt = &early
	w1 := sibling("t1", 1, token.StatusWaitingForSiblings)
	w1.ArrivedAt = &later
	straggler := sibling("t2", 2, token.StatusExecuting)

	res, err := Timeout(TimeoutInput{
		FanIn:      &token.FanIn{FanInPath: "root:t-join", Status: token.FanInWaiting, FirstArrivalAt: early},
		Transition: tr,
		Siblings:   []*token.Token{w0, w1, straggler},
		Branches: []merge.Record{
			{TokenID: "t0", BranchIndex: 0, Output: map[string]any{"output": map[string]any{"v": "a"}}},
			{TokenID: "t1", BranchIndex: 1, Output: map[string]any{"output": map[string]any{"v": "b"}}},
		},
		Now: now,
	})
	require.NoError(t, err)

	// Oldest arrival activates.
	act := res.Decisions[0].(ActivateFanIn)
	require.Equal(t, "t0", act.TokenID)

	var (
		straggled bool
		setCtx    *SetContext
		created   *CreateToken
	)
	for _, d := range res.Decisions[1:] {
		switch v := d.(type) {
		case UpdateTokenStatus:
			if v.TokenID == "t2" {
				require.Equal(t, token.StatusTimedOut, v.Status)
				straggled = true
			}
		case SetContext:
			setCtx = &v
		case CreateToken:
			created = &v
		}
	}
	require.True(t, straggled)
	require.NotNil(t, setCtx)
	// Only the arrived branches merge.
	require.Equal(t, []any{map[string]any{"v": "a"}, map[string]any{"v": "b"}}, setCtx.Value)
	require.NotNil(t, created)
	require.Equal(t, "merge", created.NodeID)
}

func TestTimeoutProceedWithoutWaitersFails(t *testing.T) {
	now := time.Now().UTC()
	tr := joinTransition(workflow.SyncAll)
	tr.Synchronization.OnTimeout = workflow.TimeoutProceed

	res, err := Timeout(TimeoutInput{
		FanIn:      &token.FanIn{FanInPath: "root:t-join", Status: token.FanInWaiting, FirstArrivalAt: now.Add(-time.Minute)},
		Transition: tr,
		Siblings:   []*token.Token{sibling("t0", 0, token.StatusExecuting)},
		Now:        now,
	})
	require.NoError(t, err)

	var fail *FailWorkflow
	for _, d := range res.Decisions {
		if f, ok := d.(FailWorkflow); ok {
			fail = &f
		}
	}
	require.NotNil(t, fail)
}

func TestMergeSourceField(t *testing.T) {
	// A merge source naming a nested field extracts it per branch.
	now := time.Now().UTC()
	tr := joinTransition(workflow.SyncAll)
	tr.Synchronization.Merge.Source = "_branch.output.score"

	arriver := sibling("t1", 1, token.StatusExecuting)
	w0 := sibling("t0", 0, token.StatusWaitingForSiblings)
	res, err := Synchronize(SyncInput{
		Token:      arriver,
		Transition: tr,
		Siblings:   []*token.Token{w0, arriver, sibling("t2", 2, token.StatusCompleted)},
		FanIn:      &token.FanIn{FanInPath: "root:t-join", Status: token.FanInWaiting, FirstArrivalAt: now},
		Branches: []merge.Record{
			{TokenID: "t0", BranchIndex: 0, Output: map[string]any{"output": map[string]any{"score": 1}}},
			{TokenID: "t1", BranchIndex: 1, Output: map[string]any{"output": map[string]any{"score": 2}}},
			{TokenID: "t2", BranchIndex: 2, Output: map[string]any{"output": map[string]any{"score": 3}}},
		},
		Now: now,
	})
	require.NoError(t, err)

	var setCtx *SetContext
	for _, d := range res.Decisions {
		if v, ok := d.(SetContext); ok {
			setCtx = &v
		}
	}
	require.NotNil(t, setCtx)
	require.Equal(t, []any{1, 2, 3}, setCtx.Value)
}
