// Command demo runs one workflow end to end against the embedded SQLite
// store: a fan-out over three workers, an all-strategy fan-in with an append
// merge, and a final summary task. Task execution is simulated in process so
// the demo has no external dependencies.
package main

import (
	"context"
	"fmt"
	"os"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/loom/features/store/sqlite"
	"goa.design/loom/runtime/coord"
	"goa.design/loom/runtime/coord/condition"
	"goa.design/loom/runtime/coord/events"
	"goa.design/loom/runtime/coord/executor"
	"goa.design/loom/runtime/coord/merge"
	"goa.design/loom/runtime/coord/resources"
	"goa.design/loom/runtime/coord/telemetry"
	"goa.design/loom/runtime/coord/workflow"
)

// catalog serves the demo definition from memory.
type catalog struct {
	def *workflow.Definition
}

func (c catalog) WorkflowDef(context.Context, string, string) (*workflow.Definition, error) {
	return c.def, nil
}

func (c catalog) WorkflowRun(_ context.Context, id string) (*resources.Run, error) {
	return &resources.Run{ID: id, WorkflowID: c.def.ID}, nil
}

// queueExecutor collects dispatches; the main loop drains them and feeds
// simulated results back to the coordinator.
type queueExecutor struct {
	pending []executor.TaskRequest
}

func (q *queueExecutor) Dispatch(_ context.Context, req executor.TaskRequest) error {
	q.pending = append(q.pending, req)
	return nil
}

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatText))
	if err := run(ctx); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	db, err := sqlite.Open(":memory:")
	if err != nil {
		return err
	}
	defer db.Close()

	const runID = "demo-run"
	def := demoDefinition()
	tokens, err := sqlite.NewTokenStore(db, runID)
	if err != nil {
		return err
	}
	wctx, err := sqlite.NewContextStore(db, runID, def.Schemas)
	if err != nil {
		return err
	}

	queue := &queueExecutor{}
	recorder := events.NewRecorder()
	c, err := coord.New(coord.Options{
		RunID:      runID,
		WorkflowID: def.ID,
		Tokens:     tokens,
		Context:    wctx,
		Resources:  catalog{def: def},
		Executor:   executor.NewLimited(queue, rate.NewLimiter(rate.Limit(100), 10)),
		Events:     recorder,
		Logger:     telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}

	input := map[string]any{"items": []any{"alpha", "beta", "gamma"}}
	if err := c.Start(ctx, input); err != nil {
		return err
	}

	// Drain the executor queue, simulating each task synchronously. New
	// dispatches triggered by a result land at the back of the queue.
	n := 0
	for len(queue.pending) > 0 {
		req := queue.pending[0]
		queue.pending = queue.pending[1:]
		n++
		res := executor.Result{
			TokenID: req.Correlation,
			Outcome: executor.Outcome{Success: true, Output: simulate(n, req)},
		}
		if err := c.OnTaskResult(ctx, res); err != nil {
			return err
		}
	}

	status, err := tokens.RunStatus(ctx)
	if err != nil {
		return err
	}
	snap, err := wctx.Snapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Println("run status:", status)
	fmt.Println("output:", snap.Output)
	fmt.Println("trace events:", len(recorder.Events()))
	return nil
}

// simulate produces a deterministic output per task.
func simulate(n int, req executor.TaskRequest) map[string]any {
	switch req.TaskRef {
	case "tasks.process":
		return map[string]any{"worker": n}
	case "tasks.summarize":
		return map[string]any{"summary": fmt.Sprintf("merged %v", req.Input["results"])}
	default:
		return map[string]any{}
	}
}

// demoDefinition is the fan-out / fan-in workflow the demo runs.
func demoDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:            "demo.fanout",
		Version:       "1",
		InitialNodeID: "split",
		Nodes: map[string]*workflow.Node{
			"split": {ID: "split", Kind: workflow.KindNoop},
			"process": {
				ID:      "process",
				Kind:    workflow.KindTask,
				TaskRef: "tasks.process",
				InputMapping: map[string]*condition.Expr{
					"items": condition.Path("input.items"),
				},
			},
			"summarize": {
				ID:      "summarize",
				Kind:    workflow.KindTask,
				TaskRef: "tasks.summarize",
				InputMapping: map[string]*condition.Expr{
					"results": condition.Path("state.results"),
				},
				OutputMapping: map[string]*condition.Expr{
					"output.summary": condition.Path("result.summary"),
				},
			},
		},
		Transitions: []*workflow.Transition{
			{
				ID:           "t-split",
				From:         "split",
				To:           "process",
				Foreach:      &workflow.Foreach{Collection: "input.items"},
				SiblingGroup: "workers",
			},
			{
				ID:   "t-join",
				From: "process",
				To:   "summarize",
				Synchronization: &workflow.Synchronization{
					Strategy:     workflow.SyncAll,
					SiblingGroup: "workers",
					Merge: &workflow.MergeSpec{
						Target:   "state.results",
						Strategy: merge.StrategyAppend,
					},
				},
			},
		},
		OutputMapping: map[string]*condition.Expr{
			"summary": condition.Path("output.summary"),
		},
	}
}
