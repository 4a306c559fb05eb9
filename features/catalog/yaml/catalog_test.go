package yaml

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/coord/merge"
	"goa.design/loom/runtime/coord/resources"
	"goa.design/loom/runtime/coord/workflow"
)

const reviewDoc = `
id: review
version: "2"
initial_node: score
schemas:
  input:
    type: object
    required: [document]
nodes:
  - id: score
    task_ref: tasks.score
    max_retries: 2
    output_mapping:
      state.score:
        op: path
        path: result.score
  - id: judge
    task_ref: tasks.judge
  - id: combine
    task_ref: tasks.combine
  - id: reject
    kind: noop
transitions:
  - id: t-fan
    from: score
    to: judge
    priority: 0
    condition:
      op: gte
      args:
        - op: path
          path: state.score
        - op: value
          value: 0.5
    spawn_count: 3
    sibling_group: judges
  - id: t-reject
    from: score
    to: reject
    priority: 1
  - id: t-join
    from: judge
    to: combine
    synchronization:
      strategy: all
      sibling_group: judges
      timeout_ms: 30000
      on_timeout: proceed_with_available
      merge:
        source: _branch.output.vote
        target: state.votes
        strategy: append
output_mapping:
  verdict:
    op: path
    path: state.votes
`

func writeCatalog(t *testing.T, files map[string]string) *Catalog {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	c, err := New(dir)
	require.NoError(t, err)
	return c
}

func TestWorkflowDefLoadsAndConverts(t *testing.T) {
	c := writeCatalog(t, map[string]string{"review.yaml": reviewDoc})

	def, err := c.WorkflowDef(context.Background(), "review", "")
	require.NoError(t, err)
	require.NoError(t, def.Validate())

	require.Equal(t, "review", def.ID)
	require.Equal(t, "2", def.Version)
	require.Equal(t, "score", def.InitialNodeID)
	require.Len(t, def.Nodes, 4)

	score := def.Nodes["score"]
	require.Equal(t, workflow.KindTask, score.Kind)
	require.Equal(t, 2, score.MaxRetries)
	require.Contains(t, score.OutputMapping, "state.score")
	require.Equal(t, "result.score", score.OutputMapping["state.score"].Path)

	// Omitted kind defaults to task; explicit noop survives.
	require.Equal(t, workflow.KindTask, def.Nodes["judge"].Kind)
	require.Equal(t, workflow.KindNoop, def.Nodes["reject"].Kind)

	require.Len(t, def.Transitions, 3)
	fan := def.Transitions[0]
	require.Equal(t, 3, fan.SpawnCount)
	require.Equal(t, "judges", fan.SiblingGroup)
	require.Equal(t, "gte", fan.Condition.Op)
	require.Len(t, fan.Condition.Args, 2)
	require.Equal(t, "state.score", fan.Condition.Args[0].Path)

	join := def.Transitions[2]
	require.NotNil(t, join.Synchronization)
	require.Equal(t, workflow.SyncAll, join.Synchronization.Strategy)
	require.Equal(t, int64(30000), join.Synchronization.TimeoutMS)
	require.Equal(t, workflow.TimeoutProceed, join.Synchronization.OnTimeout)
	require.Equal(t, merge.StrategyAppend, join.Synchronization.Merge.Strategy)
	require.Equal(t, "state.votes", join.Synchronization.Merge.Target)

	require.Equal(t, []any{"document"}, def.Schemas.Input["required"])
	require.Equal(t, "state.votes", def.OutputMapping["verdict"].Path)
}

func TestWorkflowDefVersionedFile(t *testing.T) {
	c := writeCatalog(t, map[string]string{"review@2.yaml": reviewDoc})

	def, err := c.WorkflowDef(context.Background(), "review", "2")
	require.NoError(t, err)
	require.Equal(t, "review", def.ID)

	_, err = c.WorkflowDef(context.Background(), "review", "")
	require.Error(t, err)
}

func TestWorkflowDefMissingFile(t *testing.T) {
	c := writeCatalog(t, nil)
	_, err := c.WorkflowDef(context.Background(), "ghost", "")
	require.Error(t, err)
}

func TestWorkflowDefRejectsMalformed(t *testing.T) {
	c := writeCatalog(t, map[string]string{
		"broken.yaml": "id: [not, a, string",
		"noid.yaml":   "initial_node: a",
	})
	_, err := c.WorkflowDef(context.Background(), "broken", "")
	require.Error(t, err)
	_, err = c.WorkflowDef(context.Background(), "noid", "")
	require.Error(t, err)
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestRunRegistry(t *testing.T) {
	c := writeCatalog(t, nil)
	c.RegisterRun(&resources.Run{ID: "run-1", WorkflowID: "review", WorkflowVersion: "2"})

	run, err := c.WorkflowRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "review", run.WorkflowID)

	// The returned record is a copy.
	run.WorkflowID = "mutated"
	again, err := c.WorkflowRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "review", again.WorkflowID)

	_, err = c.WorkflowRun(context.Background(), "ghost")
	require.Error(t, err)
}
