// Package yaml implements a file-backed resource catalog: workflow
// definitions are YAML documents in a directory, loaded and converted on
// demand. Definitions are addressed as <id>.yaml, or <id>@<version>.yaml when
// multiple versions coexist. Run records are registered by the host at run
// creation and served from memory.
package yaml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goyaml "gopkg.in/yaml.v3"

	"goa.design/loom/runtime/coord/condition"
	"goa.design/loom/runtime/coord/merge"
	"goa.design/loom/runtime/coord/resources"
	"goa.design/loom/runtime/coord/wfctx"
	"goa.design/loom/runtime/coord/workflow"
)

// Catalog serves workflow definitions from a directory of YAML files.
type Catalog struct {
	dir string

	mu   sync.Mutex
	runs map[string]*resources.Run
}

// New builds a Catalog rooted at dir.
func New(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog path %q is not a directory", dir)
	}
	return &Catalog{dir: dir, runs: make(map[string]*resources.Run)}, nil
}

// WorkflowDef loads and converts the definition for the given ID. Version may
// be empty to request the unversioned file.
func (c *Catalog) WorkflowDef(_ context.Context, id, version string) (*workflow.Definition, error) {
	name := id
	if version != "" {
		name = id + "@" + version
	}
	raw, err := os.ReadFile(filepath.Join(c.dir, name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", id, err)
	}
	var doc defDoc
	if err := goyaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("workflow %q: parse: %w", id, err)
	}
	return doc.definition()
}

// RegisterRun records a run so WorkflowRun can serve it.
func (c *Catalog) RegisterRun(run *resources.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[run.ID] = run
}

// WorkflowRun returns a registered run record.
func (c *Catalog) WorkflowRun(_ context.Context, id string) (*resources.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %q not registered", id)
	}
	cp := *run
	return &cp, nil
}

type (
	defDoc struct {
		ID            string              `yaml:"id"`
		Version       string              `yaml:"version"`
		InitialNode   string              `yaml:"initial_node"`
		Nodes         []nodeDoc           `yaml:"nodes"`
		Transitions   []transitionDoc     `yaml:"transitions"`
		Schemas       schemasDoc          `yaml:"schemas"`
		OutputMapping map[string]*exprDoc `yaml:"output_mapping"`
	}

	nodeDoc struct {
		ID            string              `yaml:"id"`
		Kind          string              `yaml:"kind"`
		TaskRef       string              `yaml:"task_ref"`
		SubworkflowID string              `yaml:"subworkflow_id"`
		InputMapping  map[string]*exprDoc `yaml:"input_mapping"`
		OutputMapping map[string]*exprDoc `yaml:"output_mapping"`
		MaxRetries    int                 `yaml:"max_retries"`
		TimeoutMS     int64               `yaml:"timeout_ms"`
	}

	transitionDoc struct {
		ID           string      `yaml:"id"`
		Ref          string      `yaml:"ref"`
		From         string      `yaml:"from"`
		To           string      `yaml:"to"`
		Priority     int         `yaml:"priority"`
		Condition    *exprDoc    `yaml:"condition"`
		SpawnCount   int         `yaml:"spawn_count"`
		Foreach      *foreachDoc `yaml:"foreach"`
		SiblingGroup string      `yaml:"sibling_group"`
		Sync         *syncDoc    `yaml:"synchronization"`
		Loop         *loopDoc    `yaml:"loop"`
	}

	foreachDoc struct {
		Collection string `yaml:"collection"`
	}

	loopDoc struct {
		MaxIterations int `yaml:"max_iterations"`
	}

	syncDoc struct {
		Strategy     string    `yaml:"strategy"`
		MOfN         int       `yaml:"m_of_n"`
		SiblingGroup string    `yaml:"sibling_group"`
		TimeoutMS    int64     `yaml:"timeout_ms"`
		OnTimeout    string    `yaml:"on_timeout"`
		Merge        *mergeDoc `yaml:"merge"`
	}

	mergeDoc struct {
		Source   string `yaml:"source"`
		Target   string `yaml:"target"`
		Strategy string `yaml:"strategy"`
	}

	schemasDoc struct {
		Input  map[string]any `yaml:"input"`
		State  map[string]any `yaml:"state"`
		Output map[string]any `yaml:"output"`
	}

	// exprDoc mirrors the condition AST in YAML.
	exprDoc struct {
		Op    string     `yaml:"op"`
		Args  []*exprDoc `yaml:"args"`
		Path  string     `yaml:"path"`
		Value any        `yaml:"value"`
	}
)

func (d defDoc) definition() (*workflow.Definition, error) {
	if d.ID == "" {
		return nil, errors.New("workflow document has no id")
	}
	def := &workflow.Definition{
		ID:            d.ID,
		Version:       d.Version,
		InitialNodeID: d.InitialNode,
		Nodes:         make(map[string]*workflow.Node, len(d.Nodes)),
		Schemas: wfctx.Schemas{
			Input:  d.Schemas.Input,
			State:  d.Schemas.State,
			Output: d.Schemas.Output,
		},
		OutputMapping: exprMap(d.OutputMapping),
	}
	for _, n := range d.Nodes {
		kind := workflow.NodeKind(n.Kind)
		if n.Kind == "" {
			kind = workflow.KindTask
		}
		def.Nodes[n.ID] = &workflow.Node{
			ID:            n.ID,
			Kind:          kind,
			TaskRef:       n.TaskRef,
			SubworkflowID: n.SubworkflowID,
			InputMapping:  exprMap(n.InputMapping),
			OutputMapping: exprMap(n.OutputMapping),
			MaxRetries:    n.MaxRetries,
			TimeoutMS:     n.TimeoutMS,
		}
	}
	for _, t := range d.Transitions {
		tr := &workflow.Transition{
			ID:           t.ID,
			Ref:          t.Ref,
			From:         t.From,
			To:           t.To,
			Priority:     t.Priority,
			Condition:    t.Condition.expr(),
			SpawnCount:   t.SpawnCount,
			SiblingGroup: t.SiblingGroup,
		}
		if t.Foreach != nil {
			tr.Foreach = &workflow.Foreach{Collection: t.Foreach.Collection}
		}
		if t.Loop != nil {
			tr.Loop = &workflow.Loop{MaxIterations: t.Loop.MaxIterations}
		}
		if t.Sync != nil {
			tr.Synchronization = &workflow.Synchronization{
				Strategy:     workflow.SyncStrategy(t.Sync.Strategy),
				MOfN:         t.Sync.MOfN,
				SiblingGroup: t.Sync.SiblingGroup,
				TimeoutMS:    t.Sync.TimeoutMS,
				OnTimeout:    workflow.OnTimeout(t.Sync.OnTimeout),
			}
			if t.Sync.Merge != nil {
				tr.Synchronization.Merge = &workflow.MergeSpec{
					Source:   t.Sync.Merge.Source,
					Target:   t.Sync.Merge.Target,
					Strategy: merge.Strategy(t.Sync.Merge.Strategy),
				}
			}
		}
		def.Transitions = append(def.Transitions, tr)
	}
	return def, nil
}

func (d *exprDoc) expr() *condition.Expr {
	if d == nil {
		return nil
	}
	e := &condition.Expr{Op: d.Op, Path: d.Path, Value: d.Value}
	for _, a := range d.Args {
		e.Args = append(e.Args, a.expr())
	}
	return e
}

func exprMap(docs map[string]*exprDoc) map[string]*condition.Expr {
	if len(docs) == 0 {
		return nil
	}
	out := make(map[string]*condition.Expr, len(docs))
	for k, d := range docs {
		out[k] = d.expr()
	}
	return out
}
