// Package resources defines the client interface to the resource catalog
// that stores workflow definitions and run records. The coordinator calls it
// once per run on cold start; the definition is cached thereafter.
package resources

import (
	"context"

	"goa.design/loom/runtime/coord/workflow"
)

type (
	// Run is the catalog's record of a workflow run.
	Run struct {
		ID              string
		WorkflowID      string
		WorkflowVersion string
	}

	// Client fetches definitions and run records from the catalog.
	Client interface {
		// WorkflowDef returns the definition for the given ID. Version may be
		// empty to request the latest.
		WorkflowDef(ctx context.Context, id, version string) (*workflow.Definition, error)

		// WorkflowRun returns the run record for the given run ID.
		WorkflowRun(ctx context.Context, id string) (*Run, error)
	}
)
