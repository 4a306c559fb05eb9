// Package plan implements the coordinator's pure planning layer: routing,
// fan-in synchronization, lifecycle, and completion. Every function here maps
// explicit inputs (token, transitions, context snapshot, sibling and fan-in
// state, a caller-supplied clock value) to a list of decisions plus trace
// events, and performs no I/O. The dispatcher applies the decisions; that
// split keeps routing and synchronization testable without persistence or
// concurrency fixtures.
package plan

import (
	"time"

	"goa.design/loom/runtime/coord/events"
	"goa.design/loom/runtime/coord/token"
)

type (
	// Decision is one state mutation or outbound effect to apply. It is a
	// sealed sum type: dispatch matches exhaustively over the concrete types
	// below.
	Decision interface {
		isDecision()
	}

	// CreateToken creates a new token at a node. Dispatch mints the ID,
	// inserts the token, creates its branch table when requested (which also
	// marks the token as awaiting a fan-in merge), and then advances it (task
	// dispatch, subworkflow spawn, or immediate completion depending on the
	// node kind, with synchronization checked first).
	CreateToken struct {
		NodeID          string
		ParentTokenID   string
		PathID          string
		SiblingGroup    string
		BranchIndex     int
		BranchTotal     int
		IterationCounts map[string]int
		InitBranchTable bool
	}

	// UpdateTokenStatus moves a token to a new status. Idempotent: terminal
	// tokens ignore it. ArrivedAt is recorded when entering
	// waiting_for_siblings.
	UpdateTokenStatus struct {
		TokenID   string
		Status    token.Status
		ArrivedAt *time.Time
	}

	// MarkForDispatch re-enqueues an existing token's task on the executor.
	// Used for retryable task failures within the retry budget.
	MarkForDispatch struct {
		TokenID string
		NodeID  string
	}

	// CreateFanIn creates the fan-in record for a path if absent. The store's
	// uniqueness constraint on (run, fan_in_path) makes duplicates no-ops.
	CreateFanIn struct {
		FanInPath      string
		NodeID         string
		TransitionID   string
		FirstArrivalAt time.Time
	}

	// ActivateFanIn conditionally transitions the fan-in from waiting to
	// activated, naming the proceeding token. When the store reports the
	// record already activated, dispatch abandons the rest of the activation
	// sequence and completes the arriving token: it lost the race.
	ActivateFanIn struct {
		FanInPath string
		TokenID   string
	}

	// TimeoutFanIn conditionally transitions the fan-in from waiting to
	// timed_out.
	TimeoutFanIn struct {
		FanInPath string
	}

	// SetContext writes a value at a dotted context path (state or output).
	SetContext struct {
		Path  string
		Value any
	}

	// ApplyOutput writes several context values produced by a task's output
	// mapping, keyed by target path.
	ApplyOutput struct {
		Values map[string]any
	}

	// ApplyBranchOutput records a fan-out token's task output in its branch
	// table for a later merge.
	ApplyBranchOutput struct {
		TokenID string
		Output  map[string]any
	}

	// DropBranchTables removes the branch tables of merged or abandoned
	// siblings.
	DropBranchTables struct {
		TokenIDs []string
	}

	// ScheduleAlarm asks the host to wake the run at the given time. The
	// coordinator keeps only the earliest pending deadline armed.
	ScheduleAlarm struct {
		At time.Time
	}

	// StartSubworkflow spawns a child run and parks the token on it.
	StartSubworkflow struct {
		TokenID       string
		SubworkflowID string
		Input         map[string]any
		TimeoutMS     int64
	}

	// CancelSubworkflow cancels an in-flight child run.
	CancelSubworkflow struct {
		SubworkflowRunID string
	}

	// CompleteWorkflow finalizes the run successfully with the assembled
	// output. Guarded by current status: the first terminal write wins.
	CompleteWorkflow struct {
		Output map[string]any
	}

	// FailWorkflow finalizes the run as failed. Same guard as completion.
	FailWorkflow struct {
		Reason string
		// TimedOut selects the timed_out terminal status instead of failed.
		TimedOut bool
	}

	// CancelWorkflow finalizes the run as cancelled. Same guard as completion.
	CancelWorkflow struct {
		Reason string
	}

	// Result is the output of one planning call: decisions in application
	// order plus the trace events describing them.
	Result struct {
		Decisions []Decision
		Events    []events.Event
	}
)

func (CreateToken) isDecision()       {}
func (UpdateTokenStatus) isDecision() {}
func (MarkForDispatch) isDecision()   {}
func (CreateFanIn) isDecision()       {}
func (ActivateFanIn) isDecision()     {}
func (TimeoutFanIn) isDecision()      {}
func (SetContext) isDecision()        {}
func (ApplyOutput) isDecision()       {}
func (ApplyBranchOutput) isDecision() {}
func (DropBranchTables) isDecision()  {}
func (ScheduleAlarm) isDecision()     {}
func (StartSubworkflow) isDecision()  {}
func (CancelSubworkflow) isDecision() {}
func (CompleteWorkflow) isDecision()  {}
func (FailWorkflow) isDecision()      {}
func (CancelWorkflow) isDecision()    {}

func (r *Result) add(d ...Decision) { r.Decisions = append(r.Decisions, d...) }

func (r *Result) event(typ string, payload map[string]any) {
	r.Events = append(r.Events, events.Event{Type: typ, Payload: payload})
}
