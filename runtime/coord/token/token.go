// Package token defines the coordinator's position-tracking model: tokens,
// fan-in records, subworkflow links, the per-run workflow status, and the
// Store interface the dispatcher mutates. A token is one in-flight execution
// position inside a run; its lineage is acyclic even when the graph loops.
package token

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a token.
type Status string

const (
	// StatusPending indicates the token was created but not yet dispatched.
	StatusPending Status = "pending"
	// StatusDispatched indicates the token's task was enqueued to the executor.
	StatusDispatched Status = "dispatched"
	// StatusExecuting indicates the executor reported the task as started.
	StatusExecuting Status = "executing"
	// StatusWaitingForSiblings indicates the token arrived at a fan-in and is
	// waiting for its sibling group.
	StatusWaitingForSiblings Status = "waiting_for_siblings"
	// StatusWaitingForSubworkflow indicates the token is parked on a child run.
	StatusWaitingForSubworkflow Status = "waiting_for_subworkflow"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal failure.
	StatusFailed Status = "failed"
	// StatusTimedOut is terminal timeout.
	StatusTimedOut Status = "timed_out"
	// StatusCancelled is terminal cancellation.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminality is monotonic: a
// terminal token ignores all further status updates.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the token still occupies the run: any non-terminal
// state counts, including both waiting states.
func (s Status) Active() bool { return !s.Terminal() }

// CanTransition reports whether moving from one status to another is
// permitted by the token state machine. Any non-terminal state may be
// cancelled, failed or timed out; the waiting states additionally restrict
// which terminal states they admit.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		switch to {
		case StatusDispatched, StatusWaitingForSiblings, StatusWaitingForSubworkflow,
			StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
			return true
		}
	case StatusDispatched:
		switch to {
		case StatusExecuting, StatusWaitingForSiblings, StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
			return true
		}
	case StatusExecuting:
		switch to {
		case StatusWaitingForSiblings, StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
			return true
		}
	case StatusWaitingForSiblings:
		switch to {
		case StatusCompleted, StatusTimedOut, StatusCancelled:
			return true
		}
	case StatusWaitingForSubworkflow:
		switch to {
		case StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
	}
	return false
}

// FanInStatus is the lifecycle state of a fan-in record. It only ever moves
// forward: waiting to activated or waiting to timed_out.
type FanInStatus string

const (
	// FanInWaiting indicates siblings are still arriving.
	FanInWaiting FanInStatus = "waiting"
	// FanInActivated indicates exactly one token proceeded past the fan-in.
	FanInActivated FanInStatus = "activated"
	// FanInTimedOut indicates the wait exceeded its deadline.
	FanInTimedOut FanInStatus = "timed_out"
)

// RunStatus is the single-row workflow status for a run.
type RunStatus string

const (
	// RunRunning indicates the workflow is in progress.
	RunRunning RunStatus = "running"
	// RunCompleted indicates the workflow finished successfully.
	RunCompleted RunStatus = "completed"
	// RunFailed indicates the workflow failed permanently.
	RunFailed RunStatus = "failed"
	// RunTimedOut indicates the workflow exceeded a synchronization deadline.
	RunTimedOut RunStatus = "timed_out"
	// RunCancelled indicates the workflow was cancelled externally.
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool { return s != RunRunning && s != "" }

// RootPathID is the path of the initial token. Fan-outs extend it with
// ".{node_id}.{branch_index}" per branch.
const RootPathID = "root"

type (
	// Token is one position-in-the-graph record.
	Token struct {
		ID            string
		RunID         string
		NodeID        string
		Status        Status
		ParentTokenID string
		// PathID encodes lineage through fan-outs only: "root" at the start,
		// extended on each fan-out with branch_total > 1.
		PathID string
		// SiblingGroup names the fan-out group this token belongs to. Empty
		// for the root lineage.
		SiblingGroup string
		BranchIndex  int
		BranchTotal  int
		// AwaitingMerge marks a token whose task output is collected in its
		// branch table for a later fan-in merge instead of written to the
		// shared context. Set on tokens minted with a fresh branch table;
		// continuations within a branch carry it forward, the fan-in's
		// continuation does not.
		AwaitingMerge bool
		// IterationCounts tracks traversals per transition ID along this
		// token's lineage. Monotonically non-decreasing down a lineage.
		IterationCounts map[string]int
		// Attempts counts dispatch attempts, bounding retryable failures.
		Attempts  int
		CreatedAt time.Time
		UpdatedAt time.Time
		// ArrivedAt is set on entering waiting_for_siblings, never cleared.
		ArrivedAt *time.Time
	}

	// FanIn is the unique per (run, fan_in_path) synchronization record. The
	// uniqueness constraint plus the waiting-guarded activation update are
	// what make fan-in race safe under at-least-once delivery.
	FanIn struct {
		ID             string
		RunID          string
		NodeID         string
		FanInPath      string
		Status         FanInStatus
		TransitionID   string
		FirstArrivalAt time.Time
		ActivatedAt    *time.Time
		// ActivatedBy is the token that won the activation race.
		ActivatedBy string
	}

	// Subworkflow links a parked token to a child workflow run.
	Subworkflow struct {
		ID               string
		RunID            string
		ParentTokenID    string
		SubworkflowRunID string
		Status           RunStatus
		TimeoutMS        int64
		CreatedAt        time.Time
		UpdatedAt        time.Time
	}

	// Store persists tokens, fan-ins, subworkflows, and the workflow status
	// for a single run. Implementations must provide the two race-safety
	// primitives documented on InsertFanIn and ActivateFanIn; everything else
	// is plain CRUD. All methods are scoped to the run the store was opened
	// for.
	Store interface {
		// Insert persists new tokens in one batch.
		Insert(ctx context.Context, tokens ...*Token) error

		// Get returns the token or ErrNotFound.
		Get(ctx context.Context, id string) (*Token, error)

		// UpdateStatus moves a token to the given status. Returns false
		// without error when the token is already terminal or already in the
		// requested status, making duplicate deliveries no-ops. When
		// arrivedAt is non-nil and the token has no arrival time yet it is
		// recorded alongside the status.
		UpdateStatus(ctx context.Context, id string, status Status, arrivedAt *time.Time) (bool, error)

		// IncrementAttempts bumps the dispatch attempt counter and returns
		// the new value.
		IncrementAttempts(ctx context.Context, id string) (int, error)

		// BySiblingGroup returns all tokens in the named sibling group.
		BySiblingGroup(ctx context.Context, group string) ([]*Token, error)

		// ByStatus returns all tokens in any of the given statuses.
		ByStatus(ctx context.Context, statuses ...Status) ([]*Token, error)

		// ActiveCount counts tokens in non-terminal states.
		ActiveCount(ctx context.Context) (int, error)

		// InsertFanIn creates the fan-in record if none exists for its
		// (run, fan_in_path). Returns false when the record already existed.
		// This is the insert-if-absent primitive.
		InsertFanIn(ctx context.Context, f *FanIn) (bool, error)

		// FanInByPath returns the fan-in for the path or ErrNotFound.
		FanInByPath(ctx context.Context, fanInPath string) (*FanIn, error)

		// ActivateFanIn conditionally moves the fan-in from waiting to
		// activated, recording the activator. Returns false when the record
		// was no longer waiting: the caller lost the race. This is the
		// update-if-status primitive.
		ActivateFanIn(ctx context.Context, fanInPath, byTokenID string, at time.Time) (bool, error)

		// TimeoutFanIn conditionally moves the fan-in from waiting to
		// timed_out. Returns false when it was no longer waiting.
		TimeoutFanIn(ctx context.Context, fanInPath string, at time.Time) (bool, error)

		// WaitingFanIns returns all fan-ins still waiting.
		WaitingFanIns(ctx context.Context) ([]*FanIn, error)

		// InsertSubworkflow records a spawned child run.
		InsertSubworkflow(ctx context.Context, s *Subworkflow) error

		// SubworkflowByRunID returns the record for a child run ID or
		// ErrNotFound.
		SubworkflowByRunID(ctx context.Context, subRunID string) (*Subworkflow, error)

		// UpdateSubworkflowStatus records the child run's terminal status.
		UpdateSubworkflowStatus(ctx context.Context, id string, status RunStatus) error

		// ActiveSubworkflows returns child runs not yet terminal.
		ActiveSubworkflows(ctx context.Context) ([]*Subworkflow, error)

		// RunStatus returns the workflow status row.
		RunStatus(ctx context.Context) (RunStatus, error)

		// SetRunStatus writes the workflow status. Once the status is
		// terminal further writes return false without error: the first
		// terminal status wins and finalization is idempotent.
		SetRunStatus(ctx context.Context, status RunStatus) (bool, error)
	}
)

// ErrNotFound indicates the requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// CloneCounts copies an iteration count map so children do not alias their
// parent's counts.
func CloneCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}
