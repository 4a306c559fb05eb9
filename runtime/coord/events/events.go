// Package events defines the coordinator's trace event shape and the Sink
// interface trace consumers implement. Emission is fire-and-forget: sink
// failures are logged by the dispatcher but never abort planning or dispatch.
package events

import (
	"context"
	"sync"
)

type (
	// Event is one trace record. Type is drawn from the decision.* and
	// operation.* namespaces; consumers treat unknown types as opaque.
	Event struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Sink receives trace events.
	Sink interface {
		Emit(ctx context.Context, ev Event) error
	}
)

// Trace event types emitted by planning and dispatch.
const (
	RoutingTokenPlanned     = "decision.routing.token_planned"
	RoutingLoopLimitReached = "decision.routing.loop_limit_reached"
	RoutingForeachDegraded  = "decision.routing.foreach_degraded"
	RoutingNoMatch          = "decision.routing.no_match"

	SyncWaiting   = "decision.synchronization.waiting"
	SyncActivated = "decision.synchronization.activated"
	SyncLostRace  = "decision.synchronization.lost_race"
	SyncTimedOut  = "decision.synchronization.timed_out"

	CompletionFinalized = "decision.completion.finalized"
	LifecycleStarted    = "decision.lifecycle.started"
	LifecycleFailed     = "decision.lifecycle.failed"
	LifecycleCancelled  = "decision.lifecycle.cancelled"

	TokensCreated    = "operation.tokens.created"
	TokensDispatched = "operation.tokens.dispatched"
	TokensUpdated    = "operation.tokens.updated"
	ContextWritten   = "operation.context.written"
	ContextMerged    = "operation.context.merged"
)

// Recorder is an in-memory Sink that retains every emitted event. Used by
// tests and the demo binary.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Emit appends the event.
func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns emitted events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
