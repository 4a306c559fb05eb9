// Package executor defines the outbound interface to the task executor
// service and the inbound task result shapes it delivers back to the
// coordinator. Delivery is at least once; the coordinator's idempotent status
// updates make duplicate results safe.
package executor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type (
	// TaskRequest is one task enqueue. Correlation carries the token ID so
	// the result can be routed back to the right position.
	TaskRequest struct {
		TaskRef     string         `json:"task_ref"`
		Input       map[string]any `json:"input,omitempty"`
		Correlation string         `json:"correlation"`
		TimeoutMS   int64          `json:"timeout_ms,omitempty"`
	}

	// Client enqueues tasks on the executor service.
	Client interface {
		Dispatch(ctx context.Context, req TaskRequest) error
	}

	// Error describes a task failure. Retryable distinguishes transient
	// failures worth re-dispatching from terminal ones.
	Error struct {
		Type      string `json:"type"`
		StepRef   string `json:"step_ref,omitempty"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	}

	// Outcome is the result of one task execution.
	Outcome struct {
		Success bool           `json:"success"`
		Output  map[string]any `json:"output_data,omitempty"`
		Err     *Error         `json:"error,omitempty"`
	}

	// Result correlates an outcome back to its token.
	Result struct {
		TokenID string  `json:"token_id"`
		Outcome Outcome `json:"outcome"`
	}
)

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("task failure (%s): %s", e.Type, e.Message)
}

// Limited wraps a Client with a rate limiter so a wide fan-out cannot flood
// the executor.
type Limited struct {
	client  Client
	limiter *rate.Limiter
}

// NewLimited decorates client with the given limiter.
func NewLimited(client Client, limiter *rate.Limiter) *Limited {
	return &Limited{client: client, limiter: limiter}
}

// Dispatch waits for limiter admission then delegates.
func (l *Limited) Dispatch(ctx context.Context, req TaskRequest) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("executor dispatch admission: %w", err)
	}
	return l.client.Dispatch(ctx, req)
}
