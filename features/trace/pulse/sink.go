// Package pulse exposes an events.Sink implementation that publishes the
// coordinator's trace events to goa.design/pulse streams. Services build a
// Redis client, wrap it in the Pulse client, and hand the resulting sink to
// the coordinator; consumers read the per-run stream through a Pulse consumer
// group.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/loom/features/trace/pulse/clients/pulse"
	"goa.design/loom/runtime/coord/events"
)

type (
	// Options configures the trace sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// RunID names the run whose trace this sink carries. Required; the
		// stream name derives from it.
		RunID string
		// Clock overrides time.Now for envelope timestamps.
		Clock func() time.Time
	}

	// Sink publishes trace events into the run's Pulse stream. Safe for
	// concurrent Emit calls.
	Sink struct {
		client pulse.Client
		stream string
		runID  string
		now    func() time.Time
	}

	// envelope wraps a trace event for transmission. Payload is serialized as
	// JSON.
	envelope struct {
		Type      string         `json:"type"`
		RunID     string         `json:"run_id"`
		Timestamp time.Time      `json:"timestamp"`
		Payload   map[string]any `json:"payload,omitempty"`
	}
)

// StreamName returns the Pulse stream carrying a run's trace.
func StreamName(runID string) string { return fmt.Sprintf("trace/%s", runID) }

// NewSink constructs a Pulse-backed trace sink for one run.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.RunID == "" {
		return nil, errors.New("run ID is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Sink{
		client: opts.Client,
		stream: StreamName(opts.RunID),
		runID:  opts.RunID,
		now:    now,
	}, nil
}

// Emit publishes the event to the run's stream.
func (s *Sink) Emit(ctx context.Context, ev events.Event) error {
	handle, err := s.client.Stream(s.stream)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:      ev.Type,
		RunID:     s.runID,
		Timestamp: s.now().UTC(),
		Payload:   ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal trace envelope: %w", err)
	}
	if _, err := handle.Add(ctx, ev.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
