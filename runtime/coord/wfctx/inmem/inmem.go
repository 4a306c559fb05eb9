// Package inmem provides an in-memory wfctx.Store for development and tests.
// It mirrors the SQLite backend's semantics, including schema validation and
// branch table lifecycle, without any persistence.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"goa.design/loom/runtime/coord/wfctx"
)

// Store is an in-memory implementation of wfctx.Store. Safe for concurrent
// use, though the coordinator serializes access per run.
type Store struct {
	mu        sync.Mutex
	validator *wfctx.Validator
	input     map[string]any
	state     map[string]any
	output    map[string]any
	branches  map[string]map[string]any
	inputSet  bool
}

// New builds a Store validating writes against the given schemas.
func New(schemas wfctx.Schemas) (*Store, error) {
	v, err := wfctx.NewValidator(schemas)
	if err != nil {
		return nil, err
	}
	return &Store{
		validator: v,
		input:     make(map[string]any),
		state:     make(map[string]any),
		output:    make(map[string]any),
		branches:  make(map[string]map[string]any),
	}, nil
}

// InitInput validates and stores the run input. Second calls are rejected so
// input stays read-only after initialization.
func (s *Store) InitInput(_ context.Context, input map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputSet {
		return fmt.Errorf("input already initialized")
	}
	if err := s.validator.ValidateSection("input", input); err != nil {
		return err
	}
	for k, v := range input {
		s.input[k] = v
	}
	s.inputSet = true
	return nil
}

// Set writes a value at a dotted context path in state or output.
func (s *Store) Set(_ context.Context, path string, value any) error {
	section, rest, err := wfctx.SplitPath(path)
	if err != nil {
		return err
	}
	if section == "input" {
		return fmt.Errorf("context input is read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.state
	if section == "output" {
		target = s.output
	}
	// Validate against a copy so a rejected write leaves the section intact.
	trial := cloned(target)
	if err := wfctx.SetAt(trial, rest, value); err != nil {
		return err
	}
	if err := s.validator.ValidateSection(section, trial); err != nil {
		return err
	}
	return wfctx.SetAt(target, rest, value)
}

// Snapshot returns a deep copy of the three sections.
func (s *Store) Snapshot(context.Context) (wfctx.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := wfctx.Snapshot{Input: s.input, State: s.state, Output: s.output}
	return snap.Clone(), nil
}

// InitBranchTable creates the branch output slot for the given token.
func (s *Store) InitBranchTable(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.branches[tokenID]; !ok {
		s.branches[tokenID] = make(map[string]any)
	}
	return nil
}

// SetBranchOutput records a token's output in its branch slot.
func (s *Store) SetBranchOutput(_ context.Context, tokenID string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.branches[tokenID]; !ok {
		return fmt.Errorf("token %s: %w", tokenID, wfctx.ErrBranchTableMissing)
	}
	s.branches[tokenID] = cloned(output)
	return nil
}

// BranchOutputs returns recorded outputs for the given tokens, skipping
// tokens without a branch table.
func (s *Store) BranchOutputs(_ context.Context, tokenIDs []string) (map[string]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any, len(tokenIDs))
	for _, id := range tokenIDs {
		if b, ok := s.branches[id]; ok {
			out[id] = cloned(b)
		}
	}
	return out, nil
}

// DropBranchTables removes branch slots. Absent slots are ignored.
func (s *Store) DropBranchTables(_ context.Context, tokenIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tokenIDs {
		delete(s.branches, id)
	}
	return nil
}

func cloned(m map[string]any) map[string]any {
	return wfctx.Snapshot{State: m}.Clone().State
}
