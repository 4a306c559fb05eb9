// Package inmem provides an in-memory token.Store for development and tests.
// It honors the same race-safety contract as the SQLite backend: fan-in
// creation is insert-if-absent and activation is a conditional update guarded
// on the waiting status.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/loom/runtime/coord/token"
)

// Store is an in-memory implementation of token.Store scoped to one run.
type Store struct {
	mu           sync.Mutex
	runID        string
	tokens       map[string]*token.Token
	order        []string
	fanIns       map[string]*token.FanIn
	subworkflows map[string]*token.Subworkflow
	runStatus    token.RunStatus
	clock        func() time.Time
}

// New builds an empty store for the given run.
func New(runID string) *Store {
	return &Store{
		runID:        runID,
		tokens:       make(map[string]*token.Token),
		fanIns:       make(map[string]*token.FanIn),
		subworkflows: make(map[string]*token.Subworkflow),
		runStatus:    token.RunRunning,
		clock:        time.Now,
	}
}

// Insert persists new tokens.
func (s *Store) Insert(_ context.Context, tokens ...*token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		if _, ok := s.tokens[t.ID]; ok {
			return fmt.Errorf("token %s already exists", t.ID)
		}
		cp := *t
		cp.IterationCounts = token.CloneCounts(t.IterationCounts)
		s.tokens[t.ID] = &cp
		s.order = append(s.order, t.ID)
	}
	return nil
}

// Get returns a copy of the token or token.ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (*token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, token.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateStatus applies a status change unless the token is terminal or
// already in the requested status.
func (s *Store) UpdateStatus(_ context.Context, id string, status token.Status, arrivedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return false, token.ErrNotFound
	}
	if t.Status.Terminal() || t.Status == status {
		return false, nil
	}
	if !token.CanTransition(t.Status, status) {
		return false, fmt.Errorf("token %s: illegal transition %s -> %s", id, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = s.clock()
	if arrivedAt != nil && t.ArrivedAt == nil {
		at := *arrivedAt
		t.ArrivedAt = &at
	}
	return true, nil
}

// IncrementAttempts bumps and returns the attempt counter.
func (s *Store) IncrementAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return 0, token.ErrNotFound
	}
	t.Attempts++
	return t.Attempts, nil
}

// BySiblingGroup returns tokens in the named group in insertion order.
func (s *Store) BySiblingGroup(_ context.Context, group string) ([]*token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*token.Token
	for _, id := range s.order {
		if t := s.tokens[id]; t.SiblingGroup == group {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ByStatus returns tokens in any of the given statuses in insertion order.
func (s *Store) ByStatus(_ context.Context, statuses ...token.Status) ([]*token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*token.Token
	for _, id := range s.order {
		t := s.tokens[id]
		for _, st := range statuses {
			if t.Status == st {
				cp := *t
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

// ActiveCount counts non-terminal tokens.
func (s *Store) ActiveCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tokens {
		if t.Status.Active() {
			n++
		}
	}
	return n, nil
}

// InsertFanIn creates the record if the path is free. Insert-if-absent.
func (s *Store) InsertFanIn(_ context.Context, f *token.FanIn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fanIns[f.FanInPath]; ok {
		return false, nil
	}
	cp := *f
	if cp.Status == "" {
		cp.Status = token.FanInWaiting
	}
	s.fanIns[f.FanInPath] = &cp
	return true, nil
}

// FanInByPath returns the record or token.ErrNotFound.
func (s *Store) FanInByPath(_ context.Context, fanInPath string) (*token.FanIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fanIns[fanInPath]
	if !ok {
		return nil, token.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

// ActivateFanIn performs the waiting-guarded activation update.
func (s *Store) ActivateFanIn(_ context.Context, fanInPath, byTokenID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fanIns[fanInPath]
	if !ok {
		return false, token.ErrNotFound
	}
	if f.Status != token.FanInWaiting {
		return false, nil
	}
	f.Status = token.FanInActivated
	f.ActivatedAt = &at
	f.ActivatedBy = byTokenID
	return true, nil
}

// TimeoutFanIn performs the waiting-guarded timeout update.
func (s *Store) TimeoutFanIn(_ context.Context, fanInPath string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fanIns[fanInPath]
	if !ok {
		return false, token.ErrNotFound
	}
	if f.Status != token.FanInWaiting {
		return false, nil
	}
	f.Status = token.FanInTimedOut
	f.ActivatedAt = &at
	return true, nil
}

// WaitingFanIns returns all records still waiting.
func (s *Store) WaitingFanIns(context.Context) ([]*token.FanIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*token.FanIn
	for _, f := range s.fanIns {
		if f.Status == token.FanInWaiting {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

// InsertSubworkflow records a spawned child run.
func (s *Store) InsertSubworkflow(_ context.Context, sw *token.Subworkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subworkflows[sw.SubworkflowRunID]; ok {
		return fmt.Errorf("subworkflow run %s already exists", sw.SubworkflowRunID)
	}
	cp := *sw
	s.subworkflows[sw.SubworkflowRunID] = &cp
	return nil
}

// SubworkflowByRunID returns the record or token.ErrNotFound.
func (s *Store) SubworkflowByRunID(_ context.Context, subRunID string) (*token.Subworkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.subworkflows[subRunID]
	if !ok {
		return nil, token.ErrNotFound
	}
	cp := *sw
	return &cp, nil
}

// UpdateSubworkflowStatus records the child run's status.
func (s *Store) UpdateSubworkflowStatus(_ context.Context, id string, status token.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sw := range s.subworkflows {
		if sw.ID == id {
			sw.Status = status
			sw.UpdatedAt = s.clock()
			return nil
		}
	}
	return token.ErrNotFound
}

// ActiveSubworkflows returns child runs not yet terminal.
func (s *Store) ActiveSubworkflows(context.Context) ([]*token.Subworkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*token.Subworkflow
	for _, sw := range s.subworkflows {
		if !sw.Status.Terminal() {
			cp := *sw
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RunStatus returns the workflow status.
func (s *Store) RunStatus(context.Context) (token.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runStatus, nil
}

// SetRunStatus writes the workflow status. First terminal status wins.
func (s *Store) SetRunStatus(_ context.Context, status token.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runStatus.Terminal() {
		return false, nil
	}
	if s.runStatus == status {
		return false, nil
	}
	s.runStatus = status
	return true, nil
}
