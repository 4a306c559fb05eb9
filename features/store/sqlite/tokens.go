package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"goa.design/loom/runtime/coord/token"
)

// TokenStore implements token.Store on SQLite, scoped to one run.
type TokenStore struct {
	db    *sqlx.DB
	runID string
}

// NewTokenStore builds a TokenStore for the given run and ensures its status
// row exists.
func NewTokenStore(db *sqlx.DB, runID string) (*TokenStore, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if runID == "" {
		return nil, errors.New("run ID is required")
	}
	_, err := db.Exec(
		`INSERT INTO runs (run_id, status, updated_at) VALUES (?, ?, ?) ON CONFLICT(run_id) DO NOTHING`,
		runID, token.RunRunning, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure run row: %w", err)
	}
	return &TokenStore{db: db, runID: runID}, nil
}

type tokenRow struct {
	ID              string       `db:"id"`
	RunID           string       `db:"run_id"`
	NodeID          string       `db:"node_id"`
	Status          string       `db:"status"`
	ParentTokenID   string       `db:"parent_token_id"`
	PathID          string       `db:"path_id"`
	SiblingGroup    string       `db:"sibling_group"`
	BranchIndex     int          `db:"branch_index"`
	BranchTotal     int          `db:"branch_total"`
	AwaitingMerge   bool         `db:"awaiting_merge"`
	IterationCounts string       `db:"iteration_counts"`
	Attempts        int          `db:"attempts"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
	ArrivedAt       sql.NullTime `db:"arrived_at"`
}

func (r tokenRow) token() (*token.Token, error) {
	counts := make(map[string]int)
	if r.IterationCounts != "" {
		if err := json.Unmarshal([]byte(r.IterationCounts), &counts); err != nil {
			return nil, fmt.Errorf("token %s: decode iteration counts: %w", r.ID, err)
		}
	}
	t := &token.Token{
		ID:              r.ID,
		RunID:           r.RunID,
		NodeID:          r.NodeID,
		Status:          token.Status(r.Status),
		ParentTokenID:   r.ParentTokenID,
		PathID:          r.PathID,
		SiblingGroup:    r.SiblingGroup,
		BranchIndex:     r.BranchIndex,
		BranchTotal:     r.BranchTotal,
		AwaitingMerge:   r.AwaitingMerge,
		IterationCounts: counts,
		Attempts:        r.Attempts,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.ArrivedAt.Valid {
		at := r.ArrivedAt.Time
		t.ArrivedAt = &at
	}
	return t, nil
}

// Insert persists new tokens in one transaction.
func (s *TokenStore) Insert(ctx context.Context, tokens ...*token.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, t := range tokens {
		counts, err := json.Marshal(t.IterationCounts)
		if err != nil {
			return fmt.Errorf("token %s: encode iteration counts: %w", t.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tokens (id, run_id, node_id, status, parent_token_id, path_id,
				sibling_group, branch_index, branch_total, awaiting_merge,
				iteration_counts, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, s.runID, t.NodeID, t.Status, t.ParentTokenID, t.PathID,
			t.SiblingGroup, t.BranchIndex, t.BranchTotal, t.AwaitingMerge,
			string(counts), t.Attempts, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert token %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// Get returns the token or token.ErrNotFound.
func (s *TokenStore) Get(ctx context.Context, id string) (*token.Token, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tokens WHERE run_id = ? AND id = ?`, s.runID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.token()
}

// UpdateStatus moves a token to the given status. Terminal tokens and
// same-status updates are no-ops; an illegal transition is an error. The
// coordinator serializes calls per run, so read-then-write is safe here; only
// the fan-in primitives need database-level arbitration.
func (s *TokenStore) UpdateStatus(ctx context.Context, id string, status token.Status, arrivedAt *time.Time) (bool, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.Status.Terminal() || cur.Status == status {
		return false, nil
	}
	if !token.CanTransition(cur.Status, status) {
		return false, fmt.Errorf("token %s: illegal transition %s -> %s", id, cur.Status, status)
	}
	var at sql.NullTime
	if arrivedAt != nil {
		at = sql.NullTime{Time: arrivedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tokens SET status = ?, updated_at = ?, arrived_at = COALESCE(arrived_at, ?)
		WHERE run_id = ? AND id = ?`,
		status, time.Now().UTC(), at, s.runID, id,
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// IncrementAttempts bumps the dispatch attempt counter and returns the new
// value.
func (s *TokenStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET attempts = attempts + 1 WHERE run_id = ? AND id = ?`, s.runID, id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, token.ErrNotFound
	}
	var attempts int
	err = s.db.GetContext(ctx, &attempts,
		`SELECT attempts FROM tokens WHERE run_id = ? AND id = ?`, s.runID, id)
	return attempts, err
}

// BySiblingGroup returns all tokens in the named group in creation order.
func (s *TokenStore) BySiblingGroup(ctx context.Context, group string) ([]*token.Token, error) {
	var rows []tokenRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM tokens WHERE run_id = ? AND sibling_group = ?
		ORDER BY created_at, branch_index`, s.runID, group)
	if err != nil {
		return nil, err
	}
	return s.tokens(rows)
}

// ByStatus returns all tokens in any of the given statuses.
func (s *TokenStore) ByStatus(ctx context.Context, statuses ...token.Status) ([]*token.Token, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM tokens WHERE run_id = ? AND status IN (?) ORDER BY created_at`,
		s.runID, statuses)
	if err != nil {
		return nil, err
	}
	var rows []tokenRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return s.tokens(rows)
}

// ActiveCount counts tokens in non-terminal states.
func (s *TokenStore) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM tokens
		WHERE run_id = ? AND status NOT IN ('completed', 'failed', 'timed_out', 'cancelled')`,
		s.runID)
	return n, err
}

func (s *TokenStore) tokens(rows []tokenRow) ([]*token.Token, error) {
	out := make([]*token.Token, 0, len(rows))
	for _, r := range rows {
		t, err := r.token()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

type fanInRow struct {
	ID             string       `db:"id"`
	RunID          string       `db:"run_id"`
	NodeID         string       `db:"node_id"`
	FanInPath      string       `db:"fan_in_path"`
	Status         string       `db:"status"`
	TransitionID   string       `db:"transition_id"`
	FirstArrivalAt time.Time    `db:"first_arrival_at"`
	ActivatedAt    sql.NullTime `db:"activated_at"`
	ActivatedBy    string       `db:"activated_by"`
}

func (r fanInRow) fanIn() *token.FanIn {
	f := &token.FanIn{
		ID:             r.ID,
		RunID:          r.RunID,
		NodeID:         r.NodeID,
		FanInPath:      r.FanInPath,
		Status:         token.FanInStatus(r.Status),
		TransitionID:   r.TransitionID,
		FirstArrivalAt: r.FirstArrivalAt,
		ActivatedBy:    r.ActivatedBy,
	}
	if r.ActivatedAt.Valid {
		at := r.ActivatedAt.Time
		f.ActivatedAt = &at
	}
	return f
}

// InsertFanIn creates the fan-in record if none exists for its path. The
// primary key on (run_id, fan_in_path) arbitrates concurrent creators.
func (s *TokenStore) InsertFanIn(ctx context.Context, f *token.FanIn) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fan_ins (id, run_id, node_id, fan_in_path, status, transition_id, first_arrival_at, activated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, '')
		ON CONFLICT(run_id, fan_in_path) DO NOTHING`,
		f.ID, s.runID, f.NodeID, f.FanInPath, token.FanInWaiting, f.TransitionID, f.FirstArrivalAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FanInByPath returns the record or token.ErrNotFound.
func (s *TokenStore) FanInByPath(ctx context.Context, fanInPath string) (*token.FanIn, error) {
	var row fanInRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM fan_ins WHERE run_id = ? AND fan_in_path = ?`, s.runID, fanInPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.fanIn(), nil
}

// ActivateFanIn moves the record from waiting to activated. The status guard
// in the WHERE clause makes exactly one caller win.
func (s *TokenStore) ActivateFanIn(ctx context.Context, fanInPath, byTokenID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fan_ins SET status = ?, activated_at = ?, activated_by = ?
		WHERE run_id = ? AND fan_in_path = ? AND status = ?`,
		token.FanInActivated, at.UTC(), byTokenID, s.runID, fanInPath, token.FanInWaiting,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TimeoutFanIn moves the record from waiting to timed_out under the same
// guard as activation.
func (s *TokenStore) TimeoutFanIn(ctx context.Context, fanInPath string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fan_ins SET status = ?, activated_at = ?
		WHERE run_id = ? AND fan_in_path = ? AND status = ?`,
		token.FanInTimedOut, at.UTC(), s.runID, fanInPath, token.FanInWaiting,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WaitingFanIns returns all records still waiting, oldest arrival first.
func (s *TokenStore) WaitingFanIns(ctx context.Context) ([]*token.FanIn, error) {
	var rows []fanInRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM fan_ins WHERE run_id = ? AND status = ? ORDER BY first_arrival_at`,
		s.runID, token.FanInWaiting)
	if err != nil {
		return nil, err
	}
	out := make([]*token.FanIn, len(rows))
	for i, r := range rows {
		out[i] = r.fanIn()
	}
	return out, nil
}

type subworkflowRow struct {
	ID               string    `db:"id"`
	RunID            string    `db:"run_id"`
	ParentTokenID    string    `db:"parent_token_id"`
	SubworkflowRunID string    `db:"subworkflow_run_id"`
	Status           string    `db:"status"`
	TimeoutMS        int64     `db:"timeout_ms"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r subworkflowRow) subworkflow() *token.Subworkflow {
	return &token.Subworkflow{
		ID:               r.ID,
		RunID:            r.RunID,
		ParentTokenID:    r.ParentTokenID,
		SubworkflowRunID: r.SubworkflowRunID,
		Status:           token.RunStatus(r.Status),
		TimeoutMS:        r.TimeoutMS,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// InsertSubworkflow records a spawned child run.
func (s *TokenStore) InsertSubworkflow(ctx context.Context, sw *token.Subworkflow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subworkflows (id, run_id, parent_token_id, subworkflow_run_id, status, timeout_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.ID, s.runID, sw.ParentTokenID, sw.SubworkflowRunID, sw.Status, sw.TimeoutMS,
		sw.CreatedAt.UTC(), sw.UpdatedAt.UTC(),
	)
	return err
}

// SubworkflowByRunID returns the record for a child run ID or
// token.ErrNotFound.
func (s *TokenStore) SubworkflowByRunID(ctx context.Context, subRunID string) (*token.Subworkflow, error) {
	var row subworkflowRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM subworkflows WHERE run_id = ? AND subworkflow_run_id = ?`, s.runID, subRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.subworkflow(), nil
}

// UpdateSubworkflowStatus records the child run's status.
func (s *TokenStore) UpdateSubworkflowStatus(ctx context.Context, id string, status token.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subworkflows SET status = ?, updated_at = ? WHERE run_id = ? AND id = ?`,
		status, time.Now().UTC(), s.runID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return token.ErrNotFound
	}
	return nil
}

// ActiveSubworkflows returns child runs not yet terminal.
func (s *TokenStore) ActiveSubworkflows(ctx context.Context) ([]*token.Subworkflow, error) {
	var rows []subworkflowRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM subworkflows WHERE run_id = ? AND status = ? ORDER BY created_at`,
		s.runID, token.RunRunning)
	if err != nil {
		return nil, err
	}
	out := make([]*token.Subworkflow, len(rows))
	for i, r := range rows {
		out[i] = r.subworkflow()
	}
	return out, nil
}

// RunStatus returns the workflow status row.
func (s *TokenStore) RunStatus(ctx context.Context) (token.RunStatus, error) {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT status FROM runs WHERE run_id = ?`, s.runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", token.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return token.RunStatus(status), nil
}

// SetRunStatus writes the workflow status. The running guard in the WHERE
// clause makes the first terminal write win.
func (s *TokenStore) SetRunStatus(ctx context.Context, status token.RunStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ? AND status = ?`,
		status, time.Now().UTC(), s.runID, token.RunRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
