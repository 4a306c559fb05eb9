package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"goa.design/loom/runtime/coord/wfctx"
)

// ContextStore implements wfctx.Store on SQLite. The three sections live as
// JSON documents in context_sections; branch outputs live in one table per
// token so merge reads and post-merge drops never filter rows.
type ContextStore struct {
	db        *sqlx.DB
	runID     string
	validator *wfctx.Validator
}

// NewContextStore builds a ContextStore validating writes against the given
// schemas.
func NewContextStore(db *sqlx.DB, runID string, schemas wfctx.Schemas) (*ContextStore, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if runID == "" {
		return nil, errors.New("run ID is required")
	}
	v, err := wfctx.NewValidator(schemas)
	if err != nil {
		return nil, err
	}
	return &ContextStore{db: db, runID: runID, validator: v}, nil
}

// InitInput validates and stores the run input. A second call is rejected so
// input stays read-only after initialization.
func (s *ContextStore) InitInput(ctx context.Context, input map[string]any) error {
	if _, err := s.section(ctx, "input"); err == nil {
		return fmt.Errorf("input already initialized")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := s.validator.ValidateSection("input", input); err != nil {
		return err
	}
	return s.writeSection(ctx, "input", input)
}

// Set writes a value at a dotted context path in state or output. The updated
// section is validated before the write lands, so a rejected write leaves the
// stored document intact.
func (s *ContextStore) Set(ctx context.Context, path string, value any) error {
	section, rest, err := wfctx.SplitPath(path)
	if err != nil {
		return err
	}
	if section == "input" {
		return fmt.Errorf("context input is read-only")
	}
	doc, err := s.loadSection(ctx, section)
	if err != nil {
		return err
	}
	if err := wfctx.SetAt(doc, rest, value); err != nil {
		return err
	}
	if err := s.validator.ValidateSection(section, doc); err != nil {
		return err
	}
	return s.writeSection(ctx, section, doc)
}

// Snapshot returns a copy of the three sections.
func (s *ContextStore) Snapshot(ctx context.Context) (wfctx.Snapshot, error) {
	var snap wfctx.Snapshot
	var err error
	if snap.Input, err = s.loadSection(ctx, "input"); err != nil {
		return wfctx.Snapshot{}, err
	}
	if snap.State, err = s.loadSection(ctx, "state"); err != nil {
		return wfctx.Snapshot{}, err
	}
	if snap.Output, err = s.loadSection(ctx, "output"); err != nil {
		return wfctx.Snapshot{}, err
	}
	return snap, nil
}

// InitBranchTable creates the branch output table for the given token.
func (s *ContextStore) InitBranchTable(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (doc TEXT NOT NULL DEFAULT '{}')`, branchTable(tokenID)))
	return err
}

// SetBranchOutput records a token's output in its branch table.
func (s *ContextStore) SetBranchOutput(ctx context.Context, tokenID string, output map[string]any) error {
	doc, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode branch output: %w", err)
	}
	table := branchTable(tokenID)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		if isMissingTable(err) {
			return fmt.Errorf("token %s: %w", tokenID, wfctx.ErrBranchTableMissing)
		}
		return fmt.Errorf("branch table for token %s: %w", tokenID, err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (doc) VALUES (?)`, table), string(doc))
	return err
}

// BranchOutputs returns the recorded outputs for the given tokens. Tokens
// whose table no longer exists are skipped.
func (s *ContextStore) BranchOutputs(ctx context.Context, tokenIDs []string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(tokenIDs))
	for _, id := range tokenIDs {
		var doc string
		err := s.db.GetContext(ctx, &doc, fmt.Sprintf(`SELECT doc FROM %s LIMIT 1`, branchTable(id)))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			if isMissingTable(err) {
				continue
			}
			return nil, err
		}
		row := make(map[string]any)
		if err := json.Unmarshal([]byte(doc), &row); err != nil {
			return nil, fmt.Errorf("decode branch output for token %s: %w", id, err)
		}
		out[id] = row
	}
	return out, nil
}

// DropBranchTables removes the branch tables for the given tokens.
func (s *ContextStore) DropBranchTables(ctx context.Context, tokenIDs []string) error {
	for _, id := range tokenIDs {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, branchTable(id))); err != nil {
			return err
		}
	}
	return nil
}

func (s *ContextStore) section(ctx context.Context, section string) (string, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc,
		`SELECT doc FROM context_sections WHERE run_id = ? AND section = ?`, s.runID, section)
	return doc, err
}

func (s *ContextStore) loadSection(ctx context.Context, section string) (map[string]any, error) {
	doc, err := s.section(ctx, section)
	if errors.Is(err, sql.ErrNoRows) {
		return make(map[string]any), nil
	}
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", section, err)
	}
	return m, nil
}

func (s *ContextStore) writeSection(ctx context.Context, section string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode context %s: %w", section, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_sections (run_id, section, doc) VALUES (?, ?, ?)
		ON CONFLICT(run_id, section) DO UPDATE SET doc = excluded.doc`,
		s.runID, section, string(raw))
	return err
}

// branchTable derives a safe table name from a token ID. Token IDs are UUIDs;
// anything outside [a-zA-Z0-9] maps to underscore.
func branchTable(tokenID string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, tokenID)
	return "branch_output_" + mapped
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
