// Package archive keeps finished interactions in a local sqlite database.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/fraude/internal/workflow"
)

// ErrNotFound indicates the requested interaction was never archived.
var ErrNotFound = errors.New("interaction not archived")

// NotFoundError wraps ErrNotFound with the missing ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return "interaction not archived: " + e.ID }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Summary is the listing row of an archived interaction.
type Summary struct {
	ID               string         `json:"id"`
	Query            string         `json:"query"`
	RepoRoot         string         `json:"repo_root"`
	Mode             string         `json:"mode"`
	State            workflow.State `json:"state"`
	ChangedFiles     int            `json:"changed_files"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	State    workflow.State
	RepoRoot string
	Limit    int
	Offset   int
}

// Archive is a sqlite-backed store of terminal workflow states.
type Archive struct {
	db   *sql.DB
	path string
}

// Open opens or creates the archive at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a := &Archive{db: db, path: path}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		repo_root TEXT NOT NULL,
		mode TEXT NOT NULL,
		state TEXT NOT NULL,
		changed_files INTEGER NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		state_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_updated ON interactions(updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_interactions_state ON interactions(state);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Path returns the database file.
func (a *Archive) Path() string { return a.path }

// Ping verifies the database is reachable.
func (a *Archive) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

// Close releases the database.
func (a *Archive) Close() error { return a.db.Close() }

// Save stores st, replacing an earlier save of the same interaction.
func (a *Archive) Save(ctx context.Context, st *workflow.WorkflowState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO interactions (id, query, repo_root, mode, state, changed_files,
			prompt_tokens, completion_tokens, created_at, updated_at, state_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			changed_files = excluded.changed_files,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			updated_at = excluded.updated_at,
			state_json = excluded.state_json
	`, st.ID, st.Query, st.RepoRoot, string(st.Mode), string(st.State), len(st.ChangedFiles),
		st.Usage.PromptTokens, st.Usage.CompletionTokens, st.CreatedAt.UTC(), updated.UTC(), string(data))
	if err != nil {
		return fmt.Errorf("save %s: %w", st.ID, err)
	}
	return nil
}

// Get returns the full archived state of an interaction.
func (a *Archive) Get(ctx context.Context, id string) (*workflow.WorkflowState, error) {
	var data string
	err := a.db.QueryRowContext(ctx, `SELECT state_json FROM interactions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	var st workflow.WorkflowState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &st, nil
}

// List returns summaries, most recently updated first.
func (a *Archive) List(ctx context.Context, f Filter) ([]Summary, error) {
	query := `
		SELECT id, query, repo_root, mode, state, changed_files, prompt_tokens,
			completion_tokens, created_at, updated_at
		FROM interactions WHERE 1 = 1`
	var args []any
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.RepoRoot != "" {
		query += ` AND repo_root = ?`
		args = append(args, f.RepoRoot)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var state string
		if err := rows.Scan(&s.ID, &s.Query, &s.RepoRoot, &s.Mode, &state, &s.ChangedFiles,
			&s.PromptTokens, &s.CompletionTokens, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		s.State = workflow.State(state)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Outcomes counts archived interactions per terminal state.
func (a *Archive) Outcomes(ctx context.Context) (map[workflow.State]int, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM interactions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[workflow.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[workflow.State(state)] = n
	}
	return out, rows.Err()
}
