// Package checkpoint persists SessionCheckpoint snapshots (spec §3) to
// an embedded single-file SQLite database, keyed by (session_id,
// iteration), so a session can resume after a process restart.
//
// Grounded on kadirpekel-hector/pkg/checkpoint (Manager/Storage split
// and the CheckpointHooks integration pattern), adapted from hector's
// session-state-keyed storage to a dedicated table since this system
// has no pre-existing session service to piggyback checkpoints onto.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/devflow/orchestrator/internal/workflowstate"
)

// Store persists and retrieves checkpoints from a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("checkpoint: pinging %s: %w", path, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	iteration  INTEGER NOT NULL,
	state_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, iteration)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("checkpoint: creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save writes an immutable snapshot keyed by (state.SessionID,
// state.Iteration). Saving the same key twice overwrites — iteration
// numbers are strictly monotonic per session (spec §3 invariant), so
// in practice this is append-only.
func (s *Store) Save(ctx context.Context, state *workflowstate.State) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, iteration, state_json, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, iteration) DO UPDATE SET state_json=excluded.state_json, created_at=excluded.created_at`,
		state.SessionID, state.Iteration, string(blob), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: saving session=%s iteration=%d: %w", state.SessionID, state.Iteration, err)
	}
	return nil
}

// Load retrieves the checkpoint for an exact (sessionID, iteration).
func (s *Store) Load(ctx context.Context, sessionID string, iteration int) (*workflowstate.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM checkpoints WHERE session_id = ? AND iteration = ?`,
		sessionID, iteration)

	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("checkpoint: no checkpoint for session=%s iteration=%d", sessionID, iteration)
		}
		return nil, fmt.Errorf("checkpoint: loading session=%s iteration=%d: %w", sessionID, iteration, err)
	}

	var state workflowstate.State
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding state: %w", err)
	}
	return &state, nil
}

// LoadLatest retrieves the most recent checkpoint for a session — the
// snapshot a resumed run re-enters the supervisor with (spec §4.4
// Checkpointing). Readers always see a single row (a consistent
// iteration), avoiding torn reads across the session's history.
func (s *Store) LoadLatest(ctx context.Context, sessionID string) (*workflowstate.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM checkpoints WHERE session_id = ? ORDER BY iteration DESC LIMIT 1`,
		sessionID)

	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("checkpoint: no checkpoints for session=%s", sessionID)
		}
		return nil, fmt.Errorf("checkpoint: loading latest for session=%s: %w", sessionID, err)
	}

	var state workflowstate.State
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding state: %w", err)
	}
	return &state, nil
}

// PendingSessions lists the most recent checkpoint of every session
// that is awaiting human input or has not reached response_ready —
// the set a server surfaces via GET /sessions/pending on restart
// (SPEC_FULL.md §D.5).
func (s *Store) PendingSessions(ctx context.Context) ([]*workflowstate.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.state_json FROM checkpoints c
		INNER JOIN (
			SELECT session_id, MAX(iteration) AS max_iter FROM checkpoints GROUP BY session_id
		) latest ON c.session_id = latest.session_id AND c.iteration = latest.max_iter
	`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing pending sessions: %w", err)
	}
	defer rows.Close()

	var out []*workflowstate.State
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("checkpoint: scanning pending session: %w", err)
		}
		var state workflowstate.State
		if err := json.Unmarshal([]byte(blob), &state); err != nil {
			slog.Warn("checkpoint: skipping undecodable checkpoint row", "error", err)
			continue
		}
		if state.AwaitingHuman || !state.ResponseReady {
			out = append(out, &state)
		}
	}
	return out, rows.Err()
}

// Clear removes every checkpoint for a session, called once the
// responder has run and the session no longer needs recovery.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("checkpoint: clearing session=%s: %w", sessionID, err)
	}
	return nil
}
