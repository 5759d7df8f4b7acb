// Package sqlite persists the decision journal: every request the
// worker consumed, the result it produced, and NPC lifecycle events.
// The journal is observational; scheduler correctness never depends on
// a row landing.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"npcmind/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS decision_requests (
	id TEXT PRIMARY KEY,
	npc_id TEXT NOT NULL,
	npc_type TEXT NOT NULL,
	current_task TEXT NOT NULL,
	last_completed_task TEXT NOT NULL DEFAULT '',
	current_state TEXT NOT NULL,
	environment_context TEXT NOT NULL,
	player_interaction TEXT NOT NULL DEFAULT '',
	submitted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_requests_npc ON decision_requests(npc_id, submitted_at);

CREATE TABLE IF NOT EXISTS decision_results (
	request_id TEXT PRIMARY KEY,
	npc_id TEXT NOT NULL,
	new_task TEXT NOT NULL,
	source TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	completed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_results_npc ON decision_results(npc_id, completed_at);

CREATE TABLE IF NOT EXISTS npc_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	npc_id TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_npc_events_npc ON npc_events(npc_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// RecordDecision journals a consumed request and its result together.
func (s *Store) RecordDecision(ctx context.Context, req domain.DecisionRequest, res domain.DecisionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decision tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO decision_requests(
			id, npc_id, npc_type, current_task, last_completed_task,
			current_state, environment_context, player_interaction, submitted_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.NpcID, req.NpcType, req.CurrentTask, req.LastCompletedTask,
		req.CurrentState, req.EnvironmentContext, req.PlayerInteraction, req.SubmittedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert decision request: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO decision_results(
			request_id, npc_id, new_task, source, error_kind, completed_at
		) VALUES(?, ?, ?, ?, ?, ?)`,
		res.RequestID, res.NpcID, res.NewTask, string(res.Source), string(res.Error), res.CompletedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert decision result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit decision tx: %w", err)
	}
	return nil
}

// RecordEvent journals an NPC lifecycle or transition event.
func (s *Store) RecordEvent(ctx context.Context, event domain.NpcEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO npc_events(npc_id, action, detail, created_at) VALUES(?, ?, ?, ?)`,
		event.NpcID, event.Action, event.Detail, event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert npc event: %w", err)
	}
	return nil
}

// ListResults returns the most recent decision results, newest first.
func (s *Store) ListResults(ctx context.Context, limit int) ([]domain.DecisionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT request_id, npc_id, new_task, source, error_kind, completed_at
		FROM decision_results ORDER BY completed_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decision results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DecisionResult, 0)
	for rows.Next() {
		var res domain.DecisionResult
		var source, kind string
		var completed int64
		if err := rows.Scan(&res.RequestID, &res.NpcID, &res.NewTask, &source, &kind, &completed); err != nil {
			return nil, fmt.Errorf("scan decision result: %w", err)
		}
		res.Source = domain.ResultSource(source)
		res.Error = domain.ErrorKind(kind)
		res.CompletedAt = time.Unix(completed, 0).UTC()
		out = append(out, res)
	}
	return out, rows.Err()
}

// ListEvents returns recent events, newest first, optionally scoped to
// one NPC.
func (s *Store) ListEvents(ctx context.Context, npcID string, limit int) ([]domain.NpcEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, npc_id, action, detail, created_at FROM npc_events`
	args := []any{}
	if npcID != "" {
		query += ` WHERE npc_id = ?`
		args = append(args, npcID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list npc events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.NpcEvent, 0)
	for rows.Next() {
		var ev domain.NpcEvent
		var created int64
		if err := rows.Scan(&ev.ID, &ev.NpcID, &ev.Action, &ev.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan npc event: %w", err)
		}
		ev.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
