// Package runstore persists finished agent runs and their end summaries in
// SQLite so conversations can be inspected and replayed later.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harun/parley/pkg/agent"
)

// Record is a persisted run.
type Record struct {
	ID         string           `json:"id"`
	Agent      string           `json:"agent"`
	SessionID  string           `json:"session_id,omitempty"`
	Status     agent.Status     `json:"status"`
	Iterations int              `json:"iterations"`
	Rounds     int              `json:"rounds"`
	ToolCalls  int              `json:"tool_calls"`
	Depth      int              `json:"depth"`
	Result     string           `json:"result"`
	Error      string           `json:"error,omitempty"`
	Transcript []agent.Message  `json:"transcript,omitempty"`
	Usage      agent.TokenUsage `json:"usage"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMs int64            `json:"duration_ms"`
}

// Summary is one end-tool summary attached to a session.
type Summary struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Agent     string    `json:"agent"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is safe for concurrent use; SQLite serializes writes.
type Store struct {
	db *sql.DB
}

var _ agent.RunRecorder = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id            TEXT PRIMARY KEY,
			agent         TEXT NOT NULL,
			session_id    TEXT,
			status        TEXT NOT NULL,
			iterations    INTEGER NOT NULL,
			rounds        INTEGER NOT NULL,
			tool_calls    INTEGER NOT NULL,
			depth         INTEGER NOT NULL DEFAULT 0,
			result        TEXT,
			error         TEXT,
			transcript    TEXT,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			started_at    TEXT NOT NULL,
			duration_ms   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_session
			ON runs(session_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_started
			ON runs(started_at DESC);

		CREATE TABLE IF NOT EXISTS summaries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			session_id TEXT NOT NULL,
			agent      TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_summaries_session
			ON summaries(session_id, id);
	`)
	return err
}

// RecordRun stores a finished run and, for runs tied to a session, its end
// summaries.
func (s *Store) RecordRun(ctx context.Context, res *agent.RunResult) error {
	if res == nil {
		return nil
	}
	transcript, err := json.Marshal(res.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, agent, session_id, status, iterations, rounds, tool_calls, depth,
			result, error, transcript, input_tokens, output_tokens, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Agent, res.SessionID, string(res.Status),
		res.Iterations, res.Rounds, res.ToolCalls, res.Depth,
		res.Text, res.Error, string(transcript),
		res.Usage.InputTokens, res.Usage.OutputTokens,
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if res.SessionID != "" {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, text := range res.Summaries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO summaries (run_id, session_id, agent, text, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				res.RunID, res.SessionID, res.Agent, text, now)
			if err != nil {
				return fmt.Errorf("insert summary: %w", err)
			}
		}
	}
	return tx.Commit()
}

const runColumns = `id, agent, session_id, status, iterations, rounds, tool_calls, depth,
	result, error, transcript, input_tokens, output_tokens, started_at, duration_ms`

// Get retrieves a single run by id. It returns sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanInto(row)
}

// List returns runs newest first. A sessionID filters to that session; a
// limit of 0 returns everything.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SummariesForSession returns the session's end summaries oldest first,
// keeping only the latest limit entries when limit is positive.
func (s *Store) SummariesForSession(ctx context.Context, sessionID string, limit int) ([]Summary, error) {
	query := `SELECT run_id, session_id, agent, text, created_at FROM summaries WHERE session_id = ? ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var created string
		if err := rows.Scan(&sm.RunID, &sm.SessionID, &sm.Agent, &sm.Text, &created); err != nil {
			return nil, err
		}
		sm.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune deletes runs and summaries older than cutoff and reports how many
// runs were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, ts)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE created_at < ?`, ts); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(s scanner) (*Record, error) {
	var rec Record
	var sessionID, result, errStr, transcript sql.NullString
	var status, startedAt string

	err := s.Scan(
		&rec.ID, &rec.Agent, &sessionID, &status,
		&rec.Iterations, &rec.Rounds, &rec.ToolCalls, &rec.Depth,
		&result, &errStr, &transcript,
		&rec.Usage.InputTokens, &rec.Usage.OutputTokens,
		&startedAt, &rec.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	rec.SessionID = sessionID.String
	rec.Status = agent.Status(status)
	rec.Result = result.String
	rec.Error = errStr.String
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if transcript.Valid && transcript.String != "" {
		_ = json.Unmarshal([]byte(transcript.String), &rec.Transcript)
	}
	return &rec, nil
}
