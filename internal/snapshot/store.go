// Package snapshot persists conversation restart points and task run
// records in SQLite. The executor writes a snapshot after every
// assistant turn; on restart the newest snapshot per task is the
// resume point.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/praxisworks/praxis/internal/executor"
	"github.com/praxisworks/praxis/pkg/models"
)

// Store implements executor.SnapshotStore and executor.MemoryService on
// a single SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path. ":memory:" is accepted
// for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("snapshot: database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open database: %w", err)
	}
	// SQLite allows one writer; a second pooled connection would also
	// split an in-memory database into two.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			taken_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_task ON snapshots(task_id, id)`,
		`CREATE TABLE IF NOT EXISTS task_outcomes (
			task_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			terminal_status TEXT,
			failure_class TEXT,
			summary TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			turns INTEGER NOT NULL DEFAULT 0,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_summaries (
			task_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			stored_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("snapshot: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Write appends a snapshot for the task. Older rows stay until PruneOld
// runs so a crash mid-write never leaves the task without any snapshot.
func (s *Store) Write(ctx context.Context, snap *executor.ConversationSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (task_id, payload, taken_at) VALUES (?, ?, ?)`,
		snap.TaskID, string(payload), snap.TakenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	return nil
}

// Load returns the newest snapshot for the task, or nil when none
// exists.
func (s *Store) Load(ctx context.Context, taskID string) (*executor.ConversationSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE task_id = ? ORDER BY id DESC LIMIT 1`,
		taskID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: load: %w", err)
	}
	var snap executor.ConversationSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &snap, nil
}

// PruneOld deletes every snapshot for the task except the newest.
func (s *Store) PruneOld(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE task_id = ? AND id < (
			SELECT MAX(id) FROM snapshots WHERE task_id = ?
		)`, taskID, taskID)
	if err != nil {
		return fmt.Errorf("snapshot: prune: %w", err)
	}
	return nil
}

// RecordOutcome upserts the terminal record for a finished task run.
func (s *Store) RecordOutcome(ctx context.Context, task *models.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_outcomes
			(task_id, status, terminal_status, failure_class, summary,
			 input_tokens, output_tokens, cost_usd, turns, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			terminal_status = excluded.terminal_status,
			failure_class = excluded.failure_class,
			summary = excluded.summary,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost_usd = excluded.cost_usd,
			turns = excluded.turns,
			recorded_at = excluded.recorded_at`,
		task.ID, string(task.Status), string(task.TerminalStatus), string(task.FailureClass),
		task.ResultSummary, task.Usage.InputTokens, task.Usage.OutputTokens,
		task.Usage.CostUSD, task.Usage.Turns, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("snapshot: record outcome: %w", err)
	}
	return nil
}

// Outcome returns the recorded terminal state for a task, or nil when
// the task never finished a run.
func (s *Store) Outcome(ctx context.Context, taskID string) (*TaskOutcome, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT status, terminal_status, failure_class, summary, recorded_at
		 FROM task_outcomes WHERE task_id = ?`, taskID)
	var out TaskOutcome
	var recordedAt string
	out.TaskID = taskID
	err := row.Scan(&out.Status, &out.TerminalStatus, &out.FailureClass, &out.Summary, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: load outcome: %w", err)
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, recordedAt); parseErr == nil {
		out.RecordedAt = t
	}
	return &out, nil
}

// TaskOutcome is the durable record of a finished run.
type TaskOutcome struct {
	TaskID         string
	Status         string
	TerminalStatus string
	FailureClass   string
	Summary        string
	RecordedAt     time.Time
}

// StoreSummary retains a task's result summary for later recall.
func (s *Store) StoreSummary(ctx context.Context, taskID, summary string) error {
	if strings.TrimSpace(summary) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_summaries (task_id, summary, stored_at) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
			summary = excluded.summary,
			stored_at = excluded.stored_at`,
		taskID, summary, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("snapshot: store summary: %w", err)
	}
	return nil
}

const recallLimit = 3

// RecallContext returns summaries of the most recent finished tasks,
// newest first. The prompt is unused for ranking; recency is the only
// signal retained at this layer.
func (s *Store) RecallContext(ctx context.Context, _ string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT summary FROM task_summaries ORDER BY stored_at DESC LIMIT ?`, recallLimit)
	if err != nil {
		return "", fmt.Errorf("snapshot: recall: %w", err)
	}
	defer rows.Close()

	var summaries []string
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			return "", fmt.Errorf("snapshot: recall scan: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("snapshot: recall: %w", err)
	}
	return strings.Join(summaries, "\n\n"), nil
}
