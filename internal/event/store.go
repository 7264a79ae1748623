package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable event log, backed by SQLite. Appends are committed
// before Append returns, so a crash after Append but before any downstream
// effect is recoverable by replaying the log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the event database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		sequence_id  INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		agent_name   TEXT DEFAULT '',
		payload      TEXT DEFAULT '{}',
		metadata     TEXT DEFAULT '{}',
		timestamp    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, sequence_id);

	CREATE TABLE IF NOT EXISTS runs (
		task_id          TEXT PRIMARY KEY,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_phases (
		task_id      TEXT NOT NULL,
		phase        TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		started_at   DATETIME,
		completed_at DATETIME,
		output       TEXT DEFAULT '',
		cost_usd     REAL NOT NULL DEFAULT 0,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		error        TEXT DEFAULT '',
		PRIMARY KEY (task_id, phase)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append durably records an event and returns the committed copy with its
// assigned sequence ID. The input event is not mutated.
func (s *Store) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.TaskID == "" {
		return Event{}, fmt.Errorf("append event: task id is required")
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("append event: event type is required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := marshalJSONMap(ev.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("append event: marshal payload: %w", err)
	}
	metadata, err := marshalJSONMap(ev.Metadata)
	if err != nil {
		return Event{}, fmt.Errorf("append event: marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (task_id, event_type, agent_name, payload, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.TaskID, string(ev.Type), ev.AgentName, payload, metadata, ev.Timestamp,
	)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("append event: sequence id: %w", err)
	}

	committed := ev
	committed.SequenceID = seq
	return committed, nil
}

// Events returns all events for a task in strict sequence order.
func (s *Store) Events(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence_id, task_id, event_type, agent_name, payload, metadata, timestamp
		 FROM events WHERE task_id = ? ORDER BY sequence_id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var evType, payload, metadata string
		if err := rows.Scan(&ev.SequenceID, &ev.TaskID, &evType, &ev.AgentName, &payload, &metadata, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = Type(evType)
		if ev.Payload, err = unmarshalJSONMap(payload); err != nil {
			return nil, fmt.Errorf("event %d: unmarshal payload: %w", ev.SequenceID, err)
		}
		if ev.Metadata, err = unmarshalJSONMap(metadata); err != nil {
			return nil, fmt.Errorf("event %d: unmarshal metadata: %w", ev.SequenceID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CurrentState folds all of a task's events into derived epic/story state.
// Given the same log, the result is identical on every call.
func (s *Store) CurrentState(ctx context.Context, taskID string) (*State, error) {
	events, err := s.Events(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return Fold(taskID, events), nil
}

// ValidateState checks the derived state against the store's invariants:
// every story references an existing epic, every epic and story resolves a
// non-empty target repository, and no developer is assigned more than one
// pending or in-progress story at a time.
func (s *Store) ValidateState(ctx context.Context, taskID string) (*Validation, error) {
	state, err := s.CurrentState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return ValidateState(state), nil
}

// EnsureRun creates the run row for a task if it does not exist, and clears
// the cancellation flag either way: a resumed run starts uncancelled, so a
// cancel from the previous attempt cannot stall every phase of the next one.
func (s *Store) EnsureRun(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (task_id, cancel_requested, created_at, updated_at)
		 VALUES (?, 0, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   cancel_requested = 0,
		   updated_at = excluded.updated_at`,
		taskID, now, now,
	)
	if err != nil {
		return fmt.Errorf("ensure run: %w", err)
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag for a run. The flag
// is observed at the cancellation poll interval, not immediately.
func (s *Store) RequestCancel(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET cancel_requested = 1, updated_at = ? WHERE task_id = ?`,
		time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// CancelRequested reports whether cancellation has been requested for a run.
// An unknown task is not cancelled.
func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE task_id = ?`, taskID,
	).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query cancel flag: %w", err)
	}
	return flag != 0, nil
}

// PhaseRecord is the persisted status of one phase of a run.
type PhaseRecord struct {
	Phase        string
	Status       string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Output       string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	Error        string
}

// RecordPhaseStart upserts a phase row marking it started.
func (s *Store) RecordPhaseStart(ctx context.Context, taskID, phase string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_phases (task_id, phase, status, started_at)
		 VALUES (?, ?, 'running', ?)
		 ON CONFLICT(task_id, phase) DO UPDATE SET status = 'running', started_at = excluded.started_at, error = ''`,
		taskID, phase, now,
	)
	if err != nil {
		return fmt.Errorf("record phase start: %w", err)
	}
	return nil
}

// RecordPhaseCompletion upserts a phase row with its terminal status.
// Skipped phases are recorded too, so a restarted run can see them.
func (s *Store) RecordPhaseCompletion(ctx context.Context, taskID string, rec PhaseRecord) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_phases (task_id, phase, status, completed_at, output, cost_usd, input_tokens, output_tokens, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, phase) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			output = excluded.output,
			cost_usd = excluded.cost_usd,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			error = excluded.error`,
		taskID, rec.Phase, rec.Status, now, rec.Output, rec.CostUSD, rec.InputTokens, rec.OutputTokens, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("record phase completion: %w", err)
	}
	return nil
}

// PhaseStatus returns the persisted record for a phase, or nil if the phase
// has never run for this task.
func (s *Store) PhaseStatus(ctx context.Context, taskID, phase string) (*PhaseRecord, error) {
	var rec PhaseRecord
	var started, completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT phase, status, started_at, completed_at, output, cost_usd, input_tokens, output_tokens, error
		 FROM run_phases WHERE task_id = ? AND phase = ?`,
		taskID, phase,
	).Scan(&rec.Phase, &rec.Status, &started, &completed, &rec.Output, &rec.CostUSD, &rec.InputTokens, &rec.OutputTokens, &rec.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query phase status: %w", err)
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return &rec, nil
}

func marshalJSONMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSONMap(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}
