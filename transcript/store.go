// ABOUTME: SQLite-backed persistence for session event streams, outside the agent core.
// ABOUTME: Records each SessionEvent under a ULID run ID; never imported by the agent package itself.
package transcript

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389-research/conductor/agent"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Run is a single recorded session: one ULID-keyed run over the event log.
type Run struct {
	RunID     string
	SessionID string
	Provider  string
	Model     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Store is a SQLite-backed event log. It has no knowledge of the agent
// loop; it only persists whatever SessionEvents are handed to it.
type Store struct {
	db *sql.DB
}

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id     TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		provider   TEXT NOT NULL,
		model      TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at   TEXT
	);

	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id    TEXT NOT NULL,
		kind      TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		data      TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);
`

// Open opens or creates a SQLite transcript store at path using the cgo
// mattn/go-sqlite3 driver.
func Open(path string) (*Store, error) {
	return open("sqlite3", path)
}

// OpenPureGo opens or creates a SQLite transcript store at path using the
// pure-Go modernc.org/sqlite driver, for builds where cgo is unavailable.
func OpenPureGo(path string) (*Store, error) {
	return open("sqlite", path)
}

func open(driver, path string) (*Store, error) {
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun inserts a new run row with a fresh ULID run ID and returns it.
func (s *Store) BeginRun(sessionID, provider, model string) (string, error) {
	runID := ulid.Make().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, session_id, provider, model, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, sessionID, provider, model, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return runID, nil
}

// EndRun stamps a run's ended_at timestamp.
func (s *Store) EndRun(runID string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET ended_at = ? WHERE run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	return nil
}

// RecordEvent persists a single SessionEvent under runID. The event's Data
// map is marshalled to JSON; a nil map is stored as NULL.
func (s *Store) RecordEvent(runID string, ev agent.SessionEvent) error {
	var data []byte
	if ev.Data != nil {
		var err error
		data, err = json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO events (run_id, kind, timestamp, data) VALUES (?, ?, ?, ?)`,
		runID, string(ev.Kind), ev.Timestamp.UTC().Format(time.RFC3339Nano), data,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Events returns every event recorded for runID, ordered by insertion.
func (s *Store) Events(runID string) ([]agent.SessionEvent, error) {
	rows, err := s.db.Query(
		`SELECT kind, timestamp, data FROM events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []agent.SessionEvent
	for rows.Next() {
		var kind, ts string
		var data []byte
		if err := rows.Scan(&kind, &ts, &data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}

		ev := agent.SessionEvent{Kind: agent.EventKind(kind), SessionID: runID}
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Runs returns every recorded run, most recently started first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT run_id, session_id, provider, model, started_at, ended_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var ended sql.NullString
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.Provider, &r.Model, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("parse run started_at: %w", err)
		}
		if ended.Valid {
			t, err := time.Parse(time.RFC3339Nano, ended.String)
			if err != nil {
				return nil, fmt.Errorf("parse run ended_at: %w", err)
			}
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
