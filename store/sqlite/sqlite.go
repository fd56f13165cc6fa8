/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements ledger.Store, ledger.ToolStore and ledger.Purger on SQLite.
  Used for single-instance deployments and for tests (":memory:").

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_events
  - DELETE only through Purger, which the ledger itself never holds

KEY TABLES:
  ledger_events: Immutable log of entries, exits and conversions
  tools:         Catalog attributes (designation, mat, type, direction)

INDEXES:
  - id UNIQUE: event identity, retries hit it
  - idx_events_document: (tool_id, reference, date) for entries and exits,
    the duplicate-document rule
  - idx_events_supersedes: one conversion per entry
  - idx_events_tool_order: (tool_id, date, seq), the history hot path

DATES:
  Stored as fixed-width UTC text with microseconds, so text order is time
  order and a normalized date round-trips exactly.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. The per-tool guard serializes
  writers of one tool; the unique indexes are the last line against a
  duplicate slipping past it.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/postgres: same contract on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/tool-ledger/ledger"
)

const dateLayout = "2006-01-02T15:04:05.000000Z"

// Store implements ledger.Backend using SQLite.
type Store struct {
	db *sql.DB
	// mu serializes writers. Readers rely on WAL and never take it.
	mu sync.Mutex
}

var _ ledger.Backend = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger events (append-only)
	CREATE TABLE IF NOT EXISTS ledger_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tool_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('entry', 'exit', 'conversion')),
		date TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		qte_change INTEGER NOT NULL CHECK (qte_change >= 0),
		supersedes_event_id TEXT,
		new_reference TEXT,
		notes TEXT,
		reason TEXT,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_tool_order
		ON ledger_events(tool_id, date, seq);

	-- One document per (tool, reference, date); conversions are keyed by id only
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_document
		ON ledger_events(tool_id, reference, date)
		WHERE kind IN ('entry', 'exit');

	-- An entry is converted at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_supersedes
		ON ledger_events(supersedes_event_id)
		WHERE kind = 'conversion';

	-- Catalog
	CREATE TABLE IF NOT EXISTS tools (
		id TEXT PRIMARY KEY,
		designation TEXT NOT NULL DEFAULT '',
		mat TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (ledger.Store interface)
// =============================================================================

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append adds an event to the ledger.
func (s *Store) Append(ctx context.Context, e ledger.Event) (ledger.Event, error) {
	out, err := s.AppendBatch(ctx, []ledger.Event{e})
	if err != nil {
		return ledger.Event{}, err
	}
	return out[0], nil
}

// AppendBatch adds multiple events atomically.
func (s *Store) AppendBatch(ctx context.Context, events []ledger.Event) ([]ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	out := make([]ledger.Event, len(events))
	for i, e := range events {
		stored, err := s.appendEvent(ctx, sqlTx, e)
		if err != nil {
			return nil, err
		}
		out[i] = stored
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit events: %w", err)
	}
	return out, nil
}

func (s *Store) appendEvent(ctx context.Context, db execQuerier, e ledger.Event) (ledger.Event, error) {
	e.Date = ledger.NormalizeDate(e.Date)
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	e.RecordedAt = e.RecordedAt.UTC()

	query := `
		INSERT INTO ledger_events
		(id, tool_id, kind, date, reference, qte_change, supersedes_event_id,
		 new_reference, notes, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := db.ExecContext(ctx, query,
		string(e.ID),
		string(e.ToolID),
		string(e.Kind),
		e.Date.Format(dateLayout),
		e.Reference,
		e.QteChange,
		nullString(string(e.SupersedesEventID)),
		nullString(e.NewReference),
		nullString(e.Notes),
		nullString(string(e.Reason)),
		e.RecordedAt.Format(dateLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Event{}, s.duplicateError(ctx, db, e, err)
		}
		return ledger.Event{}, fmt.Errorf("failed to append event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.Event{}, fmt.Errorf("failed to read event sequence: %w", err)
	}
	e.Sequence = seq
	return e, nil
}

// duplicateError translates a unique violation into the ledger error for
// the index that fired.
func (s *Store) duplicateError(ctx context.Context, db execQuerier, e ledger.Event, cause error) error {
	msg := cause.Error()
	switch {
	case strings.Contains(msg, "ledger_events.supersedes_event_id"):
		return &ledger.ConversionError{SourceEventID: e.SupersedesEventID, Err: ledger.ErrAlreadyConverted}
	case strings.Contains(msg, "ledger_events.reference"):
		var existing string
		err := db.QueryRowContext(ctx, `
			SELECT id FROM ledger_events
			WHERE tool_id = ? AND reference = ? AND date = ? AND kind IN ('entry', 'exit')`,
			string(e.ToolID), e.Reference, e.Date.Format(dateLayout),
		).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up duplicate document: %w", err)
		}
		return &ledger.DuplicateEventError{EventID: e.ID, ExistingID: ledger.EventID(existing), ByDocument: true}
	default:
		return &ledger.DuplicateEventError{EventID: e.ID, ExistingID: e.ID}
	}
}

// Load returns all events of a tool ordered by (date, seq).
func (s *Store) Load(ctx context.Context, toolID ledger.ToolID) ([]ledger.Event, error) {
	query := `
		SELECT seq, id, tool_id, kind, date, reference, qte_change, supersedes_event_id,
		       new_reference, notes, reason, recorded_at
		FROM ledger_events
		WHERE tool_id = ?
		ORDER BY date ASC, seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(toolID))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []ledger.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Exists checks whether an event ID is taken.
func (s *Store) Exists(ctx context.Context, id ledger.EventID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_events WHERE id = ?",
		string(id),
	).Scan(&count)

	return count > 0, err
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var (
		e          ledger.Event
		id, toolID string
		kind       string
		date       string
		supersedes sql.NullString
		newRef     sql.NullString
		notes      sql.NullString
		reason     sql.NullString
		recordedAt string
	)

	err := rows.Scan(
		&e.Sequence, &id, &toolID, &kind, &date, &e.Reference, &e.QteChange,
		&supersedes, &newRef, &notes, &reason, &recordedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.ID = ledger.EventID(id)
	e.ToolID = ledger.ToolID(toolID)
	e.Kind = ledger.Kind(kind)
	if e.Date, err = time.Parse(dateLayout, date); err != nil {
		return e, fmt.Errorf("failed to parse date of event %s: %w", id, err)
	}
	e.RecordedAt, _ = time.Parse(dateLayout, recordedAt)
	e.SupersedesEventID = ledger.EventID(supersedes.String)
	e.NewReference = newRef.String
	e.Notes = notes.String
	e.Reason = ledger.ExitReason(reason.String)

	return e, nil
}

// =============================================================================
// TOOL STORE (ledger.ToolStore interface)
// =============================================================================

// SaveTool inserts or updates catalog attributes. created_at is kept on update.
func (s *Store) SaveTool(ctx context.Context, t ledger.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO tools (id, designation, mat, type, direction, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			designation = excluded.designation,
			mat = excluded.mat,
			type = excluded.type,
			direction = excluded.direction
	`

	_, err := s.db.ExecContext(ctx, query,
		string(t.ID), t.Designation, t.Mat, t.Type, t.Direction,
		t.CreatedAt.UTC().Format(dateLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save tool: %w", err)
	}
	return nil
}

// GetTool returns nil, nil when the tool has no catalog row.
func (s *Store) GetTool(ctx context.Context, id ledger.ToolID) (*ledger.Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, designation, mat, type, direction, created_at
		FROM tools WHERE id = ?`, string(id))

	t, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTools(ctx context.Context) ([]ledger.Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, designation, mat, type, direction, created_at
		FROM tools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tools: %w", err)
	}
	defer rows.Close()

	tools := []ledger.Tool{}
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTool(row scanner) (ledger.Tool, error) {
	var (
		t         ledger.Tool
		id        string
		createdAt string
	)
	if err := row.Scan(&id, &t.Designation, &t.Mat, &t.Type, &t.Direction, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan tool: %w", err)
	}
	t.ID = ledger.ToolID(id)
	t.CreatedAt, _ = time.Parse(dateLayout, createdAt)
	return t, nil
}

// =============================================================================
// PURGER (administrative override)
// =============================================================================

// PurgeTool removes the catalog row and every event of the tool.
func (s *Store) PurgeTool(ctx context.Context, id ledger.ToolID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, "DELETE FROM ledger_events WHERE tool_id = ?", string(id))
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM tools WHERE id = ?", string(id)); err != nil {
		return 0, fmt.Errorf("failed to purge tool: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return int(n), nil
}

// PurgeEvents removes the listed events of the tool.
func (s *Store) PurgeEvents(ctx context.Context, id ledger.ToolID, eventIDs []ledger.EventID) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	total := 0
	for _, eid := range eventIDs {
		res, err := sqlTx.ExecContext(ctx,
			"DELETE FROM ledger_events WHERE tool_id = ? AND id = ?",
			string(id), string(eid))
		if err != nil {
			return 0, fmt.Errorf("failed to purge event %s: %w", eid, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return total, nil
}

// Reset clears all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"ledger_events", "tools"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
