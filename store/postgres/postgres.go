/*
Package postgres provides a PostgreSQL-backed implementation of the ledger storage interfaces.

PURPOSE:
  Same contract as store/sqlite on PostgreSQL through a pgx connection
  pool. Used when several API instances share one database; pair it with
  the Redis locker so the per-tool guard spans instances.

KEY TABLES:
  ledger_events: Immutable log, seq BIGSERIAL assigns the Sequence
  tools:         Catalog attributes

UNIQUENESS:
  ledger_events_id_key          event identity
  ledger_events_document_key    (tool_id, reference, date) for entries and exits
  ledger_events_supersedes_key  one conversion per entry
  A violation (SQLSTATE 23505) is mapped to the ledger error by constraint name.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: single-instance backend
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/tool-ledger/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL,
	tool_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK (kind IN ('entry', 'exit', 'conversion')),
	date TIMESTAMPTZ NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	qte_change BIGINT NOT NULL CHECK (qte_change >= 0),
	supersedes_event_id TEXT,
	new_reference TEXT,
	notes TEXT,
	reason TEXT,
	recorded_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT ledger_events_id_key UNIQUE (id)
);

CREATE INDEX IF NOT EXISTS ledger_events_tool_order
	ON ledger_events (tool_id, date, seq);

CREATE UNIQUE INDEX IF NOT EXISTS ledger_events_document_key
	ON ledger_events (tool_id, reference, date)
	WHERE kind IN ('entry', 'exit');

CREATE UNIQUE INDEX IF NOT EXISTS ledger_events_supersedes_key
	ON ledger_events (supersedes_event_id)
	WHERE kind = 'conversion';

CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	designation TEXT NOT NULL DEFAULT '',
	mat TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT '',
	direction TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
`

// Options configure the connection pool.
type Options struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Backend on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Backend = (*Store)(nil)

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, opts Options) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolConfig.MaxConns = 10
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}
	return pool, nil
}

// New opens a pool and bootstraps the schema.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := NewPool(ctx, opts)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// run executes fn inside a transaction and commits when it returns nil.
func (s *Store) run(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// EVENT STORE
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.Event) (ledger.Event, error) {
	out, err := s.AppendBatch(ctx, []ledger.Event{e})
	if err != nil {
		return ledger.Event{}, err
	}
	return out[0], nil
}

func (s *Store) AppendBatch(ctx context.Context, events []ledger.Event) ([]ledger.Event, error) {
	out := make([]ledger.Event, len(events))
	err := s.run(ctx, func(q Querier) error {
		for i, e := range events {
			stored, err := insertEvent(ctx, q, e)
			if err != nil {
				return err
			}
			out[i] = stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertEvent(ctx context.Context, q Querier, e ledger.Event) (ledger.Event, error) {
	e.Date = ledger.NormalizeDate(e.Date)
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	e.RecordedAt = e.RecordedAt.UTC()

	query := `
		INSERT INTO ledger_events
		(id, tool_id, kind, date, reference, qte_change, supersedes_event_id,
		 new_reference, notes, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq`

	err := q.QueryRow(ctx, query,
		string(e.ID), string(e.ToolID), string(e.Kind), e.Date, e.Reference, e.QteChange,
		nullable(string(e.SupersedesEventID)), nullable(e.NewReference),
		nullable(e.Notes), nullable(string(e.Reason)), e.RecordedAt,
	).Scan(&e.Sequence)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			return ledger.Event{}, duplicateError(e, constraint)
		}
		return ledger.Event{}, fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return e, nil
}

// duplicateError maps a violated constraint to the ledger error. The
// transaction is aborted at this point, so no lookup of the existing row.
func duplicateError(e ledger.Event, constraint string) error {
	switch constraint {
	case "ledger_events_supersedes_key":
		return &ledger.ConversionError{SourceEventID: e.SupersedesEventID, Err: ledger.ErrAlreadyConverted}
	case "ledger_events_document_key":
		return &ledger.DuplicateEventError{EventID: e.ID, ByDocument: true}
	default:
		return &ledger.DuplicateEventError{EventID: e.ID, ExistingID: e.ID}
	}
}

func (s *Store) Load(ctx context.Context, toolID ledger.ToolID) ([]ledger.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, tool_id, kind, date, reference, qte_change, supersedes_event_id,
		       new_reference, notes, reason, recorded_at
		FROM ledger_events
		WHERE tool_id = $1
		ORDER BY date ASC, seq ASC`, string(toolID))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ledger.Event{}
	for rows.Next() {
		var (
			e                               ledger.Event
			id, tool, kind                  string
			supersedes, newRef, notes, rsn *string
		)
		if err := rows.Scan(&e.Sequence, &id, &tool, &kind, &e.Date, &e.Reference, &e.QteChange,
			&supersedes, &newRef, &notes, &rsn, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ID = ledger.EventID(id)
		e.ToolID = ledger.ToolID(tool)
		e.Kind = ledger.Kind(kind)
		e.Date = e.Date.UTC()
		e.RecordedAt = e.RecordedAt.UTC()
		e.SupersedesEventID = ledger.EventID(deref(supersedes))
		e.NewReference = deref(newRef)
		e.Notes = deref(notes)
		e.Reason = ledger.ExitReason(deref(rsn))
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) Exists(ctx context.Context, id ledger.EventID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ledger_events WHERE id = $1)", string(id),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", id, err)
	}
	return exists, nil
}

// =============================================================================
// TOOL STORE
// =============================================================================

func (s *Store) SaveTool(ctx context.Context, t ledger.Tool) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tools (id, designation, mat, type, direction, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			designation = EXCLUDED.designation,
			mat = EXCLUDED.mat,
			type = EXCLUDED.type,
			direction = EXCLUDED.direction`,
		string(t.ID), t.Designation, t.Mat, t.Type, t.Direction, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save tool %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTool(ctx context.Context, id ledger.ToolID) (*ledger.Tool, error) {
	var (
		t   ledger.Tool
		tid string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, designation, mat, type, direction, created_at
		FROM tools WHERE id = $1`, string(id),
	).Scan(&tid, &t.Designation, &t.Mat, &t.Type, &t.Direction, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tool %s: %w", id, err)
	}
	t.ID = ledger.ToolID(tid)
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (s *Store) ListTools(ctx context.Context) ([]ledger.Tool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, designation, mat, type, direction, created_at
		FROM tools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	tools := []ledger.Tool{}
	for rows.Next() {
		var (
			t   ledger.Tool
			tid string
		)
		if err := rows.Scan(&tid, &t.Designation, &t.Mat, &t.Type, &t.Direction, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		t.ID = ledger.ToolID(tid)
		t.CreatedAt = t.CreatedAt.UTC()
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// =============================================================================
// PURGER
// =============================================================================

func (s *Store) PurgeTool(ctx context.Context, id ledger.ToolID) (int, error) {
	var n int64
	err := s.run(ctx, func(q Querier) error {
		tag, err := q.Exec(ctx, "DELETE FROM ledger_events WHERE tool_id = $1", string(id))
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
		n = tag.RowsAffected()
		if _, err := q.Exec(ctx, "DELETE FROM tools WHERE id = $1", string(id)); err != nil {
			return fmt.Errorf("purge tool: %w", err)
		}
		return nil
	})
	return int(n), err
}

func (s *Store) PurgeEvents(ctx context.Context, id ledger.ToolID, eventIDs []ledger.EventID) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(eventIDs))
	for i, eid := range eventIDs {
		ids[i] = string(eid)
	}

	var n int64
	err := s.run(ctx, func(q Querier) error {
		tag, err := q.Exec(ctx,
			"DELETE FROM ledger_events WHERE tool_id = $1 AND id = ANY($2)", string(id), ids)
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return int(n), err
}

// Reset clears all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE ledger_events, tools")
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Helper functions

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// uniqueViolation reports a 23505 and the constraint it hit.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName, pgErr.Code == "23505"
	}
	return "", strings.Contains(err.Error(), "23505")
}
