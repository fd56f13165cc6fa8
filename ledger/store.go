/*
store.go - Persistence interfaces for the event log and the tool catalog

PURPOSE:
  Defines the boundary between the ledger and its storage. Stores keep the
  event log append-only and enforce the duplicate rule atomically, so two
  concurrent appends of the same document cannot both land.

KEY INTERFACES:
  Store:     Event persistence (append, batch append, load, exists)
  ToolStore: Catalog attributes of tools
  Purger:    Administrative removal, used only by the admin override
  Backend:   Everything a deployment wires in

APPEND-ONLY CONTRACT:
  Store has no Update and no Delete. Purger exists for the administrative
  override and is deliberately a separate interface, so ledger code that
  holds a Store cannot reach it.

ORDERING:
  Load returns events ordered by (Date, Sequence). Sequence is assigned by
  the store on append and grows monotonically.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite (WAL)
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - eventlog.go: higher-level log on top of Store
*/
package ledger

import "context"

// =============================================================================
// STORE - Event persistence (append-only)
// =============================================================================

// Store handles persistence of ledger events.
type Store interface {
	// Append persists an event and returns it with its Sequence assigned.
	// Returns ErrDuplicateEvent if the ID or (tool, reference, date) exists.
	Append(ctx context.Context, e Event) (Event, error)

	// AppendBatch persists events atomically. Either all land or none do.
	AppendBatch(ctx context.Context, events []Event) ([]Event, error)

	// Load returns the tool's events ordered by (Date, Sequence).
	Load(ctx context.Context, toolID ToolID) ([]Event, error)

	// Exists checks whether an event ID is already taken, across all tools.
	Exists(ctx context.Context, id EventID) (bool, error)
}

// ToolStore persists catalog attributes.
type ToolStore interface {
	// SaveTool inserts or updates the tool's attributes.
	SaveTool(ctx context.Context, t Tool) error

	// GetTool returns nil, nil when the tool has no catalog row.
	GetTool(ctx context.Context, id ToolID) (*Tool, error)

	ListTools(ctx context.Context) ([]Tool, error)
}

// Purger physically removes data. Administrative override only.
type Purger interface {
	// PurgeTool drops the catalog row and every event of the tool.
	PurgeTool(ctx context.Context, id ToolID) (int, error)

	// PurgeEvents drops the listed events of the tool.
	PurgeEvents(ctx context.Context, id ToolID, eventIDs []EventID) (int, error)
}

// Backend is the full storage surface a deployment provides.
type Backend interface {
	Store
	ToolStore
	Purger
}
