/*
Package ledger provides the tool inventory ledger engine.

PURPOSE:
  Every physical tool or consumable asset has a quantity that is acquired
  through entry events, consumed through exit events, and whose acquisition
  paperwork can later be re-classified (provisional "PV" receipts converted to
  official "M11" receipts) without touching the quantity. This package owns
  that event model and everything derived from it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Tool: identity and classification attributes of an asset
  - Event: an immutable fact in a tool's history (entry, exit, conversion)
  - Summary: derived state (current quantity, original quantity, situation)
  - Situation: available / partial / unavailable, always recomputed

DESIGN PRINCIPLES:
  1. Append-only: events are never edited; conversions relabel by appending
  2. Derived state: quantity and situation are folded from history on demand
  3. Ordering: (date, sequence) - the real-world date first, insertion order second
  4. Idempotency: the caller supplies the event ID; duplicates are rejected

USAGE:
  l := ledger.New(store.NewMemory())
  res, err := l.RecordEntry(ctx, "tool-1", ledger.EntryData{
      ID:        "evt-1",
      Reference: "pv-2024-01",
      QteChange: 10,
      Date:      day1,
  })

SEE ALSO:
  - eventlog.go: append + history with the deduplication rule
  - aggregate.go: Summarize and the running-balance helpers
  - guard.go: per-tool mutual exclusion
  - conversion.go: PV -> M11 reclassification
  - query.go: read-only projections
*/
package ledger

import (
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ToolID string
type EventID string

// =============================================================================
// TOOL - Identity of a physical/consumable asset
// =============================================================================

// Tool holds the catalog attributes of an asset. They are opaque to the
// ledger: quantity lives in the event stream, not here.
type Tool struct {
	ID          ToolID
	Designation string
	Mat         string // inventory tag
	Type        string
	Direction   string
	CreatedAt   time.Time
}

// =============================================================================
// EVENT - One immutable fact in a tool's history
// =============================================================================

type Kind string

const (
	KindEntry      Kind = "entry"      // acquisition, QteChange > 0
	KindExit       Kind = "exit"       // removal, QteChange is the magnitude removed
	KindConversion Kind = "conversion" // relabels an entry, QteChange = 0
)

func (k Kind) IsValid() bool {
	switch k {
	case KindEntry, KindExit, KindConversion:
		return true
	}
	return false
}

type ExitReason string

const (
	ReasonConsumed    ExitReason = "consumed"
	ReasonLost        ExitReason = "lost"
	ReasonTransferred ExitReason = "transferred"
	ReasonOther       ExitReason = "other"
)

func (r ExitReason) IsValid() bool {
	switch r {
	case ReasonConsumed, ReasonLost, ReasonTransferred, ReasonOther:
		return true
	}
	return false
}

type Event struct {
	ID     EventID
	ToolID ToolID
	Kind   Kind

	// Date of the real-world transaction, not the insertion time.
	Date time.Time

	// Reference is the external document identifier (pv-2024-07, M11-4471).
	// For entries it decides conversion eligibility.
	Reference string

	// QteChange is always stored as a non-negative magnitude. Exits
	// contribute it negatively; conversions carry zero.
	QteChange int64

	// Conversion only.
	SupersedesEventID EventID
	NewReference      string

	Notes  string
	Reason ExitReason // exits only

	// Assigned by the store on append. Tiebreaker for events sharing a date.
	Sequence int64

	// Audit only, never used for ordering.
	RecordedAt time.Time
}

// Contribution returns the signed quantity change this event applies.
func (e Event) Contribution() int64 {
	switch e.Kind {
	case KindEntry:
		return e.QteChange
	case KindExit:
		return -e.QteChange
	default:
		return 0
	}
}

// HasDocumentReference reports whether the (reference, date) duplicate rule
// applies to this event. Conversions are keyed by ID only.
func (e Event) HasDocumentReference() bool {
	return e.Kind != KindConversion && e.Reference != ""
}

// SameDocument reports whether two events collide on (tool, reference, date).
func (e Event) SameDocument(other Event) bool {
	if !e.HasDocumentReference() || !other.HasDocumentReference() {
		return false
	}
	return e.ToolID == other.ToolID &&
		e.Reference == other.Reference &&
		e.Date.Equal(other.Date)
}

// Before orders events by (date, sequence).
func (e Event) Before(other Event) bool {
	if !e.Date.Equal(other.Date) {
		return e.Date.Before(other.Date)
	}
	return e.Sequence < other.Sequence
}

// NormalizeDate brings a timestamp to the precision every store can round-trip.
func NormalizeDate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// =============================================================================
// COMMAND PAYLOADS
// =============================================================================

// MaxQuantity bounds a single entry or exit. Keeps running totals far from
// int64 overflow.
const MaxQuantity int64 = 1_000_000_000_000

// EntryData is the payload of an acquisition.
type EntryData struct {
	ID        EventID
	Reference string
	QteChange int64
	Date      time.Time
	Notes     string
}

// ExitData is the payload of a removal. QteChange is the magnitude removed.
type ExitData struct {
	ID        EventID
	Reference string
	QteChange int64
	Date      time.Time
	Reason    ExitReason
	Notes     string
}

func (d EntryData) event(toolID ToolID) Event {
	return Event{
		ID:        d.ID,
		ToolID:    toolID,
		Kind:      KindEntry,
		Date:      NormalizeDate(d.Date),
		Reference: strings.TrimSpace(d.Reference),
		QteChange: d.QteChange,
		Notes:     d.Notes,
	}
}

func (d ExitData) event(toolID ToolID) Event {
	reason := d.Reason
	if reason == "" {
		reason = ReasonOther
	}
	return Event{
		ID:        d.ID,
		ToolID:    toolID,
		Kind:      KindExit,
		Date:      NormalizeDate(d.Date),
		Reference: strings.TrimSpace(d.Reference),
		QteChange: d.QteChange,
		Reason:    reason,
		Notes:     d.Notes,
	}
}

// =============================================================================
// DERIVED STATE
// =============================================================================

type Situation string

const (
	SituationAvailable   Situation = "available"
	SituationPartial     Situation = "partial"
	SituationUnavailable Situation = "unavailable"
)

// SituationOf derives the situation. Never stored.
func SituationOf(current, original int64) Situation {
	switch {
	case current == 0:
		return SituationUnavailable
	case current == original:
		return SituationAvailable
	default:
		return SituationPartial
	}
}

// Summary is the folded state of a tool's history.
type Summary struct {
	ToolID          ToolID
	OriginalQty     int64
	CurrentQty      int64
	Situation       Situation
	FoundingEventID EventID
	FoundingDate    time.Time
	TotalEntered    int64
	TotalExited     int64
}

// RecordResult is returned by guarded mutations.
type RecordResult struct {
	Event   Event
	Summary Summary
}

// HistoryEntry is one row of the history projection.
type HistoryEntry struct {
	Event              Event
	EffectiveReference string
	Converted          bool
	Balance            int64 // running quantity after this event
}

// ToolView joins catalog attributes with the derived summary.
type ToolView struct {
	Tool    Tool
	Summary Summary
}
