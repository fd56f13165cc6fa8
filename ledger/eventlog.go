/*
eventlog.go - Append-only, per-tool ordered event log

PURPOSE:
  The EventLog is the single source of truth for every tool. Quantity and
  situation are always computed by replaying it; nothing else holds a
  counter that could drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: events are never modified. Conversions relabel by appending.
  2. DEDUPLICATED: an event sharing an ID, or a (tool, reference, date), with
     an existing event is rejected at write time.
  3. ORDERED: History is ordered by (date, sequence), so a back-filled paper
     record folds in its real-world position.

DEDUP AT WRITE AND AT READ:
  Append rejects duplicates, so consumers never filter. History still drops
  duplicates (first by sequence wins) in case a store was populated outside
  the ledger, e.g. an import.

SEE ALSO:
  - store.go: Store interface
  - aggregate.go: consumes History
*/
package ledger

import (
	"context"
	"errors"
	"sort"
)

// =============================================================================
// EVENT LOG
// =============================================================================

type EventLog struct {
	Store Store
}

func NewEventLog(store Store) *EventLog {
	return &EventLog{Store: store}
}

// Append validates and persists an event. This is the ONLY write operation.
func (l *EventLog) Append(ctx context.Context, e Event) (Event, error) {
	if err := ValidateEvent(e); err != nil {
		return Event{}, err
	}
	if err := l.checkDuplicate(ctx, e, nil); err != nil {
		return Event{}, err
	}
	return l.Store.Append(ctx, e)
}

// AppendBatch validates and persists events atomically.
func (l *EventLog) AppendBatch(ctx context.Context, events []Event) ([]Event, error) {
	for i, e := range events {
		if err := ValidateEvent(e); err != nil {
			return nil, err
		}
		if err := l.checkDuplicate(ctx, e, events[:i]); err != nil {
			return nil, err
		}
	}
	return l.Store.AppendBatch(ctx, events)
}

// History returns the tool's non-duplicate events ordered by (date, sequence).
func (l *EventLog) History(ctx context.Context, toolID ToolID) ([]Event, error) {
	events, err := l.Store.Load(ctx, toolID)
	if err != nil {
		return nil, err
	}
	return Dedupe(events), nil
}

func (l *EventLog) checkDuplicate(ctx context.Context, e Event, pending []Event) error {
	for _, p := range pending {
		if p.ID == e.ID {
			return &DuplicateEventError{EventID: e.ID, ExistingID: p.ID}
		}
		if e.SameDocument(p) {
			return &DuplicateEventError{EventID: e.ID, ExistingID: p.ID, ByDocument: true}
		}
	}

	exists, err := l.Store.Exists(ctx, e.ID)
	if err != nil {
		return err
	}
	if exists {
		return &DuplicateEventError{EventID: e.ID, ExistingID: e.ID}
	}

	if !e.HasDocumentReference() {
		return nil
	}
	existing, err := l.Store.Load(ctx, e.ToolID)
	if err != nil {
		return err
	}
	for _, x := range existing {
		if e.SameDocument(x) {
			return &DuplicateEventError{EventID: e.ID, ExistingID: x.ID, ByDocument: true}
		}
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateEvent checks the schema of an event before it reaches a store.
func ValidateEvent(e Event) error {
	if e.ID == "" {
		return invalidf("event id is required")
	}
	if e.ToolID == "" {
		return invalidf("tool id is required")
	}
	if e.Date.IsZero() {
		return invalidf("date is required")
	}

	switch e.Kind {
	case KindEntry:
		if e.QteChange <= 0 {
			return invalidf("entry quantity must be positive, got %d", e.QteChange)
		}
		if e.QteChange > MaxQuantity {
			return invalidf("entry quantity %d exceeds %d", e.QteChange, MaxQuantity)
		}
		if e.Reference == "" {
			return invalidf("entry reference is required")
		}
	case KindExit:
		if e.QteChange <= 0 {
			return invalidf("exit quantity must be positive, got %d", e.QteChange)
		}
		if e.QteChange > MaxQuantity {
			return invalidf("exit quantity %d exceeds %d", e.QteChange, MaxQuantity)
		}
		if e.Reference == "" {
			return invalidf("exit reference is required")
		}
		if !e.Reason.IsValid() {
			return invalidf("unknown exit reason %q", e.Reason)
		}
	case KindConversion:
		if e.QteChange != 0 {
			return invalidf("conversion quantity must be zero, got %d", e.QteChange)
		}
		if e.SupersedesEventID == "" {
			return invalidf("conversion must name the event it supersedes")
		}
		if e.NewReference == "" {
			return invalidf("conversion new reference is required")
		}
	default:
		return invalidf("unknown event kind %q", e.Kind)
	}
	return nil
}

// =============================================================================
// ORDERING AND DEDUP
// =============================================================================

// SortEvents orders events by (date, sequence) in place.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})
}

type documentKey struct {
	toolID    ToolID
	reference string
	unixNano  int64
}

// Dedupe drops later duplicates (by sequence) and returns the survivors
// ordered by (date, sequence).
func Dedupe(events []Event) []Event {
	bySeq := make([]Event, len(events))
	copy(bySeq, events)
	sort.SliceStable(bySeq, func(i, j int) bool {
		return bySeq[i].Sequence < bySeq[j].Sequence
	})

	seenIDs := make(map[EventID]bool, len(bySeq))
	seenDocs := make(map[documentKey]bool, len(bySeq))
	out := make([]Event, 0, len(bySeq))
	for _, e := range bySeq {
		if seenIDs[e.ID] {
			continue
		}
		if e.HasDocumentReference() {
			k := documentKey{toolID: e.ToolID, reference: e.Reference, unixNano: e.Date.UnixNano()}
			if seenDocs[k] {
				continue
			}
			seenDocs[k] = true
		}
		seenIDs[e.ID] = true
		out = append(out, e)
	}
	SortEvents(out)
	return out
}

// findEvent returns the event with the given ID, if present.
func findEvent(events []Event, id EventID) (Event, bool) {
	for _, e := range events {
		if e.ID == id {
			return e, true
		}
	}
	return Event{}, false
}

// isDuplicate reports whether err is any flavour of duplicate rejection.
func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEvent)
}
