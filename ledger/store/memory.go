// Package store provides in-process ledger.Backend implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/tool-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	seq    int64
	events map[ledger.ToolID][]ledger.Event
	ids    map[ledger.EventID]ledger.ToolID
	docs   map[docKey]ledger.EventID
	tools  map[ledger.ToolID]ledger.Tool

	// entry id -> conversion id
	converted map[ledger.EventID]ledger.EventID
}

type docKey struct {
	toolID    ledger.ToolID
	reference string
	unixNano  int64
}

func keyOf(e ledger.Event) docKey {
	return docKey{toolID: e.ToolID, reference: e.Reference, unixNano: e.Date.UnixNano()}
}

func NewMemory() *Memory {
	return &Memory{
		events: make(map[ledger.ToolID][]ledger.Event),
		ids:    make(map[ledger.EventID]ledger.ToolID),
		docs:   make(map[docKey]ledger.EventID),
		tools:  make(map[ledger.ToolID]ledger.Tool),

		converted: make(map[ledger.EventID]ledger.EventID),
	}
}

var _ ledger.Backend = (*Memory)(nil)

// Append adds a single event. Append-only.
func (m *Memory) Append(_ context.Context, e ledger.Event) (ledger.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(e, nil); err != nil {
		return ledger.Event{}, err
	}
	return m.appendLocked(e), nil
}

// AppendBatch adds multiple events atomically.
func (m *Memory) AppendBatch(_ context.Context, events []ledger.Event) ([]ledger.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check everything first so a rejected batch leaves no trace
	for i, e := range events {
		if err := m.checkLocked(e, events[:i]); err != nil {
			return nil, err
		}
	}

	out := make([]ledger.Event, len(events))
	for i, e := range events {
		out[i] = m.appendLocked(e)
	}
	return out, nil
}

func (m *Memory) checkLocked(e ledger.Event, pending []ledger.Event) error {
	if _, ok := m.ids[e.ID]; ok {
		return &ledger.DuplicateEventError{EventID: e.ID, ExistingID: e.ID}
	}
	if e.HasDocumentReference() {
		if existing, ok := m.docs[keyOf(e)]; ok {
			return &ledger.DuplicateEventError{EventID: e.ID, ExistingID: existing, ByDocument: true}
		}
	}
	if e.Kind == ledger.KindConversion {
		if _, ok := m.converted[e.SupersedesEventID]; ok {
			return &ledger.ConversionError{SourceEventID: e.SupersedesEventID, Err: ledger.ErrAlreadyConverted}
		}
	}
	for _, p := range pending {
		if p.ID == e.ID {
			return &ledger.DuplicateEventError{EventID: e.ID, ExistingID: p.ID}
		}
		if e.SameDocument(p) {
			return &ledger.DuplicateEventError{EventID: e.ID, ExistingID: p.ID, ByDocument: true}
		}
		if e.Kind == ledger.KindConversion && p.Kind == ledger.KindConversion && p.SupersedesEventID == e.SupersedesEventID {
			return &ledger.ConversionError{SourceEventID: e.SupersedesEventID, Err: ledger.ErrAlreadyConverted}
		}
	}
	return nil
}

func (m *Memory) appendLocked(e ledger.Event) ledger.Event {
	m.seq++
	e.Sequence = m.seq

	events := m.events[e.ToolID]
	// Sequence only grows, so the new event lands after every same-date event
	i := sort.Search(len(events), func(i int) bool {
		return e.Before(events[i])
	})
	events = append(events, ledger.Event{})
	copy(events[i+1:], events[i:])
	events[i] = e
	m.events[e.ToolID] = events

	m.ids[e.ID] = e.ToolID
	if e.HasDocumentReference() {
		m.docs[keyOf(e)] = e.ID
	}
	if e.Kind == ledger.KindConversion {
		m.converted[e.SupersedesEventID] = e.ID
	}
	return e
}

func (m *Memory) Load(_ context.Context, toolID ledger.ToolID) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Event, len(m.events[toolID]))
	copy(result, m.events[toolID])
	return result, nil
}

func (m *Memory) Exists(_ context.Context, id ledger.EventID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) SaveTool(_ context.Context, t ledger.Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tools[t.ID]; ok && t.CreatedAt.IsZero() {
		t.CreatedAt = existing.CreatedAt
	}
	m.tools[t.ID] = t
	return nil
}

func (m *Memory) GetTool(_ context.Context, id ledger.ToolID) (*ledger.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) ListTools(_ context.Context) ([]ledger.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Tool, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// PURGE - Administrative override only
// =============================================================================

func (m *Memory) PurgeTool(_ context.Context, id ledger.ToolID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[id]
	for _, e := range events {
		m.forgetLocked(e)
	}
	delete(m.events, id)
	delete(m.tools, id)
	return len(events), nil
}

func (m *Memory) PurgeEvents(_ context.Context, id ledger.ToolID, eventIDs []ledger.EventID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[ledger.EventID]bool, len(eventIDs))
	for _, eid := range eventIDs {
		drop[eid] = true
	}

	kept := m.events[id][:0:0]
	removed := 0
	for _, e := range m.events[id] {
		if drop[e.ID] {
			m.forgetLocked(e)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.events[id] = kept
	return removed, nil
}

func (m *Memory) forgetLocked(e ledger.Event) {
	delete(m.ids, e.ID)
	if e.HasDocumentReference() {
		delete(m.docs, keyOf(e))
	}
	if e.Kind == ledger.KindConversion && m.converted[e.SupersedesEventID] == e.ID {
		delete(m.converted, e.SupersedesEventID)
	}
}

// Reset clears all data. Used by the demo scenario loader.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[ledger.ToolID][]ledger.Event)
	m.ids = make(map[ledger.EventID]ledger.ToolID)
	m.docs = make(map[docKey]ledger.EventID)
	m.tools = make(map[ledger.ToolID]ledger.Tool)
	m.converted = make(map[ledger.EventID]ledger.EventID)
	return nil
}
