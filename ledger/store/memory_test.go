package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tool-ledger/ledger"
	"github.com/warp/tool-ledger/ledger/store"
)

var day1 = time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)

func entryEvent(id, tool, ref string, qty int64, date time.Time) ledger.Event {
	return ledger.Event{
		ID: ledger.EventID(id), ToolID: ledger.ToolID(tool), Kind: ledger.KindEntry,
		Reference: ref, QteChange: qty, Date: date,
	}
}

func conversionEvent(id, tool, source string) ledger.Event {
	return ledger.Event{
		ID: ledger.EventID(id), ToolID: ledger.ToolID(tool), Kind: ledger.KindConversion,
		Date: day1.AddDate(0, 0, 5), SupersedesEventID: ledger.EventID(source), NewReference: "M11-1",
	}
}

func TestMemory_LoadOrdersByDateThenSequence(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	_, err := m.Append(ctx, entryEvent("b", "T", "r2", 1, day1.AddDate(0, 0, 2)))
	require.NoError(t, err)
	_, err = m.Append(ctx, entryEvent("a", "T", "r1", 1, day1))
	require.NoError(t, err)
	_, err = m.Append(ctx, entryEvent("c", "T", "r3", 1, day1.AddDate(0, 0, 2)))
	require.NoError(t, err)

	events, err := m.Load(ctx, "T")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []ledger.EventID{"a", "b", "c"}, []ledger.EventID{events[0].ID, events[1].ID, events[2].ID})
	assert.Equal(t, []int64{2, 1, 3}, []int64{events[0].Sequence, events[1].Sequence, events[2].Sequence})
}

func TestMemory_RejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	_, err := m.Append(ctx, entryEvent("e1", "T", "pv-1", 1, day1))
	require.NoError(t, err)

	_, err = m.Append(ctx, entryEvent("e1", "OTHER", "x", 1, day1))
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent, "IDs are global")

	_, err = m.Append(ctx, entryEvent("e2", "T", "pv-1", 1, day1))
	var dup *ledger.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	assert.True(t, dup.ByDocument)
	assert.Equal(t, ledger.EventID("e1"), dup.ExistingID)

	// Same document on another tool is fine
	_, err = m.Append(ctx, entryEvent("e3", "OTHER", "pv-1", 1, day1))
	assert.NoError(t, err)
}

func TestMemory_OneConversionPerEntry(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	_, err := m.Append(ctx, entryEvent("e1", "T", "pv-1", 1, day1))
	require.NoError(t, err)

	_, err = m.Append(ctx, conversionEvent("c1", "T", "e1"))
	require.NoError(t, err)
	_, err = m.Append(ctx, conversionEvent("c2", "T", "e1"))
	assert.ErrorIs(t, err, ledger.ErrAlreadyConverted)

	_, err = m.AppendBatch(ctx, []ledger.Event{
		entryEvent("e2", "T", "pv-2", 1, day1),
		conversionEvent("c3", "T", "e2"),
		conversionEvent("c4", "T", "e2"),
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyConverted)
}

func TestMemory_AppendBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	_, err := m.AppendBatch(ctx, []ledger.Event{
		entryEvent("e1", "T", "pv-1", 1, day1),
		entryEvent("e2", "T", "pv-1", 1, day1),
	})
	require.ErrorIs(t, err, ledger.ErrDuplicateEvent)

	events, err := m.Load(ctx, "T")
	require.NoError(t, err)
	assert.Empty(t, events)

	exists, err := m.Exists(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemory_Catalog(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	created := day1.Add(time.Hour)

	require.NoError(t, m.SaveTool(ctx, ledger.Tool{ID: "B", Designation: "first", CreatedAt: created}))
	require.NoError(t, m.SaveTool(ctx, ledger.Tool{ID: "B", Designation: "renamed"}))
	require.NoError(t, m.SaveTool(ctx, ledger.Tool{ID: "A"}))

	tool, err := m.GetTool(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "renamed", tool.Designation)
	assert.True(t, tool.CreatedAt.Equal(created), "upsert keeps the creation time")

	missing, err := m.GetTool(ctx, "ZZZ")
	require.NoError(t, err)
	assert.Nil(t, missing)

	tools, err := m.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, ledger.ToolID("A"), tools[0].ID)
}

func TestMemory_Purge(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveTool(ctx, ledger.Tool{ID: "T"}))
	_, err := m.AppendBatch(ctx, []ledger.Event{
		entryEvent("e1", "T", "pv-1", 5, day1),
		entryEvent("e2", "T", "pv-2", 5, day1),
		conversionEvent("c1", "T", "e2"),
	})
	require.NoError(t, err)

	n, err := m.PurgeEvents(ctx, "T", []ledger.EventID{"e2", "c1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Purged identities are free again
	_, err = m.Append(ctx, entryEvent("e2", "T", "pv-2", 5, day1))
	require.NoError(t, err)
	_, err = m.Append(ctx, conversionEvent("c1", "T", "e2"))
	require.NoError(t, err)

	n, err = m.PurgeTool(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, err := m.Load(ctx, "T")
	require.NoError(t, err)
	assert.Empty(t, events)
	tool, err := m.GetTool(ctx, "T")
	require.NoError(t, err)
	assert.Nil(t, tool)
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	_, err := m.Append(ctx, entryEvent("e1", "T", "pv-1", 1, day1))
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx))

	exists, err := m.Exists(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, exists)
}
