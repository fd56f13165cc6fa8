package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/tool-ledger/ledger"
	"github.com/warp/tool-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var day1 = time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return day1.AddDate(0, 0, n-1)
}

var fixedNow = day(30)

func newTestLedger(opts ...ledger.Option) (*ledger.Ledger, *store.Memory) {
	mem := store.NewMemory()
	opts = append([]ledger.Option{ledger.WithClock(func() time.Time { return fixedNow })}, opts...)
	return ledger.New(mem, opts...), mem
}

func entry(id, ref string, qty int64, date time.Time) ledger.EntryData {
	return ledger.EntryData{ID: ledger.EventID(id), Reference: ref, QteChange: qty, Date: date}
}

func exit(id, ref string, qty int64, date time.Time) ledger.ExitData {
	return ledger.ExitData{ID: ledger.EventID(id), Reference: ref, QteChange: qty, Date: date, Reason: ledger.ReasonConsumed}
}

// found creates tool T with a founding PV entry of qty on day 1.
func found(t *testing.T, l *ledger.Ledger, toolID ledger.ToolID, qty int64) {
	t.Helper()
	_, err := l.CreateTool(context.Background(),
		ledger.Tool{ID: toolID, Designation: "test tool"},
		entry(string(toolID)+"-e1", "pv-1", qty, day(1)))
	require.NoError(t, err)
}

// rawEvent builds an event for direct store or fold tests.
func rawEvent(id string, kind ledger.Kind, qty int64, date time.Time, seq int64) ledger.Event {
	e := ledger.Event{
		ID:        ledger.EventID(id),
		ToolID:    "T",
		Kind:      kind,
		Date:      date,
		QteChange: qty,
		Sequence:  seq,
	}
	switch kind {
	case ledger.KindEntry, ledger.KindExit:
		e.Reference = "ref-" + id
	}
	if kind == ledger.KindExit {
		e.Reason = ledger.ReasonConsumed
	}
	return e
}
