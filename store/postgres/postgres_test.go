package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/warp/tool-ledger/ledger"
	"github.com/warp/tool-ledger/store/postgres"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const pgImage = "postgres:17.0-alpine3.20"

var day1 = time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)

var (
	startOnce sync.Once
	container *tcpostgres.PostgresContainer
	shared    *postgres.Store
	startErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if shared != nil {
		shared.Close()
	}
	if container != nil {
		_ = container.Terminate(context.Background())
	}
	os.Exit(code)
}

// newTestStore returns the shared store, emptied. The container starts on
// first use; tests skip when Docker is not reachable.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres tests need a container")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	startOnce.Do(func() {
		ctx := context.Background()
		container, startErr = tcpostgres.Run(ctx, pgImage,
			tcpostgres.WithDatabase("ledger"),
			tcpostgres.WithUsername("ledger"),
			tcpostgres.WithPassword("ledger"),
			tc.WithWaitStrategy(
				wait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second),
			),
		)
		if startErr != nil {
			return
		}
		var dsn string
		dsn, startErr = container.ConnectionString(ctx, "sslmode=disable")
		if startErr != nil {
			return
		}
		shared, startErr = postgres.New(ctx, postgres.Options{DSN: dsn, MaxConns: 8})
	})
	require.NoError(t, startErr)
	require.NoError(t, shared.Reset(context.Background()))
	return shared
}

func entryEvent(id, ref string, qty int64, date time.Time) ledger.Event {
	return ledger.Event{
		ID: ledger.EventID(id), ToolID: "T", Kind: ledger.KindEntry,
		Reference: ref, QteChange: qty, Date: date, Notes: "note " + id,
	}
}

// =============================================================================
// EVENT STORE
// =============================================================================

func TestPostgres_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	date := time.Date(2024, 3, 4, 10, 30, 0, 123456789, time.FixedZone("CET", 3600))
	stored, err := s.Append(ctx, ledger.Event{
		ID: "x1", ToolID: "T", Kind: ledger.KindExit, Reference: "bs-1",
		QteChange: 3, Date: date, Reason: ledger.ReasonLost,
	})
	require.NoError(t, err)
	assert.Positive(t, stored.Sequence)

	events, err := s.Load(ctx, "T")
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, ledger.KindExit, got.Kind)
	assert.Equal(t, ledger.ReasonLost, got.Reason)
	assert.Empty(t, got.Notes)
	assert.Equal(t, int64(3), got.QteChange)
	assert.True(t, got.Date.Equal(ledger.NormalizeDate(date)), "got %s", got.Date)
	assert.Equal(t, time.UTC, got.Date.Location())
	assert.Equal(t, stored.Sequence, got.Sequence)
}

func TestPostgres_LoadOrdersByDateThenSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, e := range []ledger.Event{
		entryEvent("late", "r1", 1, day1.AddDate(0, 0, 2)),
		entryEvent("early", "r2", 1, day1),
		entryEvent("same-a", "r3", 1, day1.AddDate(0, 0, 1)),
		entryEvent("same-b", "r4", 1, day1.AddDate(0, 0, 1)),
	} {
		_, err := s.Append(ctx, e)
		require.NoError(t, err)
	}

	events, err := s.Load(ctx, "T")
	require.NoError(t, err)
	ids := make([]ledger.EventID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	assert.Equal(t, []ledger.EventID{"early", "same-a", "same-b", "late"}, ids)
}

func TestPostgres_DuplicateRules(t *testing.T) {
	// GIVEN: entry e1 on pv-1, day 1
	// THEN: each unique index maps to its own ledger error

	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Append(ctx, entryEvent("e1", "pv-1", 10, day1))
	require.NoError(t, err)

	t.Run("same id", func(t *testing.T) {
		_, err := s.Append(ctx, entryEvent("e1", "other", 1, day1.AddDate(0, 0, 1)))
		var dup *ledger.DuplicateEventError
		require.ErrorAs(t, err, &dup)
		assert.False(t, dup.ByDocument)
		assert.Equal(t, ledger.EventID("e1"), dup.EventID)
	})

	t.Run("same document", func(t *testing.T) {
		_, err := s.Append(ctx, entryEvent("e2", "pv-1", 1, day1))
		var dup *ledger.DuplicateEventError
		require.ErrorAs(t, err, &dup)
		assert.True(t, dup.ByDocument)
		assert.Equal(t, ledger.EventID("e2"), dup.EventID)
	})

	t.Run("same document on another tool", func(t *testing.T) {
		e := entryEvent("e3", "pv-1", 1, day1)
		e.ToolID = "U"
		_, err := s.Append(ctx, e)
		assert.NoError(t, err)
	})

	t.Run("second conversion", func(t *testing.T) {
		conv := func(id string) ledger.Event {
			return ledger.Event{
				ID: ledger.EventID(id), ToolID: "T", Kind: ledger.KindConversion,
				Date: day1.AddDate(0, 0, 3), SupersedesEventID: "e1", NewReference: "M11-" + id,
			}
		}
		_, err := s.Append(ctx, conv("c1"))
		require.NoError(t, err)
		_, err = s.Append(ctx, conv("c2"))
		var convErr *ledger.ConversionError
		require.ErrorAs(t, err, &convErr)
		assert.ErrorIs(t, err, ledger.ErrAlreadyConverted)
		assert.Equal(t, ledger.EventID("e1"), convErr.SourceEventID)
	})
}

func TestPostgres_AppendBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AppendBatch(ctx, []ledger.Event{
		entryEvent("e1", "pv-1", 1, day1),
		entryEvent("e2", "pv-2", 1, day1),
		entryEvent("e1", "pv-3", 1, day1),
	})
	require.ErrorIs(t, err, ledger.ErrDuplicateEvent)

	for _, id := range []ledger.EventID{"e1", "e2"} {
		exists, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, exists, id)
	}
}

// =============================================================================
// TOOL STORE AND PURGER
// =============================================================================

func TestPostgres_Catalog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := day1.Add(2 * time.Hour)

	require.NoError(t, s.SaveTool(ctx, ledger.Tool{ID: "B", Designation: "Drill", Mat: "MAT-1", CreatedAt: created}))
	require.NoError(t, s.SaveTool(ctx, ledger.Tool{ID: "B", Designation: "Drill 18V", Mat: "MAT-1"}))
	require.NoError(t, s.SaveTool(ctx, ledger.Tool{ID: "A", CreatedAt: created}))

	tool, err := s.GetTool(ctx, "B")
	require.NoError(t, err)
	require.NotNil(t, tool)
	assert.Equal(t, "Drill 18V", tool.Designation)
	assert.True(t, tool.CreatedAt.Equal(created))

	missing, err := s.GetTool(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	tools, err := s.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, ledger.ToolID("A"), tools[0].ID)
}

func TestPostgres_PurgeAndReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveTool(ctx, ledger.Tool{ID: "T"}))
	_, err := s.AppendBatch(ctx, []ledger.Event{
		entryEvent("e1", "pv-1", 5, day1),
		entryEvent("e2", "pv-2", 5, day1),
		entryEvent("e3", "pv-3", 5, day1),
	})
	require.NoError(t, err)

	// Only ids of the named tool are removed
	other := entryEvent("o1", "pv-1", 1, day1)
	other.ToolID = "U"
	_, err = s.Append(ctx, other)
	require.NoError(t, err)

	n, err := s.PurgeEvents(ctx, "T", []ledger.EventID{"e2", "e3", "o1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	exists, err := s.Exists(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err = s.PurgeEvents(ctx, "T", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PurgeTool(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tool, err := s.GetTool(ctx, "T")
	require.NoError(t, err)
	assert.Nil(t, tool)

	require.NoError(t, s.Reset(ctx))
	events, err := s.Load(ctx, "U")
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// LEDGER ON POSTGRES
// =============================================================================

func TestPostgres_LedgerConcurrentExits(t *testing.T) {
	// GIVEN: the ledger running on Postgres with 5 units
	// WHEN: 12 exits of 1 race
	// THEN: exactly 5 land

	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.New(s)

	_, err := l.CreateTool(ctx, ledger.Tool{ID: "T"}, ledger.EntryData{ID: "e1", Reference: "pv-1", QteChange: 5, Date: day1})
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.RecordExit(ctx, "T", ledger.ExitData{
				ID: ledger.EventID(fmt.Sprintf("x%d", i)), Reference: fmt.Sprintf("bs-%d", i),
				QteChange: 1, Date: day1.AddDate(0, 0, 1), Reason: ledger.ReasonConsumed,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientQuantity)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	summary, err := l.GetSummary(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.CurrentQty)
	assert.Equal(t, ledger.SituationUnavailable, summary.Situation)
}

func TestPostgres_ConvertAllThenRetry(t *testing.T) {
	// GIVEN: two PV entries
	// WHEN: ConvertAll runs, then runs again with the same request
	// THEN: two conversions are stored once

	ctx := context.Background()
	s := newTestStore(t)
	l := ledger.New(s)

	_, err := l.CreateTool(ctx, ledger.Tool{ID: "T"}, ledger.EntryData{ID: "e1", Reference: "pv-1", QteChange: 5, Date: day1})
	require.NoError(t, err)
	_, err = l.RecordEntry(ctx, "T", ledger.EntryData{ID: "e2", Reference: "pv-2", QteChange: 5, Date: day1.AddDate(0, 0, 1)})
	require.NoError(t, err)

	res, err := l.ConvertAll(ctx, "T", ledger.ConvertAllCmd{NewReference: "M11-1", RequestID: "r1"})
	require.NoError(t, err)
	assert.Len(t, res.Conversions, 2)
	assert.Equal(t, int64(10), res.Summary.CurrentQty)

	res, err = l.ConvertAll(ctx, "T", ledger.ConvertAllCmd{NewReference: "M11-1", RequestID: "r1"})
	require.NoError(t, err)
	assert.Empty(t, res.Conversions)

	events, err := s.Load(ctx, "T")
	require.NoError(t, err)
	assert.Len(t, events, 4)
}
