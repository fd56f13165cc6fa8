/*
ledger.go - The tool ledger service

PURPOSE:
  Ledger is the write side of the system. Every state change goes through
  one of its guarded commands; each command reads the tool's history, checks
  its rule against the fold, and appends, all inside the tool's section.

COMMANDS:
  RecordEntry:  acquisition, never refused on quantity grounds
  RecordExit:   removal, refused when it would drive any prefix negative
  CreateTool:   catalog attributes plus the founding entry
  ConvertSpecific / ConvertAll: see conversion.go

FOUNDING ENTRY:
  The first entry of a tool fixes OriginalQty. An entry dated before it is
  refused with ErrPredatesFounding, since accepting it would silently change
  the tool's original quantity.

OBSERVABILITY:
  Each command reports (op, outcome, duration) to an Observer and logs at
  DEBUG; the metrics package provides the Prometheus implementation.

SEE ALSO:
  - guard.go: WithExclusiveAccess
  - query.go: read side
*/
package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultProvisionalPrefix = "pv"

// Observer receives command outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveCommand(op, outcome string, d time.Duration)
	ObserveGuardWait(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveCommand(string, string, time.Duration) {}
func (nopObserver) ObserveGuardWait(time.Duration)               {}

// Outcome labels reported to the Observer.
const (
	OutcomeOK        = "ok"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeBusy      = "busy"
	OutcomeCorrupt   = "corrupt"
	OutcomeError     = "error"
)

// Outcome classifies a command error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case isDuplicate(err):
		return OutcomeDuplicate
	case IsConsistencyError(err):
		return OutcomeCorrupt
	case IsRetryable(err):
		return OutcomeBusy
	case IsClientError(err), IsNotFound(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	log      *EventLog
	tools    ToolStore
	locker   Locker
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
	lockWait time.Duration

	provisionalPrefix string
}

type Option func(*Ledger)

func WithLocker(lk Locker) Option {
	return func(l *Ledger) { l.locker = lk }
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		if o != nil {
			l.observer = o
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLockWait bounds how long a command waits for the tool's section
// before failing with ErrGuardBusy. Zero waits as long as ctx allows.
func WithLockWait(d time.Duration) Option {
	return func(l *Ledger) { l.lockWait = d }
}

// WithToolStore overrides the catalog store. By default the event store is
// used when it also implements ToolStore.
func WithToolStore(ts ToolStore) Option {
	return func(l *Ledger) { l.tools = ts }
}

// WithProvisionalPrefix sets the reference prefix that marks an entry as
// convertible. Matching is case-insensitive.
func WithProvisionalPrefix(prefix string) Option {
	return func(l *Ledger) {
		if p := strings.TrimSpace(prefix); p != "" {
			l.provisionalPrefix = strings.ToLower(p)
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		log:               NewEventLog(store),
		locker:            NewLocalLocker(),
		observer:          nopObserver{},
		logger:            zerolog.Nop(),
		now:               time.Now,
		provisionalPrefix: DefaultProvisionalPrefix,
	}
	if ts, ok := store.(ToolStore); ok {
		l.tools = ts
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log exposes the underlying event log.
func (l *Ledger) Log() *EventLog {
	return l.log
}

// ProvisionalPrefix returns the configured provisional prefix.
func (l *Ledger) ProvisionalPrefix() string {
	return l.provisionalPrefix
}

// run wraps a guarded command with logging and metrics.
func (l *Ledger) run(ctx context.Context, op string, toolID ToolID, fn func(ctx context.Context, s *Section) error) error {
	start := time.Now()
	err := l.WithExclusiveAccess(ctx, toolID, fn)
	outcome := Outcome(err)
	l.observer.ObserveCommand(op, outcome, time.Since(start))

	ev := l.logger.Debug()
	if outcome == OutcomeCorrupt || outcome == OutcomeError {
		ev = l.logger.Error()
	}
	ev.Str("op", op).
		Str("tool_id", string(toolID)).
		Str("outcome", outcome).
		Dur("took", time.Since(start)).
		Err(err).
		Msg("ledger command")
	return err
}

// =============================================================================
// COMMANDS
// =============================================================================

// RecordEntry appends an acquisition. The first entry of a tool founds it.
func (l *Ledger) RecordEntry(ctx context.Context, toolID ToolID, d EntryData) (*RecordResult, error) {
	var res *RecordResult
	err := l.run(ctx, "record_entry", toolID, func(ctx context.Context, s *Section) error {
		e := d.event(toolID)
		if err := ValidateEvent(e); err != nil {
			return err
		}
		if s.Exists && e.Date.Before(s.Summary.FoundingDate) {
			return fmt.Errorf("%w: entry dated %s, tool founded %s",
				ErrPredatesFounding, e.Date.Format(time.RFC3339), s.Summary.FoundingDate.Format(time.RFC3339))
		}
		if s.Summary.TotalEntered > math.MaxInt64-e.QteChange {
			return invalidf("entry of %d would overflow the quantity of tool %s", e.QteChange, toolID)
		}

		stored, err := s.Append(ctx, e)
		if err != nil {
			return err
		}
		l.ensureCatalogRow(ctx, toolID)
		res = &RecordResult{Event: stored, Summary: s.Summary}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RecordExit appends a removal after checking it against what is available
// at its date.
func (l *Ledger) RecordExit(ctx context.Context, toolID ToolID, d ExitData) (*RecordResult, error) {
	var res *RecordResult
	err := l.run(ctx, "record_exit", toolID, func(ctx context.Context, s *Section) error {
		if !s.Exists {
			return ErrToolNotFound
		}
		e := d.event(toolID)
		if err := ValidateEvent(e); err != nil {
			return err
		}
		if avail := Available(s.History, e.Date); e.QteChange > avail {
			return &InsufficientQuantityError{ToolID: toolID, Available: avail, Requested: e.QteChange}
		}

		stored, err := s.Append(ctx, e)
		if err != nil {
			return err
		}
		res = &RecordResult{Event: stored, Summary: s.Summary}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CreateTool saves catalog attributes and appends the founding entry.
func (l *Ledger) CreateTool(ctx context.Context, t Tool, founding EntryData) (*RecordResult, error) {
	var res *RecordResult
	err := l.run(ctx, "create_tool", t.ID, func(ctx context.Context, s *Section) error {
		if s.Exists {
			return fmt.Errorf("%w: %s", ErrToolExists, t.ID)
		}
		e := founding.event(t.ID)
		if err := ValidateEvent(e); err != nil {
			return err
		}
		stored, err := s.Append(ctx, e)
		if err != nil {
			return err
		}
		if l.tools != nil {
			if t.CreatedAt.IsZero() {
				t.CreatedAt = l.now().UTC()
			}
			if err := l.tools.SaveTool(ctx, t); err != nil {
				l.catalogFailed(t.ID, err)
			}
		}
		res = &RecordResult{Event: stored, Summary: s.Summary}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ensureCatalogRow gives a tool with history a bare catalog row. It runs
// after the append: the event is already the truth, so a catalog failure
// is logged and the next entry retries it.
func (l *Ledger) ensureCatalogRow(ctx context.Context, id ToolID) {
	if l.tools == nil {
		return
	}
	existing, err := l.tools.GetTool(ctx, id)
	if err != nil {
		l.catalogFailed(id, err)
		return
	}
	if existing != nil {
		return
	}
	if err := l.tools.SaveTool(ctx, Tool{ID: id, CreatedAt: l.now().UTC()}); err != nil {
		l.catalogFailed(id, err)
	}
}

func (l *Ledger) catalogFailed(id ToolID, err error) {
	l.logger.Warn().Err(err).Str("tool_id", string(id)).Msg("catalog write failed after append")
}

