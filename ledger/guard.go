/*
guard.go - Per-tool mutual exclusion for state-changing operations

PURPOSE:
  "Read current state, validate, append" must be atomic per tool, otherwise
  two exits can both pass validation against the same stale quantity. The
  guard serializes writers of one tool while leaving every other tool free.

HOW IT WORKS:
  1. Acquire the tool's exclusive section through a Locker
  2. Load the history and summarize it (a corrupt ledger stops here)
  3. Run fn with a Section; only the Section may append
  4. Close the Section and release the lock on every exit path

LOCKERS:
  LocalLocker:  in-process, one slot per tool key, honours ctx while waiting
  ChainLocker:  composes lockers (local first, then a distributed one)
  lock/redislock: Redis-backed, for several API instances on one database

READS:
  GetSummary and GetHistory never take the guard. They see whatever has
  been appended when they run.

SEE ALSO:
  - ledger.go: RecordEntry, RecordExit, CreateTool
  - conversion.go: ConvertSpecific, ConvertAll
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// LOCKER
// =============================================================================

// Locker hands out exclusive sections keyed by string.
// The returned unlock func must be safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func toolLockKey(id ToolID) string {
	return "tool:" + string(id)
}

// LocalLocker is a keyed mutex. A slot lives only while someone holds or
// waits for it.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, fmt.Errorf("%w: %w", ErrGuardBusy, ctx.Err())
	}
}

func (l *LocalLocker) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// held returns the number of live slots. Tests only.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

type chainLocker []Locker

// ChainLocker acquires every locker in order and releases them in reverse.
func ChainLocker(lockers ...Locker) Locker {
	return chainLocker(lockers)
}

func (c chainLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, lk := range c {
		unlock, err := lk.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// =============================================================================
// SECTION - What a guarded function may see and do
// =============================================================================

// Section is handed to the function run under WithExclusiveAccess.
// History and Summary are fresh as of lock acquisition and are kept current
// by Append. Exists is false when the tool has no history yet.
type Section struct {
	ToolID  ToolID
	History []Event
	Summary Summary
	Exists  bool

	log    *EventLog
	now    func() time.Time
	closed bool
}

// Append persists one event for the section's tool.
func (s *Section) Append(ctx context.Context, e Event) (Event, error) {
	stored, err := s.AppendBatch(ctx, []Event{e})
	if err != nil {
		return Event{}, err
	}
	return stored[0], nil
}

// AppendBatch persists events atomically for the section's tool.
func (s *Section) AppendBatch(ctx context.Context, events []Event) ([]Event, error) {
	if s.closed {
		return nil, ErrSectionClosed
	}
	prepared := make([]Event, len(events))
	for i, e := range events {
		if e.ToolID == "" {
			e.ToolID = s.ToolID
		}
		if e.ToolID != s.ToolID {
			return nil, invalidf("event %s belongs to tool %s, section holds %s", e.ID, e.ToolID, s.ToolID)
		}
		if e.RecordedAt.IsZero() {
			e.RecordedAt = s.now().UTC()
		}
		prepared[i] = e
	}

	// Fold the candidate history first so a rejected batch never reaches the log
	candidate := withPending(s.History, prepared)
	summary, err := Summarize(candidate)
	if err != nil {
		return nil, err
	}

	var stored []Event
	if len(prepared) == 1 {
		var one Event
		one, err = s.log.Append(ctx, prepared[0])
		stored = []Event{one}
	} else {
		stored, err = s.log.AppendBatch(ctx, prepared)
	}
	if err != nil {
		return nil, err
	}

	s.History = append(s.History, stored...)
	SortEvents(s.History)
	s.Summary = summary
	s.Exists = true
	return stored, nil
}

// withPending returns history plus events not yet stored, numbered after
// the highest sequence so they fold where the store will place them.
func withPending(history, pending []Event) []Event {
	var last int64
	for _, e := range history {
		if e.Sequence > last {
			last = e.Sequence
		}
	}
	out := make([]Event, 0, len(history)+len(pending))
	out = append(out, history...)
	for i, e := range pending {
		e.Sequence = last + int64(i) + 1
		out = append(out, e)
	}
	return out
}

// =============================================================================
// WITH EXCLUSIVE ACCESS
// =============================================================================

// WithExclusiveAccess runs fn while holding the tool's exclusive section.
func (l *Ledger) WithExclusiveAccess(ctx context.Context, toolID ToolID, fn func(ctx context.Context, s *Section) error) error {
	return l.exclusive(ctx, toolID, true, fn)
}

// WithExclusiveHistory is WithExclusiveAccess without the fold check: fn
// runs even when the history is corrupt, with a zero Summary. Repair paths
// only.
func (l *Ledger) WithExclusiveHistory(ctx context.Context, toolID ToolID, fn func(ctx context.Context, s *Section) error) error {
	return l.exclusive(ctx, toolID, false, fn)
}

func (l *Ledger) exclusive(ctx context.Context, toolID ToolID, requireFold bool, fn func(ctx context.Context, s *Section) error) error {
	if toolID == "" {
		return invalidf("tool id is required")
	}

	lockCtx := ctx
	if l.lockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, l.lockWait)
		defer cancel()
	}

	waitStart := time.Now()
	unlock, err := l.locker.Lock(lockCtx, toolLockKey(toolID))
	l.observer.ObserveGuardWait(time.Since(waitStart))
	if err != nil {
		return err
	}
	defer unlock()

	history, err := l.log.History(ctx, toolID)
	if err != nil {
		return err
	}

	section := &Section{ToolID: toolID, History: history, log: l.log, now: l.now}
	defer func() { section.closed = true }()

	if len(history) > 0 {
		section.Exists = true
		summary, err := Summarize(history)
		switch {
		case err == nil:
			section.Summary = summary
		case requireFold:
			l.logger.Error().Err(err).Str("tool_id", string(toolID)).Msg("ledger fold failed, refusing mutation")
			return err
		}
	}

	return fn(ctx, section)
}
