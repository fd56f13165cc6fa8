/*
Package admin implements the administrative override: physical deletion of
a tool or of one of its events.

PURPOSE:
  The ledger never deletes. Data entered by mistake (a tool created twice, a
  receipt keyed against the wrong tool) still has to go, so this package
  provides an explicit escape hatch outside the ledger primitives.

SAFEGUARDS:
  1. Typed confirmation: the caller repeats the ID it is deleting
  2. Runs inside the tool's exclusive section, like any mutation
  3. Logged at WARN with the number of events removed
  4. DeleteEvent refuses to leave a history that folds negative

CASCADE RULES (DeleteEvent):
  founding entry -> refused, delete the tool instead
  entry          -> removed with the conversions that supersede it
  exit           -> removed alone
  conversion     -> removed alone, the entry's reference reverts
*/
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/tool-ledger/ledger"
)

var (
	ErrConfirmationMismatch = errors.New("confirmation does not match")
	ErrFoundingEntry        = errors.New("cannot delete the founding entry, delete the tool instead")
	ErrWouldCorrupt         = errors.New("deletion would leave a negative balance")
)

type Service struct {
	ledger *ledger.Ledger
	purger ledger.Purger
	logger zerolog.Logger
}

func NewService(l *ledger.Ledger, p ledger.Purger, logger zerolog.Logger) *Service {
	return &Service{ledger: l, purger: p, logger: logger}
}

// DeletionResult reports what was physically removed.
type DeletionResult struct {
	ToolID        ledger.ToolID
	RemovedEvents []ledger.EventID
	Summary       *ledger.Summary // nil when the whole tool is gone
}

// DeleteTool removes the tool's catalog row and its entire history. It
// works on a corrupt history too; deleting the tool is the remedy.
func (s *Service) DeleteTool(ctx context.Context, toolID ledger.ToolID, confirm string) (*DeletionResult, error) {
	if confirm != string(toolID) {
		return nil, ErrConfirmationMismatch
	}

	var res *DeletionResult
	err := s.ledger.WithExclusiveHistory(ctx, toolID, func(ctx context.Context, sec *ledger.Section) error {
		if len(sec.History) == 0 {
			return ledger.ErrToolNotFound
		}
		ids := make([]ledger.EventID, len(sec.History))
		for i, e := range sec.History {
			ids[i] = e.ID
		}
		n, err := s.purger.PurgeTool(ctx, toolID)
		if err != nil {
			return fmt.Errorf("purge tool %s: %w", toolID, err)
		}
		s.logger.Warn().
			Str("tool_id", string(toolID)).
			Int("events_removed", n).
			Msg("admin override: tool deleted")
		res = &DeletionResult{ToolID: toolID, RemovedEvents: ids}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteEvent removes one event, cascading from an entry to its conversions.
func (s *Service) DeleteEvent(ctx context.Context, toolID ledger.ToolID, eventID ledger.EventID, confirm string) (*DeletionResult, error) {
	if confirm != string(eventID) {
		return nil, ErrConfirmationMismatch
	}

	var res *DeletionResult
	err := s.ledger.WithExclusiveAccess(ctx, toolID, func(ctx context.Context, sec *ledger.Section) error {
		if !sec.Exists {
			return ledger.ErrToolNotFound
		}
		target, ok := find(sec.History, eventID)
		if !ok {
			return ledger.ErrEventNotFound
		}
		if target.ID == sec.Summary.FoundingEventID {
			return ErrFoundingEntry
		}

		drop := []ledger.EventID{target.ID}
		if target.Kind == ledger.KindEntry {
			for _, e := range sec.History {
				if e.Kind == ledger.KindConversion && e.SupersedesEventID == target.ID {
					drop = append(drop, e.ID)
				}
			}
		}

		remaining := without(sec.History, drop)
		summary, err := ledger.Summarize(remaining)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrWouldCorrupt, err)
		}

		n, err := s.purger.PurgeEvents(ctx, toolID, drop)
		if err != nil {
			return fmt.Errorf("purge events of %s: %w", toolID, err)
		}
		s.logger.Warn().
			Str("tool_id", string(toolID)).
			Str("event_id", string(eventID)).
			Str("kind", string(target.Kind)).
			Int("events_removed", n).
			Msg("admin override: event deleted")

		res = &DeletionResult{ToolID: toolID, RemovedEvents: drop, Summary: &summary}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func find(events []ledger.Event, id ledger.EventID) (ledger.Event, bool) {
	for _, e := range events {
		if e.ID == id {
			return e, true
		}
	}
	return ledger.Event{}, false
}

func without(events []ledger.Event, ids []ledger.EventID) []ledger.Event {
	drop := make(map[ledger.EventID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := make([]ledger.Event, 0, len(events))
	for _, e := range events {
		if !drop[e.ID] {
			out = append(out, e)
		}
	}
	return out
}
