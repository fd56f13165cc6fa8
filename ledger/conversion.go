/*
conversion.go - Provisional (PV) to official (M11) reclassification

PURPOSE:
  Entries are often recorded against a provisional receipt and later get
  their official document. A conversion relabels the entry by appending a
  zero-quantity event that supersedes it; the original entry is never
  edited and the quantity never moves.

ELIGIBILITY (checked in this order):
  1. the source event exists in the tool's history    else ErrEventNotFound
  2. it is an entry whose reference starts with the
     provisional prefix (case-insensitive)           else ErrNotConvertible
  3. no conversion already supersedes it             else ErrAlreadyConverted

RETRIES:
  Conversion IDs are UUIDv5 of (RequestID, source event). A client that
  retries the same request gets ErrDuplicateEvent rather than a second
  conversion.

EXAMPLE:
  entry  e1 ref "pv-2024-07" +10
  ConvertSpecific(e1, "M11-4471")
  -> conversion c1 supersedes e1, NewReference "M11-4471", QteChange 0
  -> EffectiveReference(e1) = "M11-4471", CurrentQty unchanged

SEE ALSO:
  - guard.go: both commands run inside the tool's section
  - query.go: EffectiveReference in the history projection
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// conversionNamespace scopes derived conversion IDs.
var conversionNamespace = uuid.MustParse("6f1c9a52-3f0e-4d8b-9a51-2b7f4c1e8d30")

type ConvertSpecificCmd struct {
	SourceEventID EventID
	NewReference  string
	RequestID     string
	Date          time.Time // defaults to now
	Notes         string
}

type ConvertAllCmd struct {
	NewReference string
	RequestID    string
	Date         time.Time
	Notes        string
}

type ConversionResult struct {
	ConvertedEventIDs []EventID
	Conversions       []Event
	Summary           Summary
}

// IsProvisional reports whether a reference carries the prefix.
func IsProvisional(reference, prefix string) bool {
	if prefix == "" {
		return false
	}
	ref := strings.ToLower(strings.TrimSpace(reference))
	return strings.HasPrefix(ref, strings.ToLower(prefix))
}

// EffectiveReference returns the NewReference of the latest conversion that
// supersedes e, or e.Reference if none does.
func EffectiveReference(e Event, history []Event) string {
	ref := e.Reference
	var seq int64 = -1
	for _, x := range history {
		if x.Kind == KindConversion && x.SupersedesEventID == e.ID && x.Sequence > seq {
			ref = x.NewReference
			seq = x.Sequence
		}
	}
	return ref
}

func isConverted(id EventID, history []Event) bool {
	for _, x := range history {
		if x.Kind == KindConversion && x.SupersedesEventID == id {
			return true
		}
	}
	return false
}

// checkConvertible applies the eligibility rules in order.
func (l *Ledger) checkConvertible(id EventID, history []Event) error {
	src, ok := findEvent(history, id)
	if !ok {
		return &ConversionError{SourceEventID: id, Err: ErrEventNotFound}
	}
	if src.Kind != KindEntry || !IsProvisional(src.Reference, l.provisionalPrefix) {
		return &ConversionError{SourceEventID: id, Err: ErrNotConvertible}
	}
	if isConverted(id, history) {
		return &ConversionError{SourceEventID: id, Err: ErrAlreadyConverted}
	}
	return nil
}

func (l *Ledger) validateNewReference(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", invalidf("new reference is required")
	}
	if IsProvisional(ref, l.provisionalPrefix) {
		return "", invalidf("new reference %q is itself provisional", ref)
	}
	return ref, nil
}

func (l *Ledger) conversionEvent(toolID ToolID, src EventID, newRef, requestID, notes string, date time.Time) Event {
	var id uuid.UUID
	if requestID != "" {
		id = uuid.NewSHA1(conversionNamespace, []byte(requestID+"/"+string(src)))
	} else {
		id = uuid.New()
	}
	if date.IsZero() {
		date = l.now()
	}
	return Event{
		ID:                EventID(id.String()),
		ToolID:            toolID,
		Kind:              KindConversion,
		Date:              NormalizeDate(date),
		SupersedesEventID: src,
		NewReference:      newRef,
		Notes:             notes,
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// ConvertSpecific converts one provisional entry.
func (l *Ledger) ConvertSpecific(ctx context.Context, toolID ToolID, cmd ConvertSpecificCmd) (*ConversionResult, error) {
	newRef, err := l.validateNewReference(cmd.NewReference)
	if err != nil {
		return nil, err
	}

	var res *ConversionResult
	err = l.run(ctx, "convert_specific", toolID, func(ctx context.Context, s *Section) error {
		if !s.Exists {
			return ErrToolNotFound
		}
		if err := l.checkConvertible(cmd.SourceEventID, s.History); err != nil {
			return err
		}
		conv := l.conversionEvent(toolID, cmd.SourceEventID, newRef, cmd.RequestID, cmd.Notes, cmd.Date)
		stored, err := s.Append(ctx, conv)
		if err != nil {
			return err
		}
		res = &ConversionResult{
			ConvertedEventIDs: []EventID{cmd.SourceEventID},
			Conversions:       []Event{stored},
			Summary:           s.Summary,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ConvertAll converts every eligible, unconverted entry of the tool in one
// batch. Nothing eligible is not an error.
func (l *Ledger) ConvertAll(ctx context.Context, toolID ToolID, cmd ConvertAllCmd) (*ConversionResult, error) {
	newRef, err := l.validateNewReference(cmd.NewReference)
	if err != nil {
		return nil, err
	}

	var res *ConversionResult
	err = l.run(ctx, "convert_all", toolID, func(ctx context.Context, s *Section) error {
		if !s.Exists {
			return ErrToolNotFound
		}

		var (
			sources []EventID
			batch   []Event
		)
		for _, e := range s.History {
			if e.Kind != KindEntry || !IsProvisional(e.Reference, l.provisionalPrefix) || isConverted(e.ID, s.History) {
				continue
			}
			sources = append(sources, e.ID)
			batch = append(batch, l.conversionEvent(toolID, e.ID, newRef, cmd.RequestID, cmd.Notes, cmd.Date))
		}

		res = &ConversionResult{ConvertedEventIDs: []EventID{}, Conversions: []Event{}, Summary: s.Summary}
		if len(batch) == 0 {
			return nil
		}

		stored, err := s.AppendBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("convert all for tool %s: %w", toolID, err)
		}
		res.ConvertedEventIDs = sources
		res.Conversions = stored
		res.Summary = s.Summary
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
