/*
aggregate.go - Folding a history into derived state

PURPOSE:
  Quantity and situation are never stored. Summarize folds a history in
  (date, sequence) order and is the only legitimate source of CurrentQty and
  Situation; no other component keeps a running counter.

FOLD RULES:
  entry      +QteChange   (the first entry is the founding entry: OriginalQty)
  exit       -QteChange
  conversion +0

  Every prefix must stay >= 0. A negative prefix means an exit reached the
  log without validation, so the fold fails with CorruptLedgerError instead
  of clamping. Entries whose total would pass math.MaxInt64 fail the same
  way; commands refuse them before they reach the log.

BACK-DATED EXITS:
  Available answers "how much can an exit dated X remove?". An exit lands
  after every event sharing or preceding its date, and lowers every later
  prefix by its quantity, so the answer is the minimum running balance from
  the insertion point onward. For an exit dated today that is CurrentQty.

EXAMPLE:
  day 1 entry +10, day 3 exit -7
  Available(day 2) = min(10, 3) = 3   -> a day-2 exit of 5 is refused
  Available(day 4) = 3

SEE ALSO:
  - guard.go: validates exits with Available before appending
  - query.go: exposes Summarize and Balances
*/
package ledger

import (
	"math"
	"time"
)

// Summarize folds a history into its summary.
func Summarize(events []Event) (Summary, error) {
	if len(events) == 0 {
		return Summary{}, ErrToolNotFound
	}
	ordered := sortedCopy(events)

	s := Summary{ToolID: ordered[0].ToolID}
	var balance int64
	founded := false

	for _, e := range ordered {
		switch e.Kind {
		case KindEntry:
			if !founded {
				s.OriginalQty = e.QteChange
				s.FoundingEventID = e.ID
				s.FoundingDate = e.Date
				founded = true
			}
			if s.TotalEntered > math.MaxInt64-e.QteChange {
				return Summary{}, &CorruptLedgerError{ToolID: e.ToolID, EventID: e.ID, Balance: balance, Overflow: true}
			}
			s.TotalEntered += e.QteChange
		case KindExit:
			s.TotalExited += e.QteChange
		}

		balance += e.Contribution()
		if balance < 0 {
			return Summary{}, &CorruptLedgerError{ToolID: e.ToolID, EventID: e.ID, Balance: balance}
		}
	}

	// Exits without an entry already went negative above; conversions alone
	// have nothing to relabel.
	if !founded {
		return Summary{}, &CorruptLedgerError{ToolID: s.ToolID, EventID: ordered[0].ID}
	}

	s.CurrentQty = balance
	s.Situation = SituationOf(s.CurrentQty, s.OriginalQty)
	return s, nil
}

// Balances returns the running quantity after each event, in (date, sequence) order.
func Balances(events []Event) []int64 {
	ordered := sortedCopy(events)
	out := make([]int64, len(ordered))
	var balance int64
	for i, e := range ordered {
		balance += e.Contribution()
		out[i] = balance
	}
	return out
}

// Available returns the largest quantity an exit dated at can remove
// without driving any prefix negative.
func Available(events []Event, at time.Time) int64 {
	ordered := sortedCopy(events)
	at = NormalizeDate(at)

	var balance int64
	avail := int64(0)
	inserted := false

	for _, e := range ordered {
		if !inserted && e.Date.After(at) {
			avail = balance
			inserted = true
		}
		balance += e.Contribution()
		if inserted && balance < avail {
			avail = balance
		}
	}
	if !inserted {
		avail = balance
	}
	if avail < 0 {
		return 0
	}
	return avail
}

func sortedCopy(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	SortEvents(out)
	return out
}
