/*
query.go - Read-only projections

PURPOSE:
  Everything the UI shows is computed here from the event log on every call.
  Queries never take the guard and never write; calling them twice with no
  write in between returns the same answer.

PROJECTIONS:
  GetSummary:  folded state of one tool
  GetHistory:  every event with its effective reference and running balance
  GetTool:     catalog attributes joined with the summary
  ListTools:   the inventory table

SEE ALSO:
  - aggregate.go: Summarize, Balances
  - conversion.go: EffectiveReference
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

func (l *Ledger) GetSummary(ctx context.Context, toolID ToolID) (Summary, error) {
	history, err := l.log.History(ctx, toolID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(history)
}

// GetHistory returns the tool's events in (date, sequence) order.
func (l *Ledger) GetHistory(ctx context.Context, toolID ToolID) ([]HistoryEntry, error) {
	history, err := l.log.History(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrToolNotFound
	}

	balances := Balances(history)
	out := make([]HistoryEntry, len(history))
	for i, e := range history {
		out[i] = HistoryEntry{
			Event:              e,
			EffectiveReference: EffectiveReference(e, history),
			Converted:          e.Kind == KindEntry && isConverted(e.ID, history),
			Balance:            balances[i],
		}
	}
	return out, nil
}

func (l *Ledger) GetTool(ctx context.Context, toolID ToolID) (*ToolView, error) {
	summary, err := l.GetSummary(ctx, toolID)
	if err != nil {
		return nil, err
	}
	view := &ToolView{Tool: Tool{ID: toolID}, Summary: summary}
	if l.tools == nil {
		return view, nil
	}
	t, err := l.tools.GetTool(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("get tool %s: %w", toolID, err)
	}
	if t != nil {
		view.Tool = *t
	}
	return view, nil
}

// ListTools returns every catalogued tool that has history, ordered by ID.
// A tool whose ledger cannot be folded is still listed, with a zero summary,
// so the inventory table stays usable; GetSummary reports the error.
func (l *Ledger) ListTools(ctx context.Context) ([]ToolView, error) {
	if l.tools == nil {
		return []ToolView{}, nil
	}
	tools, err := l.tools.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	views := make([]ToolView, 0, len(tools))
	for _, t := range tools {
		summary, err := l.GetSummary(ctx, t.ID)
		switch {
		case errors.Is(err, ErrToolNotFound):
			continue
		case IsConsistencyError(err):
			l.logger.Error().Err(err).Str("tool_id", string(t.ID)).Msg("listing tool with corrupt ledger")
			summary = Summary{ToolID: t.ID}
		case err != nil:
			return nil, err
		}
		views = append(views, ToolView{Tool: t, Summary: summary})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Tool.ID < views[j].Tool.ID })
	return views, nil
}
