/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built inventories that exercise the ledger's rules through
  its public commands, so the UI can be shown against realistic data.

AVAILABLE SCENARIOS:
  fresh-receipt:   One tool, founding PV entry of 10 (available)
  partial-use:     Same tool after consuming 3 (partial)
  depleted:        Same tool emptied, a further exit refused (unavailable)
  converted:       Founding PV entry converted to M11, quantity unchanged
  duplicate-entry: The same receipt submitted twice concurrently, one kept
  workshop:        Several tools, back-dated exits, a bulk conversion

HOW SCENARIOS WORK:
  1. Reset the backend (clear all data)
  2. Create tools with their founding entries
  3. Record exits and conversions through the ledger, so every rule applies

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "converted"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/warp/tool-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-receipt",
		Name:        "Fresh Receipt",
		Description: "One tool received on a provisional PV receipt, untouched",
	},
	{
		ID:          "partial-use",
		Name:        "Partial Use",
		Description: "Three units consumed out of ten, tool is partial",
	},
	{
		ID:          "depleted",
		Name:        "Depleted",
		Description: "All units gone; a further exit is refused",
	},
	{
		ID:          "converted",
		Name:        "PV Converted",
		Description: "Founding PV receipt converted to M11, quantity unchanged",
	},
	{
		ID:          "duplicate-entry",
		Name:        "Duplicate Entry",
		Description: "The same receipt submitted twice at once, only one lands",
	},
	{
		ID:          "workshop",
		Name:        "Workshop Inventory",
		Description: "Several tools with back-dated exits and a bulk conversion",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"fresh-receipt":   (*Handler).loadFreshReceiptScenario,
	"partial-use":     (*Handler).loadPartialUseScenario,
	"depleted":        (*Handler).loadDepletedScenario,
	"converted":       (*Handler).loadConvertedScenario,
	"duplicate-entry": (*Handler).loadDuplicateEntryScenario,
	"workshop":        (*Handler).loadWorkshopScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the backend and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		h.writeError(w, r, &RequestError{
			Message: "unknown scenario",
			Details: map[string]string{"scenario_id": req.ScenarioID},
		})
		return
	}
	if h.Store == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{
			Error: "scenario loading is disabled for this backend",
			Code:  CodeInternal,
		})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeError(w, r, fmt.Errorf("reset: %w", err))
		return
	}
	if err := load(h, ctx); err != nil {
		h.writeError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

// =============================================================================
// LOADERS
// =============================================================================

var scenarioDay1 = time.Date(2024, time.January, 8, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return scenarioDay1.AddDate(0, 0, n-1)
}

const scenarioTool = ledger.ToolID("T-0001")

func (h *Handler) loadFreshReceiptScenario(ctx context.Context) error {
	_, err := h.Ledger.CreateTool(ctx, ledger.Tool{
		ID:          scenarioTool,
		Designation: "Torque wrench 40-200 Nm",
		Mat:         "MAT-0001",
		Type:        "hand tool",
		Direction:   "maintenance",
	}, ledger.EntryData{
		ID:        "T-0001-e1",
		Reference: "pv-2024-01",
		QteChange: 10,
		Date:      day(1),
	})
	return err
}

func (h *Handler) loadPartialUseScenario(ctx context.Context) error {
	if err := h.loadFreshReceiptScenario(ctx); err != nil {
		return err
	}
	_, err := h.Ledger.RecordExit(ctx, scenarioTool, ledger.ExitData{
		ID:        "T-0001-x1",
		Reference: "BS-2024-014",
		QteChange: 3,
		Date:      day(2),
		Reason:    ledger.ReasonConsumed,
	})
	return err
}

func (h *Handler) loadDepletedScenario(ctx context.Context) error {
	if err := h.loadPartialUseScenario(ctx); err != nil {
		return err
	}
	if _, err := h.Ledger.RecordExit(ctx, scenarioTool, ledger.ExitData{
		ID:        "T-0001-x2",
		Reference: "BS-2024-019",
		QteChange: 7,
		Date:      day(3),
		Reason:    ledger.ReasonTransferred,
	}); err != nil {
		return err
	}

	// Shown in the log as a refused request; the ledger must not move
	_, err := h.Ledger.RecordExit(ctx, scenarioTool, ledger.ExitData{
		ID:        "T-0001-x3",
		Reference: "BS-2024-021",
		QteChange: 1,
		Date:      day(4),
	})
	if !errors.Is(err, ledger.ErrInsufficientQuantity) {
		return fmt.Errorf("expected insufficient quantity, got %v", err)
	}
	return nil
}

func (h *Handler) loadConvertedScenario(ctx context.Context) error {
	if err := h.loadFreshReceiptScenario(ctx); err != nil {
		return err
	}
	_, err := h.Ledger.ConvertSpecific(ctx, scenarioTool, ledger.ConvertSpecificCmd{
		SourceEventID: "T-0001-e1",
		NewReference:  "M11-0007",
		RequestID:     "scenario-converted",
		Date:          day(5),
	})
	return err
}

func (h *Handler) loadDuplicateEntryScenario(ctx context.Context) error {
	if err := h.loadFreshReceiptScenario(ctx); err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.Ledger.RecordEntry(ctx, scenarioTool, ledger.EntryData{
				ID:        ledger.EventID(fmt.Sprintf("T-0001-e2-%d", i)),
				Reference: "pv-2024-02",
				QteChange: 5,
				Date:      day(2),
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ledger.ErrDuplicateEvent):
			return err
		}
	}
	if ok != 1 {
		return fmt.Errorf("expected exactly one of the duplicate entries to land, got %d", ok)
	}
	return nil
}

func (h *Handler) loadWorkshopScenario(ctx context.Context) error {
	tools := []struct {
		tool  ledger.Tool
		entry ledger.EntryData
	}{
		{
			ledger.Tool{ID: "W-DRILL", Designation: "Cordless drill 18V", Mat: "MAT-0102", Type: "power tool", Direction: "production"},
			ledger.EntryData{ID: "W-DRILL-e1", Reference: "pv-2024-03", QteChange: 4, Date: day(1)},
		},
		{
			ledger.Tool{ID: "W-GLOVES", Designation: "Nitrile gloves (box)", Mat: "MAT-0410", Type: "consumable", Direction: "production"},
			ledger.EntryData{ID: "W-GLOVES-e1", Reference: "pv-2024-04", QteChange: 50, Date: day(1)},
		},
		{
			ledger.Tool{ID: "W-CALIPER", Designation: "Digital caliper 150mm", Mat: "MAT-0220", Type: "measuring", Direction: "quality"},
			ledger.EntryData{ID: "W-CALIPER-e1", Reference: "M11-0031", QteChange: 2, Date: day(2)},
		},
	}
	for _, t := range tools {
		if _, err := h.Ledger.CreateTool(ctx, t.tool, t.entry); err != nil {
			return err
		}
	}

	// Second glove delivery, also provisional
	if _, err := h.Ledger.RecordEntry(ctx, "W-GLOVES", ledger.EntryData{
		ID: "W-GLOVES-e2", Reference: "pv-2024-09", QteChange: 50, Date: day(10),
	}); err != nil {
		return err
	}

	exits := []struct {
		tool ledger.ToolID
		data ledger.ExitData
	}{
		{"W-GLOVES", ledger.ExitData{ID: "W-GLOVES-x1", Reference: "BS-2024-101", QteChange: 30, Date: day(12), Reason: ledger.ReasonConsumed}},
		// Paper record keyed in late, dated before the one above
		{"W-GLOVES", ledger.ExitData{ID: "W-GLOVES-x2", Reference: "BS-2024-097", QteChange: 20, Date: day(6), Reason: ledger.ReasonConsumed}},
		{"W-DRILL", ledger.ExitData{ID: "W-DRILL-x1", Reference: "LOSS-2024-3", QteChange: 1, Date: day(8), Reason: ledger.ReasonLost}},
	}
	for _, x := range exits {
		if _, err := h.Ledger.RecordExit(ctx, x.tool, x.data); err != nil {
			return err
		}
	}

	_, err := h.Ledger.ConvertAll(ctx, "W-GLOVES", ledger.ConvertAllCmd{
		NewReference: "M11-0044",
		RequestID:    "scenario-workshop",
		Date:         day(15),
	})
	return err
}
