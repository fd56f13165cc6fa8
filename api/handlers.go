/*
handlers.go - HTTP API handlers for the tool ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response and JSON
  serialization, and delegates every rule to the ledger.

ENDPOINTS:
  Tools:
    GET    /api/tools                      Inventory table (tool + summary)
    POST   /api/tools                      Create tool with founding entry
    GET    /api/tools/{id}                 Tool with summary
    GET    /api/tools/{id}/summary         Derived state
    GET    /api/tools/{id}/history         Events with effective reference

  Mutations:
    POST   /api/tools/{id}/entries         Record an acquisition
    POST   /api/tools/{id}/exits           Record a removal
    POST   /api/tools/{id}/conversions     PV -> M11 (specific or all)

  Admin:
    DELETE /api/admin/tools/{id}                  X-Confirm: <tool id>
    DELETE /api/admin/tools/{id}/events/{eventId} X-Confirm: <event id>

  Scenarios:
    GET    /api/scenarios                  List demo scenarios
    POST   /api/scenarios/load             Load a demo scenario

REQUEST FLOW:
  1. Decode and validate the body (validate.go)
  2. Call the ledger
  3. Serialize the DTO, or map the error (errors.go)

ERROR HANDLING:
  - 400: Validation errors, invalid input, confirmation mismatch
  - 404: Tool or event not found
  - 409: Duplicate event, already converted, tool exists
  - 422: Insufficient quantity, not convertible, predates founding
  - 503: Tool busy, retry
  - 500: Corrupt ledger, internal errors

SECURITY NOTE:
  No authentication. The admin routes rely on the typed confirmation only.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/tool-ledger/admin"
	"github.com/warp/tool-ledger/ledger"
)

// ConfirmHeader carries the typed confirmation for admin deletions.
const ConfirmHeader = "X-Confirm"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears a backend. Only the scenario loader uses it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Ledger
	Admin  *admin.Service
	Store  Resetter // nil disables scenario loading
	Logger zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(l *ledger.Ledger, adm *admin.Service, store Resetter, logger zerolog.Logger) *Handler {
	return &Handler{Ledger: l, Admin: adm, Store: store, Logger: logger}
}

func toolID(r *http.Request) ledger.ToolID {
	return ledger.ToolID(chi.URLParam(r, "id"))
}

// =============================================================================
// TOOL HANDLERS
// =============================================================================

// ListTools returns the inventory table.
func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	views, err := h.Ledger.ListTools(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]ToolDTO, len(views))
	for i, v := range views {
		dtos[i] = toToolDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTool returns one tool with its summary.
func (h *Handler) GetTool(w http.ResponseWriter, r *http.Request) {
	view, err := h.Ledger.GetTool(r.Context(), toolID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toToolDTO(*view))
}

// CreateTool saves the catalog attributes and the founding entry.
func (h *Handler) CreateTool(w http.ResponseWriter, r *http.Request) {
	var req CreateToolRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id := ledger.ToolID(strings.TrimSpace(req.ID))
	if err := matchToolID(req.Entry.ToolID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := req.Entry.toEntryData()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	tool := ledger.Tool{
		ID:          id,
		Designation: req.Designation,
		Mat:         req.Mat,
		Type:        req.Type,
		Direction:   req.Direction,
	}
	res, err := h.Ledger.CreateTool(r.Context(), tool, entry)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, RecordResultDTO{
		EventID: string(res.Event.ID),
		Summary: toSummaryDTO(res.Summary),
	})
}

// GetSummary returns the derived state of a tool.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Ledger.GetSummary(r.Context(), toolID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// GetHistory returns every event of a tool in (date, sequence) order.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Ledger.GetHistory(r.Context(), toolID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]HistoryEntryDTO, len(history))
	for i, e := range history {
		dtos[i] = toHistoryEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MUTATION HANDLERS
// =============================================================================

// RecordEntry appends an acquisition.
func (h *Handler) RecordEntry(w http.ResponseWriter, r *http.Request) {
	var req EntryRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := matchToolID(req.ToolID, toolID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := req.toEntryData()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.Ledger.RecordEntry(r.Context(), toolID(r), data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordResultDTO{
		EventID: string(res.Event.ID),
		Summary: toSummaryDTO(res.Summary),
	})
}

// RecordExit appends a removal.
func (h *Handler) RecordExit(w http.ResponseWriter, r *http.Request) {
	var req ExitRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := matchToolID(req.ToolID, toolID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.writeError(w, r, &RequestError{Message: "validation failed", Details: map[string]string{"date": err.Error()}})
		return
	}

	res, err := h.Ledger.RecordExit(r.Context(), toolID(r), ledger.ExitData{
		ID:        ledger.EventID(req.ID),
		Reference: req.Reference,
		QteChange: req.QteChange,
		Date:      date,
		Reason:    ledger.ExitReason(req.Reason),
		Notes:     req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordResultDTO{
		EventID: string(res.Event.ID),
		Summary: toSummaryDTO(res.Summary),
	})
}

// Convert relabels provisional entries, one or all.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := matchToolID(req.ToolID, toolID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}

	var date time.Time
	if req.Date != "" {
		d, err := parseDate(req.Date)
		if err != nil {
			h.writeError(w, r, &RequestError{Message: "validation failed", Details: map[string]string{"date": err.Error()}})
			return
		}
		date = d
	}

	var (
		res *ledger.ConversionResult
		err error
	)
	switch req.Mode {
	case ConversionModeSpecific:
		res, err = h.Ledger.ConvertSpecific(r.Context(), toolID(r), ledger.ConvertSpecificCmd{
			SourceEventID: ledger.EventID(req.SourceEventID),
			NewReference:  req.NewReference,
			RequestID:     req.RequestID,
			Date:          date,
			Notes:         req.Notes,
		})
	default:
		res, err = h.Ledger.ConvertAll(r.Context(), toolID(r), ledger.ConvertAllCmd{
			NewReference: req.NewReference,
			RequestID:    req.RequestID,
			Date:         date,
			Notes:        req.Notes,
		})
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	conversionIDs := make([]string, len(res.Conversions))
	for i, c := range res.Conversions {
		conversionIDs[i] = string(c.ID)
	}
	writeJSON(w, http.StatusCreated, ConversionResultDTO{
		ConvertedEventIDs:  eventIDs(res.ConvertedEventIDs),
		ConversionEventIDs: conversionIDs,
		Summary:            toSummaryDTO(res.Summary),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// DeleteTool physically removes a tool. Requires X-Confirm: <tool id>.
func (h *Handler) DeleteTool(w http.ResponseWriter, r *http.Request) {
	res, err := h.Admin.DeleteTool(r.Context(), toolID(r), r.Header.Get(ConfirmHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeletionResultDTO(res))
}

// DeleteEvent physically removes one event. Requires X-Confirm: <event id>.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := ledger.EventID(chi.URLParam(r, "eventId"))
	res, err := h.Admin.DeleteEvent(r.Context(), toolID(r), eventID, r.Header.Get(ConfirmHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeletionResultDTO(res))
}

func toDeletionResultDTO(res *admin.DeletionResult) DeletionResultDTO {
	dto := DeletionResultDTO{
		ToolID:        string(res.ToolID),
		RemovedEvents: eventIDs(res.RemovedEvents),
	}
	if res.Summary != nil {
		s := toSummaryDTO(*res.Summary)
		dto.Summary = &s
	}
	return dto
}

// =============================================================================
// HELPERS
// =============================================================================

// matchToolID accepts an omitted body toolId or one equal to the target tool.
func matchToolID(body string, target ledger.ToolID) error {
	body = strings.TrimSpace(body)
	if body == "" || ledger.ToolID(body) == target {
		return nil
	}
	return &RequestError{
		Message: "validation failed",
		Details: map[string]string{"toolId": fmt.Sprintf("does not match tool %s", target)},
	}
}

func (req EntryRequest) toEntryData() (ledger.EntryData, error) {
	date, err := parseDate(req.Date)
	if err != nil {
		return ledger.EntryData{}, &RequestError{Message: "validation failed", Details: map[string]string{"date": err.Error()}}
	}
	return ledger.EntryData{
		ID:        ledger.EventID(req.ID),
		Reference: req.Reference,
		QteChange: req.QteChange,
		Date:      date,
		Notes:     req.Notes,
	}, nil
}
