/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger's domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; decodeJSONBody runs
  them and reports failures by JSON field name. Business rules (quantity,
  convertibility) stay in the ledger.

DATES:
  Accepted as YYYY-MM-DD or RFC 3339, always returned as RFC 3339 UTC.

SEE ALSO:
  - handlers.go: Uses these types
  - validate.go: decodeJSONBody
*/
package api

import (
	"time"

	"github.com/warp/tool-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateToolRequest creates a tool together with its founding entry.
type CreateToolRequest struct {
	ID          string       `json:"id" validate:"required,max=128"`
	Designation string       `json:"designation" validate:"max=256"`
	Mat         string       `json:"mat" validate:"max=128"`
	Type        string       `json:"type" validate:"max=128"`
	Direction   string       `json:"direction" validate:"max=128"`
	Entry       EntryRequest `json:"entry"`
}

// EntryRequest and ExitRequest may repeat the path tool id as toolId; a
// different value is rejected.
type EntryRequest struct {
	ToolID    string `json:"toolId,omitempty" validate:"max=128"`
	ID        string `json:"id" validate:"required,max=128"`
	Reference string `json:"reference" validate:"required,max=128"`
	QteChange int64  `json:"qteChange" validate:"gt=0,max=1000000000000"`
	Date      string `json:"date" validate:"required,date"`
	Notes     string `json:"notes,omitempty" validate:"max=1024"`
}

type ExitRequest struct {
	ToolID    string `json:"toolId,omitempty" validate:"max=128"`
	ID        string `json:"id" validate:"required,max=128"`
	Reference string `json:"reference" validate:"required,max=128"`
	QteChange int64  `json:"qteChange" validate:"gt=0,max=1000000000000"`
	Date      string `json:"date" validate:"required,date"`
	Reason    string `json:"reason" validate:"required,oneof=consumed lost transferred other"`
	Notes     string `json:"notes,omitempty" validate:"max=1024"`
}

const (
	ConversionModeSpecific = "specific"
	ConversionModeAll      = "all"
)

type ConversionRequest struct {
	ToolID        string `json:"toolId,omitempty" validate:"max=128"`
	Mode          string `json:"mode" validate:"required,oneof=specific all"`
	SourceEventID string `json:"sourceEventId,omitempty" validate:"required_if=Mode specific"`
	NewReference  string `json:"newReference" validate:"required,max=128"`
	RequestID     string `json:"requestId,omitempty" validate:"max=128"`
	Date          string `json:"date,omitempty" validate:"omitempty,date"`
	Notes         string `json:"notes,omitempty" validate:"max=1024"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type SummaryDTO struct {
	ToolID          string `json:"toolId"`
	CurrentQty      int64  `json:"currentQty"`
	OriginalQty     int64  `json:"originalQty"`
	Situation       string `json:"situation"`
	FoundingEventID string `json:"foundingEventId,omitempty"`
	FoundingDate    string `json:"foundingDate,omitempty"`
	TotalEntered    int64  `json:"totalEntered"`
	TotalExited     int64  `json:"totalExited"`
}

type ToolDTO struct {
	ID          string     `json:"id"`
	Designation string     `json:"designation"`
	Mat         string     `json:"mat"`
	Type        string     `json:"type"`
	Direction   string     `json:"direction"`
	CreatedAt   string     `json:"createdAt,omitempty"`
	Summary     SummaryDTO `json:"summary"`
}

type HistoryEntryDTO struct {
	ID                 string `json:"id"`
	Date               string `json:"date"`
	Kind               string `json:"kind"`
	Reference          string `json:"reference,omitempty"`
	EffectiveReference string `json:"effectiveReference,omitempty"`
	QteChange          int64  `json:"qteChange"`
	SupersedesEventID  string `json:"supersedesEventId,omitempty"`
	NewReference       string `json:"newReference,omitempty"`
	Converted          bool   `json:"converted"`
	Reason             string `json:"reason,omitempty"`
	Notes              string `json:"notes,omitempty"`
	Sequence           int64  `json:"sequence"`
	Balance            int64  `json:"balance"`
}

type RecordResultDTO struct {
	EventID string     `json:"eventId"`
	Summary SummaryDTO `json:"summary"`
}

type ConversionResultDTO struct {
	ConvertedEventIDs  []string   `json:"convertedEventIds"`
	ConversionEventIDs []string   `json:"conversionEventIds"`
	Summary            SummaryDTO `json:"summary"`
}

type DeletionResultDTO struct {
	ToolID        string      `json:"toolId"`
	RemovedEvents []string    `json:"removedEvents"`
	Summary       *SummaryDTO `json:"summary,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toSummaryDTO(s ledger.Summary) SummaryDTO {
	return SummaryDTO{
		ToolID:          string(s.ToolID),
		CurrentQty:      s.CurrentQty,
		OriginalQty:     s.OriginalQty,
		Situation:       string(s.Situation),
		FoundingEventID: string(s.FoundingEventID),
		FoundingDate:    formatTime(s.FoundingDate),
		TotalEntered:    s.TotalEntered,
		TotalExited:     s.TotalExited,
	}
}

func toToolDTO(v ledger.ToolView) ToolDTO {
	return ToolDTO{
		ID:          string(v.Tool.ID),
		Designation: v.Tool.Designation,
		Mat:         v.Tool.Mat,
		Type:        v.Tool.Type,
		Direction:   v.Tool.Direction,
		CreatedAt:   formatTime(v.Tool.CreatedAt),
		Summary:     toSummaryDTO(v.Summary),
	}
}

func toHistoryEntryDTO(h ledger.HistoryEntry) HistoryEntryDTO {
	e := h.Event
	return HistoryEntryDTO{
		ID:                 string(e.ID),
		Date:               formatTime(e.Date),
		Kind:               string(e.Kind),
		Reference:          e.Reference,
		EffectiveReference: h.EffectiveReference,
		QteChange:          e.Contribution(),
		SupersedesEventID:  string(e.SupersedesEventID),
		NewReference:       e.NewReference,
		Converted:          h.Converted,
		Reason:             string(e.Reason),
		Notes:              e.Notes,
		Sequence:           e.Sequence,
		Balance:            h.Balance,
	}
}

func eventIDs(ids []ledger.EventID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
