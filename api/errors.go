package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/warp/tool-ledger/admin"
	"github.com/warp/tool-ledger/ledger"
	"github.com/warp/tool-ledger/logger"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeDuplicate       = "DUPLICATE_EVENT"
	CodeAlreadyConvert  = "ALREADY_CONVERTED"
	CodeToolExists      = "TOOL_EXISTS"
	CodeInsufficient    = "INSUFFICIENT_QUANTITY"
	CodeNotConvertible  = "NOT_CONVERTIBLE"
	CodePredates        = "PREDATES_FOUNDING"
	CodeConfirmMismatch = "CONFIRMATION_MISMATCH"
	CodeFoundingEntry   = "FOUNDING_ENTRY"
	CodeWouldCorrupt    = "WOULD_CORRUPT"
	CodeBusy            = "TOOL_BUSY"
	CodeCorrupt         = "CORRUPT_LEDGER"
	CodeInternal        = "INTERNAL_ERROR"
)

// classify maps an error to its HTTP status and code. Order matters:
// structured errors wrap their sentinel.
func classify(err error) (int, string) {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, ledger.ErrInvalidEvent):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, admin.ErrConfirmationMismatch):
		return http.StatusBadRequest, CodeConfirmMismatch
	case ledger.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ledger.ErrDuplicateEvent):
		return http.StatusConflict, CodeDuplicate
	case errors.Is(err, ledger.ErrAlreadyConverted):
		return http.StatusConflict, CodeAlreadyConvert
	case errors.Is(err, ledger.ErrToolExists):
		return http.StatusConflict, CodeToolExists
	case errors.Is(err, ledger.ErrInsufficientQuantity):
		return http.StatusUnprocessableEntity, CodeInsufficient
	case errors.Is(err, ledger.ErrNotConvertible):
		return http.StatusUnprocessableEntity, CodeNotConvertible
	case errors.Is(err, ledger.ErrPredatesFounding):
		return http.StatusUnprocessableEntity, CodePredates
	case errors.Is(err, admin.ErrFoundingEntry):
		return http.StatusUnprocessableEntity, CodeFoundingEntry
	case errors.Is(err, admin.ErrWouldCorrupt):
		return http.StatusUnprocessableEntity, CodeWouldCorrupt
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable, CodeBusy
	case ledger.IsConsistencyError(err):
		return http.StatusInternalServerError, CodeCorrupt
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// errorDetails exposes the structured fields a form needs.
func errorDetails(err error) any {
	var (
		reqErr  *RequestError
		insErr  *ledger.InsufficientQuantityError
		dupErr  *ledger.DuplicateEventError
		convErr *ledger.ConversionError
	)
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Details
	case errors.As(err, &insErr):
		return map[string]any{"available": insErr.Available, "requested": insErr.Requested}
	case errors.As(err, &dupErr):
		return map[string]any{"eventId": dupErr.EventID, "existingId": dupErr.ExistingID, "byDocument": dupErr.ByDocument}
	case errors.As(err, &convErr):
		return map[string]any{"sourceEventId": convErr.SourceEventID}
	}
	return nil
}

// writeError renders err as an ErrorResponse. 5xx are logged at ERROR with
// the request-scoped logger.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	resp := ErrorResponse{Error: err.Error(), Code: code, Details: errorDetails(err)}
	if status >= http.StatusInternalServerError {
		l := logger.FromContext(r.Context(), h.Logger)
		l.Error().Err(err).Str("code", code).Str("path", r.URL.Path).Msg("request failed")
		if code == CodeInternal {
			resp.Error = "internal error"
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
