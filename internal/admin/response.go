// Package admin implements the operator HTTP surface: triggering a compile
// run, inspecting and replaying dead letters, requeueing failed reminders,
// and a metrics snapshot. It is an internal tool behind a static API key,
// not a tenant-facing API.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"duespark/internal/types"
)

// apiResponse is the envelope for successful responses.
type apiResponse struct {
	Data any `json:"data,omitempty"`
}

// apiErrorResponse is the envelope for error responses.
type apiErrorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError inspects the error chain: AppErrors map to their HTTP status
// and structured body; anything else becomes an opaque 500 so internal
// details never leak.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.HTTPStatus(), apiErrorResponse{
			Error: errorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: requestID,
			},
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, apiErrorResponse{
		Error: errorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		},
	})
}
