package apperr

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/capsulevault/internal/middleware"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// UnlockAt and RemainingMs are present for policy_not_ready.
	UnlockAt    string `json:"unlock_at,omitempty"`
	RemainingMs int64  `json:"remaining_ms,omitempty"`
}

// NewErrorResponse builds the response body for err.
func NewErrorResponse(err error, production bool) ErrorResponse {
	detail := ErrorDetail{
		Code:    Code(err),
		Message: PublicMessage(err, production),
	}
	if e, ok := As(err); ok && e.Kind == PolicyNotReady {
		if !e.UnlockAt.IsZero() {
			detail.UnlockAt = e.UnlockAt.UTC().Format(time.RFC3339)
		}
		detail.RemainingMs = e.Remaining.Milliseconds()
	}
	return ErrorResponse{Error: detail}
}

// WriteError writes err as a JSON error response and returns the context
// carrying the error code for the logging middleware.
func WriteError(w http.ResponseWriter, ctx context.Context, err error, production bool) context.Context {
	resp := NewErrorResponse(err, production)
	ctx = middleware.SetErrorCode(ctx, resp.Error.Code)

	data, mErr := json.Marshal(resp)
	if mErr != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", mErr)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return ctx
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(HTTPStatus(err))
	if _, wErr := w.Write(data); wErr != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", wErr)
	}
	return ctx
}
