package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
)

// StatusFor maps a service error onto its HTTP status.
func StatusFor(err error) int {
	var (
		ve *model.ValidationError
		ue *model.UpstreamQueryError
		ce *model.KeyConflictError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.Is(err, model.ErrComputationTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &ue):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, model.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		// StorageError and anything unclassified
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError logs err and writes a JSON error body. 5xx bodies carry a
// generic message; the detail stays in the log.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, reqID string, err error) {
	code := StatusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", code, "err", err)
		msg = http.StatusText(code)
	} else {
		log.InfoContext(r.Context(), "request rejected", "path", r.URL.Path, "status", code, "err", err)
	}
	writeJSON(w, code, errorBody{Error: msg, RequestID: reqID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
