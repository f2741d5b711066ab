package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"autotrade/internal/model"
	"autotrade/internal/recommender"
)

// errorBody is the JSON shape of every error response. Order is set when
// the operation persisted a state the caller should see (a rejection, or an
// order that was already terminal).
type errorBody struct {
	Error  string       `json:"error"`
	Code   string       `json:"code"`
	Field  string       `json:"field,omitempty"`
	Reason model.Reason `json:"reason,omitempty"`
	Order  *model.Order `json:"order,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

// statusFor maps an engine error onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var (
		verr *model.ValidationError
		rerr *model.RejectionError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.As(err, &rerr):
		return http.StatusUnprocessableEntity, "REJECTED"
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrPortfolioNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, model.ErrAlreadyTerminal):
		return http.StatusConflict, "ALREADY_TERMINAL"
	case errors.Is(err, model.ErrPortfolioExists), errors.Is(err, model.ErrVersionConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrInsufficientShares):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"
	case errors.Is(err, recommender.ErrNoSignal):
		return http.StatusUnprocessableEntity, "NO_SIGNAL"
	case model.IsTransient(err):
		return http.StatusServiceUnavailable, "FEED_UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// writeError renders err. o is the order state to return alongside it, if
// any.
func writeError(w http.ResponseWriter, r *http.Request, err error, o *model.Order) {
	status, code := statusFor(err)
	body := errorBody{Error: err.Error(), Code: code, Order: o}

	var (
		verr *model.ValidationError
		rerr *model.RejectionError
	)
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if errors.As(err, &rerr) {
		body.Reason = rerr.Reason
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Invalid("body", "%v", err)
	}
	return nil
}
