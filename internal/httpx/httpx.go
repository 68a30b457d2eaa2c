// Package httpx carries the HTTP middleware and response helpers shared by
// the ingress and query binaries: method guarding, request logging,
// deadline propagation and JSON envelope helpers.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridtrace/dwelltrack/internal/model"
)

// Method enforces a single HTTP method for a handler.
func Method(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			WriteError(w, model.Coded(model.ErrInvalidPayload, "method not allowed", nil))
			return
		}
		next(w, r)
	}
}

// WithLogging logs method/path/status/duration for every request.
func WithLogging(lg *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rl := &respLogger{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rl, r)
		lg.Info("http",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rl.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

// WithDeadline bounds every request's context to deadline, matching the
// default operation deadline every externally triggered call carries.
// Handlers that exceed it should check ctx.Err() via their store calls;
// this middleware itself only attaches the deadline.
func WithDeadline(deadline time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), deadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type respLogger struct {
	http.ResponseWriter
	status int
}

func (rl *respLogger) WriteHeader(code int) {
	rl.status = code
	rl.ResponseWriter.WriteHeader(code)
}

// WriteJSON writes v as a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code    model.ErrorCode `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// StatusForCode maps the taxonomy in model.ErrorCode to an HTTP status.
func StatusForCode(code model.ErrorCode) int {
	switch code {
	case model.ErrInvalidPayload, model.ErrInvalidSpan, model.ErrOutOfOrder:
		return http.StatusBadRequest
	case model.ErrConflict:
		return http.StatusConflict
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrTimeout:
		return http.StatusGatewayTimeout
	case model.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err as the standard JSON error envelope, deriving the
// HTTP status from its ErrorCode when err carries one. A context deadline
// overrides any other code: the deadline expiring is ERR_TIMEOUT
// regardless of what the underlying store call would otherwise report.
func WriteError(w http.ResponseWriter, err error) {
	var code model.ErrorCode
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = model.ErrTimeout
	default:
		code = model.CodeOf(err)
	}
	if code == "" {
		code = model.ErrInternal
	}
	body := errorBody{}
	body.Error.Code = code
	body.Error.Message = err.Error()
	WriteJSON(w, StatusForCode(code), body)
}
