// Package httpx holds the JSON envelope helpers shared by every HTTP surface of the API.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Antinna/HTTP-3/internal/platform/requestctx"
)

// DefaultMaxBodyBytes bounds request bodies decoded with DecodeJSON.
const DefaultMaxBodyBytes = 64 * 1024

// Error is the canonical JSON error envelope:
//
//	{"error": "<code>", "message": "...", "status": 409, "request_id": "...", "trace_id": "..."}
type Error struct {
	Code       string
	Message    string
	Status     int
	RetryAfter time.Duration
	Details    map[string]any
}

// NewError constructs an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitize(code, 80),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// WithRetryAfter sets the Retry-After header sent with the error.
func (e Error) WithRetryAfter(d time.Duration) Error {
	e.RetryAfter = d
	return e
}

// WithDetails attaches extra top-level fields to the envelope.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WriteError writes err as JSON, stamping the request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	for k, v := range err.Details {
		payload[k] = v
	}
	if id := sanitize(middleware.GetReqID(ctx), 80); id != "" {
		payload["request_id"] = id
	}
	if id := sanitize(requestctx.TraceID(ctx), 64); id != "" {
		payload["trace_id"] = id
	}
	if err.RetryAfter > 0 {
		seconds := int((err.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON reads a single JSON object from r into dst. Unknown fields, trailing data and bodies larger than
// limit (DefaultMaxBodyBytes when limit <= 0) are rejected with a 400 Error.
func DecodeJSON(r *http.Request, dst any, limit int64) *Error {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	if r.Body == nil {
		e := NewError("invalid_request", "request body is required", http.StatusBadRequest)
		return &e
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, limit+1))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		message := "request body must be valid JSON"
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			message = "request body is required"
		case errors.As(err, &typeErr):
			message = fmt.Sprintf("field %q has the wrong type", typeErr.Field)
		case errors.As(err, &syntaxErr):
			message = fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)
		case strings.HasPrefix(err.Error(), "json: unknown field"):
			message = strings.TrimPrefix(err.Error(), "json: ")
		case errors.Is(err, io.ErrUnexpectedEOF):
			message = "request body is truncated or too large"
		}
		e := NewError("invalid_request", message, http.StatusBadRequest)
		return &e
	}
	if decoder.More() {
		e := NewError("invalid_request", "request body must contain a single JSON object", http.StatusBadRequest)
		return &e
	}
	return nil
}

func sanitize(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
