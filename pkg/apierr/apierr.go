// Package apierr provides the structured API error taxonomy and the uniform
// response envelope written to clients.
//
// Every response, success or failure, wraps in
//
//	{"data": ..., "error": ..., "meta": {"request_id": ..., "timestamp": ...}}
//
// Errors always carry {code, message, details?} and map to a fixed HTTP
// status per code.
package apierr

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/valyala/fasthttp"
)

// Error code constants.
const (
	CodeProviderSlugConflict = "PROVIDER_SLUG_CONFLICT"
	CodeProviderInUse        = "PROVIDER_IN_USE"
	CodeProviderUnreachable  = "PROVIDER_UNREACHABLE"
	CodeInvalidPreset        = "INVALID_PRESET"
	CodeSlotNotConfigured    = "SLOT_NOT_CONFIGURED"
	CodeAllModelsFailed      = "ALL_MODELS_FAILED"
	CodeUpstreamError        = "UPSTREAM_ERROR"
	CodeEncryptionError      = "ENCRYPTION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeValidationError      = "VALIDATION_ERROR"
	CodeInternalError        = "INTERNAL_ERROR"
)

// Error is the structured error returned to clients. It implements the error
// interface so service layers can return it directly.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	status int
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// HTTPStatus returns the HTTP status the error maps to.
func (e *Error) HTTPStatus() int { return e.status }

// New creates an Error with an explicit HTTP status.
func New(status int, code, message string) *Error {
	return &Error{Code: code, Message: message, status: status}
}

// WithDetails attaches a details map and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// ── Constructors for the fixed taxonomy ──────────────────────────────────────

func SlugConflict(message string) *Error {
	return New(fasthttp.StatusConflict, CodeProviderSlugConflict, message)
}

func ProviderInUse(message string, referencedSlots []string) *Error {
	return New(fasthttp.StatusConflict, CodeProviderInUse, message).
		WithDetails(map[string]any{"referenced_slots": referencedSlots})
}

func ProviderUnreachable(message string) *Error {
	return New(fasthttp.StatusBadRequest, CodeProviderUnreachable, message)
}

func InvalidPreset(message string) *Error {
	return New(fasthttp.StatusBadRequest, CodeInvalidPreset, message)
}

func SlotNotConfigured(message string) *Error {
	return New(fasthttp.StatusServiceUnavailable, CodeSlotNotConfigured, message)
}

func AllModelsFailed(message string, trace any) *Error {
	return New(fasthttp.StatusServiceUnavailable, CodeAllModelsFailed, message).
		WithDetails(map[string]any{"failover_trace": trace})
}

func Upstream(message string) *Error {
	return New(fasthttp.StatusBadGateway, CodeUpstreamError, message)
}

func Encryption(message string) *Error {
	return New(fasthttp.StatusInternalServerError, CodeEncryptionError, message)
}

func NotFound(message string) *Error {
	return New(fasthttp.StatusNotFound, CodeNotFound, message)
}

func Unauthorized(message string) *Error {
	return New(fasthttp.StatusUnauthorized, CodeUnauthorized, message)
}

func Forbidden(message string) *Error {
	return New(fasthttp.StatusForbidden, CodeForbidden, message)
}

func Validation(message string) *Error {
	return New(fasthttp.StatusUnprocessableEntity, CodeValidationError, message)
}

func Internal(message string) *Error {
	return New(fasthttp.StatusInternalServerError, CodeInternalError, message)
}

// ── Envelope ─────────────────────────────────────────────────────────────────

// Meta is attached to every response.
type Meta struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
	Meta  Meta   `json:"meta"`
}

func buildMeta(ctx *fasthttp.RequestCtx) Meta {
	reqID, _ := ctx.UserValue("request_id").(string)
	return Meta{
		RequestID: reqID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WriteData writes a success envelope with the given status.
func WriteData(ctx *fasthttp.RequestCtx, status int, data any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Data: data, Meta: buildMeta(ctx)})
	ctx.SetBody(body)
}

// WriteError writes an error envelope. Errors that are not *Error are wrapped
// as 500 INTERNAL_ERROR with a generic message so internal detail never leaks.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Internal("internal server error")
	}
	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e, Meta: buildMeta(ctx)})
	ctx.SetBody(body)
}
