package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"toeicprep/internal/types"
)

const maxRequestBodySize = 1 << 20

const errCodeValidationInvalidJSON types.ErrorCode = "validation_invalid_json"

// APIResponse wraps successful payloads as {"data": ...}.
type APIResponse struct {
	Data any `json:"data"`
}

// APIErrorResponse wraps failures as {"error": {...}}.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible part of an AppError. Denials carry
// errorCode, used, limit and upgradeUrl in Details.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

func Data(w http.ResponseWriter, r *http.Request, status int, v any) {
	JSON(w, r, status, APIResponse{Data: v})
}

// JSON writes body with status, or the generic 500 body when body cannot be encoded.
func JSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw, _ = json.Marshal(errorBody(r, types.ErrCodeInternalUnexpected, "failed to marshal response", nil))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

// Error writes err as the error envelope. Only AppError codes, messages and
// details reach the client; any other error is an opaque 500.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		JSON(w, r, http.StatusInternalServerError,
			errorBody(r, types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
		return
	}
	JSON(w, r, appErr.HTTPStatus(), errorBody(r, appErr.Code, appErr.Message, appErr.Details))
}

func errorBody(r *http.Request, code types.ErrorCode, msg string, details map[string]any) APIErrorResponse {
	return APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   msg,
		Details:   details,
		RequestID: types.GetRequestID(r.Context()),
	}}
}

// DecodeJSON reads exactly one JSON object of at most 1 MB into dst.
// Unknown fields are rejected. Failures are validation_invalid_json (400).
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if dec.More() {
		return types.NewAppError(errCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

func decodeError(err error) *types.AppError {
	invalid := func(msg string) *types.AppError {
		return types.NewAppError(errCodeValidationInvalidJSON, msg, err)
	}

	var (
		tooLarge  *http.MaxBytesError
		syntax    *json.SyntaxError
		wrongType *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &tooLarge):
		return invalid("request body must not exceed 1MB")
	case errors.As(err, &syntax), errors.Is(err, io.ErrUnexpectedEOF):
		return invalid("malformed JSON in request body")
	case errors.As(err, &wrongType):
		return types.NewAppErrorWithDetails(errCodeValidationInvalidJSON, "invalid value for field", err,
			map[string]any{"field": wrongType.Field, "expected": wrongType.Type.String()})
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return invalid("unknown field in request body: " + strings.TrimPrefix(err.Error(), "json: unknown field "))
	case errors.Is(err, io.EOF):
		return invalid("request body must not be empty")
	default:
		return invalid("invalid JSON in request body")
	}
}
