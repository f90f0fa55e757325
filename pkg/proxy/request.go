package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"mercator-hq/gatekeeper/pkg/proxy/types"
)

const (
	// MaxRequestBodySize is the maximum accepted admin request body (1MB).
	MaxRequestBodySize = 1 << 20

	// RequestIDHeader is the HTTP header for request ID propagation.
	RequestIDHeader = "X-Request-ID"
)

// DecodeJSON reads a JSON request body into v. Unknown fields are
// rejected so that misspelled fields fail loudly instead of being
// silently ignored.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return &RequestError{Message: "request body is required", Code: types.CodeMissingField, Param: "body"}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > MaxRequestBodySize {
		return &RequestError{
			Message: fmt.Sprintf("request body exceeds maximum size of %d bytes", MaxRequestBodySize),
			Code:    types.CodeInvalidValue,
			Param:   "body",
		}
	}
	if len(body) == 0 {
		return &RequestError{Message: "request body is required", Code: types.CodeMissingField, Param: "body"}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &typeErr):
			return &RequestError{
				Message: fmt.Sprintf("invalid type for field %q", typeErr.Field),
				Code:    types.CodeInvalidValue,
				Param:   typeErr.Field,
			}
		case errors.As(err, &syntaxErr):
			return &RequestError{Message: fmt.Sprintf("invalid JSON: %v", err), Code: types.CodeInvalidJSON, Param: "body"}
		default:
			return &RequestError{Message: fmt.Sprintf("invalid request body: %v", err), Code: types.CodeInvalidJSON, Param: "body"}
		}
	}
	return nil
}

// ExtractRequestID extracts the request ID from the X-Request-ID header.
// If the header is not present, it returns an empty string.
func ExtractRequestID(r *http.Request) string {
	return r.Header.Get(RequestIDHeader)
}

// RequestError represents a request parsing or validation error.
type RequestError struct {
	Message string
	Code    string
	Param   string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return e.Message
}

// ToErrorResponse converts a RequestError to an OpenAI-compatible error response.
func (e *RequestError) ToErrorResponse() *types.ErrorResponse {
	return types.NewInvalidRequestError(e.Message, e.Param, e.Code)
}
