/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package httplib

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gravitational/trace"
)

// Wire codes of the gateway error taxonomy.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeModelRequired         = "model_required"
	CodeInvalidAPIKey         = "invalid_api_key"
	CodeModelNotAllowed       = "model_not_allowed"
	CodeBackendNotFound       = "backend_not_found"
	CodeBackendDisabled       = "backend_disabled"
	CodeNoBackend             = "no_backend"
	CodeAllBackendsAtCapacity = "all_backends_at_capacity"
	CodeNetworkError          = "network_error"
	CodeTTFTTimeout           = "ttft_timeout"
	CodeStreamInterrupted     = "stream_interrupted"
	CodeNoResponseBody        = "no_response_body"
	CodeInternalError         = "internal_error"
)

// Wire values of the "type" error field, following the OpenAI error
// envelope conventions.
const (
	TypeInvalidRequest     = "invalid_request_error"
	TypeAuthentication     = "authentication_error"
	TypePermission         = "permission_error"
	TypeRateLimit          = "rate_limit_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeTimeout            = "timeout_error"
	TypeUpstream           = "upstream_error"
	TypeInternal           = "internal_error"
)

// HTTPCode returns the wire code for an upstream HTTP failure status.
func HTTPCode(status int) string {
	return fmt.Sprintf("http_%d", status)
}

// APIError is an error carrying the wire code, type, and HTTP status of
// the gateway error envelope.
type APIError struct {
	// Status is the HTTP status to reply with.
	Status int
	// Code is the machine-readable error code.
	Code string
	// Type is the error class in the envelope.
	Type string
	// Message is the human-readable description.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// ErrorBody is the wire shape of all gateway error responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error fields of the envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Body returns the JSON envelope for the error.
func (e *APIError) Body() ErrorBody {
	return ErrorBody{Error: ErrorDetail{
		Message: e.Message,
		Type:    e.Type,
		Code:    e.Code,
	}}
}

// NewAPIError builds an APIError.
func NewAPIError(status int, code, errType, format string, args ...interface{}) *APIError {
	return &APIError{
		Status:  status,
		Code:    code,
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
	}
}

// Convenience constructors for the dispatch taxonomy.

// ErrInvalidRequest is a 400 for malformed client input.
func ErrInvalidRequest(format string, args ...interface{}) *APIError {
	return NewAPIError(http.StatusBadRequest, CodeInvalidRequest, TypeInvalidRequest, format, args...)
}

// ErrModelRequired is a 400 for a body without a model name.
func ErrModelRequired() *APIError {
	return NewAPIError(http.StatusBadRequest, CodeModelRequired, TypeInvalidRequest, "field 'model' is required")
}

// ErrInvalidAPIKey is a 401 for a missing or unknown bearer token.
func ErrInvalidAPIKey() *APIError {
	return NewAPIError(http.StatusUnauthorized, CodeInvalidAPIKey, TypeAuthentication, "missing or invalid API key")
}

// ErrModelNotAllowed is a 403 for a key without access to the model.
func ErrModelNotAllowed(model string) *APIError {
	return NewAPIError(http.StatusForbidden, CodeModelNotAllowed, TypePermission, "API key is not allowed to access model %q", model)
}

// ErrBackendNotFound is returned for an explicit override naming an
// unknown backend.
func ErrBackendNotFound(id string) *APIError {
	return NewAPIError(http.StatusNotFound, CodeBackendNotFound, TypeInvalidRequest, "backend %q not found", id)
}

// ErrBackendDisabled is returned for an explicit override naming a
// disabled backend.
func ErrBackendDisabled(id string) *APIError {
	return NewAPIError(http.StatusBadRequest, CodeBackendDisabled, TypeInvalidRequest, "backend %q is disabled", id)
}

// ErrNoBackend is a 503 when no backend is selectable for the model.
func ErrNoBackend(model string) *APIError {
	return NewAPIError(http.StatusServiceUnavailable, CodeNoBackend, TypeServiceUnavailable, "no backend available for model %q", model)
}

// ErrAllBackendsAtCapacity is a 429 when every candidate is capped.
func ErrAllBackendsAtCapacity() *APIError {
	return NewAPIError(http.StatusTooManyRequests, CodeAllBackendsAtCapacity, TypeRateLimit, "all backends are at capacity")
}

// ErrNetwork is a 500 for an upstream connection failure.
func ErrNetwork(err error) *APIError {
	return NewAPIError(http.StatusInternalServerError, CodeNetworkError, TypeUpstream, "upstream request failed: %v", err)
}

// ErrTTFTTimeout is a 504 for an expired time-to-first-token deadline.
func ErrTTFTTimeout(backendID string) *APIError {
	return NewAPIError(http.StatusGatewayTimeout, CodeTTFTTimeout, TypeTimeout, "backend %q did not produce a first token in time", backendID)
}

// ErrNoResponseBody is a 500 for a 2xx upstream response without a body.
func ErrNoResponseBody() *APIError {
	return NewAPIError(http.StatusInternalServerError, CodeNoResponseBody, TypeUpstream, "upstream response has no body")
}

// ErrInternal is a 500 for everything unexpected.
func ErrInternal(err error) *APIError {
	return NewAPIError(http.StatusInternalServerError, CodeInternalError, TypeInternal, "internal error: %v", err)
}

// ToAPIError converts any error into an APIError, mapping trace error
// kinds onto the taxonomy.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case trace.IsBadParameter(err):
		return ErrInvalidRequest("%s", trace.UserMessage(err))
	case trace.IsNotFound(err):
		return NewAPIError(http.StatusNotFound, CodeBackendNotFound, TypeInvalidRequest, "%s", trace.UserMessage(err))
	case trace.IsAccessDenied(err):
		return NewAPIError(http.StatusForbidden, CodeModelNotAllowed, TypePermission, "%s", trace.UserMessage(err))
	case trace.IsLimitExceeded(err):
		return ErrAllBackendsAtCapacity()
	case trace.IsConnectionProblem(err):
		return ErrNetwork(err)
	default:
		return ErrInternal(err)
	}
}
