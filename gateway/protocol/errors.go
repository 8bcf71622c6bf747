// Copyright 2025 Tamshai
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable classification attached to every
// failure that crosses the gateway boundary.
type ErrorCode string

const (
	CodeTokenInvalid            ErrorCode = "TOKEN_INVALID"
	CodeTokenExpired            ErrorCode = "TOKEN_EXPIRED"
	CodeTokenRevoked            ErrorCode = "TOKEN_REVOKED"
	CodeInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
	CodePromptInjectionDetected ErrorCode = "PROMPT_INJECTION_DETECTED"
	CodeOutputBlocked           ErrorCode = "OUTPUT_BLOCKED"
	CodeToolNotFound            ErrorCode = "TOOL_NOT_FOUND"
	CodeBackendUnavailable      ErrorCode = "BACKEND_UNAVAILABLE"
	CodeConfirmationNotFound    ErrorCode = "CONFIRMATION_NOT_FOUND"
	CodeConfirmationExpired     ErrorCode = "CONFIRMATION_EXPIRED"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure returned by every gateway component. It
// carries the taxonomy code, a human/model-readable message, and a
// suggested next action the caller (or the model) can act on.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a typed gateway error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Suggestion: defaultSuggestion(code)}
}

// WrapError creates a typed gateway error wrapping an underlying cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Suggestion: defaultSuggestion(code), cause: cause}
}

// AsError extracts a *Error from err, mapping unknown errors to
// INTERNAL_ERROR so no untyped failure ever reaches a caller.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return WrapError(CodeInternalError, "internal gateway error", err)
}

// HTTPStatus maps an error code to the HTTP status used on non-stream
// responses. Streaming responses carry the code inside an error frame
// instead.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeTokenInvalid, CodeTokenExpired, CodeTokenRevoked:
		return http.StatusUnauthorized
	case CodeInsufficientPermissions:
		return http.StatusForbidden
	case CodePromptInjectionDetected, CodeOutputBlocked:
		return http.StatusUnprocessableEntity
	case CodeToolNotFound, CodeConfirmationNotFound:
		return http.StatusNotFound
	case CodeConfirmationExpired:
		return http.StatusGone
	case CodeBackendUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// defaultSuggestion returns the suggested next action surfaced with each
// error code. Handlers may override the suggestion with more context.
func defaultSuggestion(code ErrorCode) string {
	switch code {
	case CodeTokenInvalid:
		return "Re-authenticate and retry with a valid bearer token."
	case CodeTokenExpired:
		return "Refresh the access token and retry."
	case CodeTokenRevoked:
		return "The session was logged out or revoked. Sign in again."
	case CodeInsufficientPermissions:
		return "Ask an administrator for the role required by this tool."
	case CodePromptInjectionDetected:
		return "Rephrase the request without instruction-override language."
	case CodeOutputBlocked:
		return "The response contained sensitive content and was withheld."
	case CodeToolNotFound:
		return "Check the tool name against the published registry."
	case CodeBackendUnavailable:
		return "The backend service is unreachable. Retry shortly."
	case CodeConfirmationNotFound:
		return "The confirmation does not exist or was already resolved."
	case CodeConfirmationExpired:
		return "The confirmation window elapsed. Re-issue the request."
	default:
		return "Retry; contact support if the problem persists."
	}
}
