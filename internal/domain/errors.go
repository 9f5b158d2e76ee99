package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Store sentinels
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// ErrorCode is the machine-readable kind of a client-visible failure
type ErrorCode string

const (
	CodeRateLimited          ErrorCode = "rate_limited"
	CodeConversationNotFound ErrorCode = "conversation_not_found"
	CodeConversationDeleted  ErrorCode = "conversation_deleted"
	CodeConversationLimit    ErrorCode = "conversation_limit_reached"
	CodeMessageLimit         ErrorCode = "message_limit_reached"
	CodeEmptyMessage         ErrorCode = "empty_message"
	CodeInvalidService       ErrorCode = "invalid_llm_service"
	CodeUnsupportedService   ErrorCode = "unsupported_service"
	CodeUpstream             ErrorCode = "upstream_error"
	CodeUpstreamTimeout      ErrorCode = "upstream_timeout"
	CodeUpstreamProtocol     ErrorCode = "upstream_protocol_error"
	CodeUpstreamAPI          ErrorCode = "upstream_api_error"
	CodePersistence          ErrorCode = "persistence_error"
	CodeConflict             ErrorCode = "conflict"
	CodeInvalidRequest       ErrorCode = "invalid_request"
	CodeInternal             ErrorCode = "internal_error"
)

// Error is a failure surfaced to the client with a code and an HTTP-equivalent status
type Error struct {
	Code       ErrorCode
	Message    string
	Status     int
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Payload renders the error as the body of an error event or JSON error response
func (e *Error) Payload() ErrorPayload {
	p := ErrorPayload{
		Code:    e.Code,
		Message: e.Message,
		Status:  e.Status,
	}
	if e.Code == CodeRateLimited {
		remaining := e.RetryAfter
		p.RemainingTime = &remaining
	}
	if e.Err != nil && e.Status >= http.StatusInternalServerError {
		p.Detail = e.Err.Error()
	}
	return p
}

// ErrorPayload is the wire shape of an error
type ErrorPayload struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	Status        int       `json:"status"`
	RemainingTime *int      `json:"remaining_time,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// AsError extracts a *Error from an error chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ToError converts any error into a *Error, treating unknown failures as internal errors
func ToError(err error) *Error {
	if e, ok := AsError(err); ok {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal server error", Status: http.StatusInternalServerError, Err: err}
}

func RateLimited(retryAfter int) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("Rate limited. Please wait %d seconds before sending another message.", retryAfter),
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

func ConversationNotFound() *Error {
	return &Error{Code: CodeConversationNotFound, Message: "Conversation not found.", Status: http.StatusNotFound}
}

func ConversationDeleted() *Error {
	return &Error{Code: CodeConversationDeleted, Message: "This conversation has been deleted.", Status: http.StatusGone}
}

func ConversationLimitReached(max int) *Error {
	return &Error{
		Code:    CodeConversationLimit,
		Message: fmt.Sprintf("You have reached the maximum number of conversations (%d).", max),
		Status:  http.StatusForbidden,
	}
}

func MessageLimitReached(max int) *Error {
	return &Error{
		Code:    CodeMessageLimit,
		Message: fmt.Sprintf("This conversation has reached the maximum number of messages (%d).", max),
		Status:  http.StatusForbidden,
	}
}

func EmptyMessage() *Error {
	return &Error{Code: CodeEmptyMessage, Message: "Message content cannot be empty.", Status: http.StatusBadRequest}
}

func InvalidService(service string) *Error {
	return &Error{
		Code:    CodeInvalidService,
		Message: fmt.Sprintf("LLM service %q is not enabled.", service),
		Status:  http.StatusBadRequest,
	}
}

func UnsupportedService(service string) *Error {
	return &Error{
		Code:    CodeUnsupportedService,
		Message: fmt.Sprintf("Unsupported LLM service: %s", service),
		Status:  http.StatusInternalServerError,
	}
}

// UpstreamError reports a network failure talking to a backend; timeout selects the timeout variant
func UpstreamError(err error, timeout bool) *Error {
	if timeout {
		return &Error{Code: CodeUpstreamTimeout, Message: "The LLM service did not respond in time.", Status: http.StatusInternalServerError, Err: err}
	}
	return &Error{Code: CodeUpstream, Message: "Failed to reach the LLM service.", Status: http.StatusInternalServerError, Err: err}
}

func UpstreamProtocolError(err error) *Error {
	return &Error{Code: CodeUpstreamProtocol, Message: "Unexpected response from the LLM service.", Status: http.StatusInternalServerError, Err: err}
}

// UpstreamAPIError carries the message of a structured upstream error body
func UpstreamAPIError(status int, message string) *Error {
	return &Error{
		Code:    CodeUpstreamAPI,
		Message: "The LLM service returned an error.",
		Status:  http.StatusInternalServerError,
		Err:     fmt.Errorf("upstream status %d: %s", status, message),
	}
}

func PersistenceError(err error) *Error {
	return &Error{Code: CodePersistence, Message: "Failed to save the conversation.", Status: http.StatusInternalServerError, Err: err}
}

func Conflict(err error) *Error {
	return &Error{Code: CodeConflict, Message: "The conversation was modified concurrently, please retry.", Status: http.StatusConflict, Err: err}
}

func InvalidRequest(message string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: message, Status: http.StatusBadRequest}
}
