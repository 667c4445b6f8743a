package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRequest is returned for a transaction already requested for the slot.
	ErrDuplicateRequest = errors.New("duplicate preconfirmation request")
	// ErrLoopUnavailable is returned when the event loop does not take the request.
	ErrLoopUnavailable = errors.New("event loop is not accepting requests")
	// ErrResponseDropped is returned when the event loop went away without answering.
	ErrResponseDropped = errors.New("event loop dropped the request")
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// CodeCustom covers channel and event loop failures.
	CodeCustom    = -32000
	CodeDuplicate = -32001
	CodeRejected  = -32002
)

// RequestError is the error returned to a preconfirmation requester.
type RequestError struct {
	Code    int
	Message string
	Err     error
}

// Error implements error.
func (e *RequestError) Error() string {
	if e.Err == nil {
		return e.Message
	}

	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap returns the wrapped error.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Custom wraps a communication failure between the gateway and the loop.
func Custom(err error) *RequestError {
	return &RequestError{Code: CodeCustom, Message: "failed to process request", Err: err}
}

// Rejected wraps a validation failure raised by the event loop.
func Rejected(err error) *RequestError {
	return &RequestError{Code: CodeRejected, Message: "request rejected", Err: err}
}

// InvalidParams wraps a malformed request.
func InvalidParams(err error) *RequestError {
	return &RequestError{Code: CodeInvalidParams, Message: "invalid params", Err: err}
}

// ErrorCode returns the JSON-RPC error code.
func (e *RequestError) ErrorCode() int {
	return e.Code
}
