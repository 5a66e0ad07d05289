package msgrpc

import (
	"fmt"
)

// Error object for outputting JSON-RPC 2.0 errors.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ParseErrorCode          = -32700
	InvalidRequestCode      = -32600
	MethodNotFoundCode      = -32601
	InvalidParamsCode       = -32602
	InternalServerErrorCode = -32603
)

// Provider-specific error codes.
const (
	// UnknownSubscriptionCode is returned for unknown subscription IDs.
	UnknownSubscriptionCode = -510
	// MessageRejectedCode is returned when the message can't be accepted.
	MessageRejectedCode = -500
)

var (
	// ErrInvalidParams represents a generic 'invalid parameters' error.
	ErrInvalidParams = NewInvalidParamsError("invalid params")
	// ErrUnknownSubscription is returned for unknown subscriptions.
	ErrUnknownSubscription = NewError(UnknownSubscriptionCode, "Unknown subscription", "")
)

// NewError is an Error constructor that takes Error contents from its
// parameters.
func NewError(code int64, message string, data string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// NewParseError creates a new error with code -32700.
func NewParseError(data string) *Error {
	return NewError(ParseErrorCode, "Parse Error", data)
}

// NewInvalidRequestError creates a new error with code -32600.
func NewInvalidRequestError(data string) *Error {
	return NewError(InvalidRequestCode, "Invalid Request", data)
}

// NewMethodNotFoundError creates a new error with code -32601.
func NewMethodNotFoundError(data string) *Error {
	return NewError(MethodNotFoundCode, "Method not found", data)
}

// NewInvalidParamsError creates a new error with code -32602.
func NewInvalidParamsError(data string) *Error {
	return NewError(InvalidParamsCode, "Invalid Params", data)
}

// NewInternalServerError creates a new error with code -32603.
func NewInternalServerError(data string) *Error {
	return NewError(InternalServerErrorCode, "Internal error", data)
}

// NewMessageRejectedError creates a new error with code -500.
func NewMessageRejectedError(data string) *Error {
	return NewError(MessageRejectedCode, "Message rejected", data)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("%s (%d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s (%d) - %s", e.Message, e.Code, e.Data)
}

// Is denotes whether the error matches the target one.
func (e *Error) Is(target error) bool {
	clTarget, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == clTarget.Code
}

// WrapErrorWithData returns copy of the given error with the specified data.
// It does not modify the source error.
func WrapErrorWithData(e *Error, data string) *Error {
	return NewError(e.Code, e.Message, data)
}
