package router

import (
	"context"
	"errors"
	"fmt"
)

// Stable error codes carried in ErrorPayload.Code. Clients branch on these.
const (
	CodeUnknownAction = "UNKNOWN_ACTION"
	CodeUnprivileged  = "UNPRIVILEGED_SENDER"
	CodeInvalidParams = "INVALID_PARAMS"
	CodeMalformed     = "MALFORMED_MESSAGE"
	CodeCollaborator  = "COLLABORATOR_FAILED"
	CodeTimeout       = "TIMEOUT"
	CodeHandlerFault  = "HANDLER_FAULT"
	CodeInternalError = "INTERNAL_ERROR"
)

// ErrorType classifies router-visible failures.
type ErrorType int

const (
	ErrorTypeUnknownAction ErrorType = iota
	ErrorTypeUnprivileged
	ErrorTypeInvalidParams
	ErrorTypeMalformed
	ErrorTypeCollaborator
	ErrorTypeTimeout
	ErrorTypeHandlerFault
)

// Error is a structured failure that survives serialization.
type Error struct {
	Type    ErrorType
	Message string
	// Data is optional structured detail, sent as ErrorPayload.Data.
	Data  any
	cause error
}

func (e *Error) Error() string {
	switch e.Type {
	case ErrorTypeUnknownAction:
		return fmt.Sprintf("unknown action: %s", e.Message)
	case ErrorTypeUnprivileged:
		return fmt.Sprintf("sender is not privileged for %s", e.Message)
	case ErrorTypeInvalidParams:
		return fmt.Sprintf("invalid params: %s", e.Message)
	case ErrorTypeMalformed:
		return fmt.Sprintf("malformed message: %s", e.Message)
	case ErrorTypeCollaborator:
		return fmt.Sprintf("collaborator failed: %s", e.Message)
	case ErrorTypeTimeout:
		return fmt.Sprintf("timed out: %s", e.Message)
	case ErrorTypeHandlerFault:
		return fmt.Sprintf("handler fault: %s", e.Message)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) code() string {
	switch e.Type {
	case ErrorTypeUnknownAction:
		return CodeUnknownAction
	case ErrorTypeUnprivileged:
		return CodeUnprivileged
	case ErrorTypeInvalidParams:
		return CodeInvalidParams
	case ErrorTypeMalformed:
		return CodeMalformed
	case ErrorTypeCollaborator:
		return CodeCollaborator
	case ErrorTypeTimeout:
		return CodeTimeout
	case ErrorTypeHandlerFault:
		return CodeHandlerFault
	default:
		return CodeInternalError
	}
}

// Malformed reports a protocol message that cannot be processed.
func Malformed(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeMalformed, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams reports params that do not fit the operation.
func InvalidParams(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// Collaborator wraps a failure of an external service.
func Collaborator(name string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrorTypeTimeout, Message: name, cause: err}
	}
	return &Error{Type: ErrorTypeCollaborator, Message: fmt.Sprintf("%s: %v", name, err), cause: err}
}

// Timeout reports a bounded wait that expired.
func Timeout(what string) *Error {
	return &Error{Type: ErrorTypeTimeout, Message: what, cause: context.DeadlineExceeded}
}

// ErrorPayload is the serialized form of any error that crosses a router or
// channel boundary. Native errors never cross it.
type ErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (p *ErrorPayload) Error() string {
	if p.Code != "" {
		return fmt.Sprintf("%s (%s): %s", p.Name, p.Code, p.Message)
	}
	return fmt.Sprintf("%s: %s", p.Name, p.Message)
}

// Coder is implemented by errors from other packages that carry their own
// stable code.
type Coder interface {
	ErrorCode() string
}

// Serialize converts err into its wire form.
func Serialize(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	var payload *ErrorPayload
	if errors.As(err, &payload) {
		return payload
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return &ErrorPayload{Name: "Error", Message: rerr.Error(), Code: rerr.code(), Data: rerr.Data}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ErrorPayload{Name: "Error", Message: err.Error(), Code: CodeTimeout}
	}
	var coder Coder
	if errors.As(err, &coder) {
		return &ErrorPayload{Name: "Error", Message: err.Error(), Code: coder.ErrorCode()}
	}
	return &ErrorPayload{Name: "Error", Message: err.Error(), Code: CodeInternalError}
}
