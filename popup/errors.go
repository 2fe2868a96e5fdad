package popup

import (
	"errors"
	"fmt"
)

// ErrWindowsUnsupported is returned when the host cannot create windows, so
// no popup can ever be made. It is permanent for the life of the host.
var ErrWindowsUnsupported = errors.New("popup: window creation is not supported")

// Error is a failure while creating or preparing the popup window.
type Error struct {
	Type    ErrorType
	Message string
	cause   error
}

type ErrorType int

const (
	ErrorTypeOptions ErrorType = iota
	ErrorTypeCreate
	ErrorTypeNotReady
	ErrorTypeDirective
)

func (e *Error) Error() string {
	switch e.Type {
	case ErrorTypeOptions:
		return fmt.Sprintf("popup: reading window options: %s", e.Message)
	case ErrorTypeCreate:
		return fmt.Sprintf("popup: creating window: %s", e.Message)
	case ErrorTypeNotReady:
		return fmt.Sprintf("popup: context %s did not become ready", e.Message)
	case ErrorTypeDirective:
		return fmt.Sprintf("popup: switching to popup mode: %s", e.Message)
	default:
		return fmt.Sprintf("popup error: %s", e.Message)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// ErrorCode is the stable code clients see.
func (e *Error) ErrorCode() string {
	switch e.Type {
	case ErrorTypeNotReady:
		return "POPUP_NOT_READY"
	case ErrorTypeDirective:
		return "POPUP_DIRECTIVE_FAILED"
	default:
		return "POPUP_CREATE_FAILED"
	}
}
