package optpath

import "fmt"

// ErrorType classifies path failures.
type ErrorType int

const (
	// ErrorTypeSyntax means the path string itself is malformed.
	ErrorTypeSyntax ErrorType = iota
	// ErrorTypeMissing means a segment does not exist in the tree.
	ErrorTypeMissing
	// ErrorTypeShape means a segment addresses the wrong kind of container.
	ErrorTypeShape
	// ErrorTypeRange means a sequence index is out of bounds.
	ErrorTypeRange
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeSyntax:
		return "syntax"
	case ErrorTypeMissing:
		return "missing"
	case ErrorTypeShape:
		return "shape"
	case ErrorTypeRange:
		return "range"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Error is returned for every failed resolution. Path is the prefix that
// failed to resolve.
type Error struct {
	Type    ErrorType
	Path    string
	Message string
}

func (e *Error) Error() string {
	switch e.Type {
	case ErrorTypeSyntax:
		return fmt.Sprintf("invalid path: %s", e.Message)
	case ErrorTypeMissing:
		return fmt.Sprintf("invalid path %q: %s", e.Path, e.Message)
	default:
		return fmt.Sprintf("invalid path %q: %s (%s)", e.Path, e.Message, e.Type)
	}
}

func syntaxError(s string, pos int, msg string) *Error {
	return &Error{Type: ErrorTypeSyntax, Path: s, Message: fmt.Sprintf("%s at offset %d in %q", msg, pos, s)}
}
