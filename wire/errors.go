package wire

import (
	"errors"
	"fmt"
)

// ErrMalformedMessage matches every decode failure.
// Use errors.Is(err, ErrMalformedMessage); malformed messages are dropped
// and never retried at the protocol layer.
var ErrMalformedMessage = errors.New("malformed message")

// DecodeErrorKind classifies decode failures.
type DecodeErrorKind int

const (
	// DecodeErrorSyntax indicates the payload is not valid for the codec.
	DecodeErrorSyntax DecodeErrorKind = iota
	// DecodeErrorSchema indicates a missing, mistyped or out-of-range field.
	DecodeErrorSchema
	// DecodeErrorUnknown indicates a data message that is neither metadata nor chunk.
	DecodeErrorUnknown
)

// String returns the kind name.
func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeErrorSyntax:
		return "syntax"
	case DecodeErrorSchema:
		return "schema"
	case DecodeErrorUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DecodeError represents a message decoding error.
type DecodeError struct {
	Kind DecodeErrorKind
	Msg  string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message (%s): %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("malformed message (%s): %s", e.Kind, e.Msg)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes every DecodeError match ErrMalformedMessage.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedMessage
}

func syntaxError(msg string, err error) *DecodeError {
	return &DecodeError{Kind: DecodeErrorSyntax, Msg: msg, Err: err}
}

func schemaError(format string, args ...any) *DecodeError {
	return &DecodeError{Kind: DecodeErrorSchema, Msg: fmt.Sprintf(format, args...)}
}
