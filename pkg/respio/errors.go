package respio

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete is returned by Decode when the buffer does not yet hold a complete value.
	// Nothing is consumed; decode again after more bytes arrive.
	ErrIncomplete    = errors.New("incomplete RESP value")
	ErrInvalidSyntax = errors.New("invalid RESP syntax")
	ErrTooLarge      = errors.New("value too large")
)

// ProtocolError reports bytes that cannot be a RESP value. It is fatal for the stream it came from.
type ProtocolError struct {
	Offset int
	Reason string
	Err    error
}

func newProtocolError(offset int, reason string) *ProtocolError {
	return &ProtocolError{Offset: offset, Reason: reason, Err: ErrInvalidSyntax}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at offset %d: %s", e.Offset, e.Reason)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil || e.Err == ErrInvalidSyntax {
		return []error{ErrInvalidSyntax}
	}
	return []error{ErrInvalidSyntax, e.Err}
}

// ReplyError is a server error reply (-ERR ...) converted to a Go error.
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string {
	return e.Message
}
