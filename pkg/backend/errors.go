package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost fails every request still in flight when its connection faults or closes.
	ErrConnectionLost = errors.New("pipekv: connection lost")

	// ErrClosed performs any operation on a closed connection will return this error.
	ErrClosed = errors.New("pipekv: connection is closed")

	// ErrUnsolicitedReply is raised when a reply arrives while nothing is in flight.
	ErrUnsolicitedReply = errors.New("pipekv: unsolicited reply")

	// ErrCallTimeout is returned when a per call deadline expires before the reply arrives.
	ErrCallTimeout = errors.New("pipekv: call timeout")

	ErrEmptyCommand = errors.New("pipekv: empty command")
)

// ConnectError reports a failure to establish the transport.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("pipekv: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func connectionLost(cause error) error {
	if cause == nil || errors.Is(cause, ErrConnectionLost) {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
}
