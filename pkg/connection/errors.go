package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost matches every *LostError.
	ErrConnectionLost = errors.New("connection lost")
	// ErrUnsupportedNetwork is returned for networks other than tcp, tcp4 and tcp6.
	ErrUnsupportedNetwork = errors.New("unsupported network")
	// ErrClosed is the cause recorded when the connection is closed locally.
	ErrClosed = errors.New("closed locally")
	// ErrMessageTooLarge is the cause recorded for frames above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// LostError reports why a connection stopped.
type LostError struct {
	ConnID string
	Cause  error
}

func (e *LostError) Error() string {
	return fmt.Sprintf("connection %s lost: %v", e.ConnID, e.Cause)
}

func (e *LostError) Unwrap() error {
	return e.Cause
}

func (e *LostError) Is(target error) bool {
	return target == ErrConnectionLost
}
