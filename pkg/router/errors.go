package router

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRequestTimeout matches every *TimeoutError.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrUndeliverable is recorded when no handler is registered for a request.
	ErrUndeliverable = errors.New("no handler for request")
	// ErrNoRoute is returned by Route when no open peer serves the application.
	ErrNoRoute = errors.New("no route to destination")
	// ErrClosed is returned for requests still pending when the router closes.
	ErrClosed = errors.New("router closed")
)

// TimeoutError reports a request that got no answer in time.
type TimeoutError struct {
	Command  Command
	HopByHop uint32
	Peer     string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s to %s (hop-by-hop %#08x): no answer after %s", e.Command, e.Peer, e.HopByHop, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}
