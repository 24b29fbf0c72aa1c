package peer

import (
	"errors"
	"fmt"

	"github.com/hsdfat/diam-engine/pkg/message"
)

var (
	// ErrHandshakeFailed matches every *HandshakeError.
	ErrHandshakeFailed = errors.New("capabilities exchange failed")
	// ErrWatchdogTimeout is the close reason when a DWR goes unanswered.
	ErrWatchdogTimeout = errors.New("watchdog timeout")
	// ErrPeerNotOpen is returned when sending to a peer outside the Open state.
	ErrPeerNotOpen = errors.New("peer not open")
	// ErrConnectFailed is the close reason when dialing fails.
	ErrConnectFailed = errors.New("connect failed")
	// ErrDisconnected matches every *DisconnectError.
	ErrDisconnected = errors.New("disconnected")
)

// HandshakeError reports a failed capabilities exchange.
type HandshakeError struct {
	Reason     string
	ResultCode message.ResultCode // result sent or received, 0 if none
	Err        error
}

func (e *HandshakeError) Error() string {
	msg := "handshake failed: " + e.Reason
	if e.ResultCode != 0 {
		msg += fmt.Sprintf(" (%s)", e.ResultCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshakeFailed
}

// DisconnectError records a completed disconnect negotiation.
type DisconnectError struct {
	Cause  uint32 // Disconnect-Cause
	Remote bool   // the DPR came from the peer
}

func (e *DisconnectError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("disconnected by %s peer (cause %d)", side, e.Cause)
}

func (e *DisconnectError) Is(target error) bool {
	return target == ErrDisconnected
}
