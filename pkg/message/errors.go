package message

import (
	"errors"
	"fmt"
)

// ErrIncomplete means the buffer does not yet hold a whole message. It is a
// signal to read more bytes, not a failure.
var ErrIncomplete = errors.New("incomplete message")

// ErrMalformedMessage matches every *MalformedMessageError.
var ErrMalformedMessage = errors.New("malformed message")

// MalformedMessageError describes a frame that cannot be decoded. Header is
// the parsed fixed header so an error answer can echo its identifiers.
type MalformedMessageError struct {
	Header     Header
	ResultCode ResultCode
	Reason     string
	Err        error
}

func malformed(h *Header, code ResultCode, reason string, err error) error {
	return &MalformedMessageError{Header: *h, ResultCode: code, Reason: reason, Err: err}
}

func (e *MalformedMessageError) Error() string {
	msg := fmt.Sprintf("malformed message (%s): %s", e.ResultCode, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}
