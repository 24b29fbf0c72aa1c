package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned for messages without a Session-Id.
	ErrNoSession = errors.New("message has no Session-Id")
	// ErrDuplicateTransaction matches every *DuplicateTransactionError.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	// ErrUnexpectedAnswer matches every *UnexpectedAnswerError.
	ErrUnexpectedAnswer = errors.New("unexpected answer")
)

// DuplicateTransactionError reports a request for a session that already has
// a request pending.
type DuplicateTransactionError struct {
	SessionID string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("duplicate transaction for session %q", e.SessionID)
}

func (e *DuplicateTransactionError) Is(target error) bool {
	return target == ErrDuplicateTransaction
}

// UnexpectedAnswerError reports an answer for a session with no pending
// request.
type UnexpectedAnswerError struct {
	SessionID string
}

func (e *UnexpectedAnswerError) Error() string {
	return fmt.Sprintf("answer without request for session %q", e.SessionID)
}

func (e *UnexpectedAnswerError) Is(target error) bool {
	return target == ErrUnexpectedAnswer
}
