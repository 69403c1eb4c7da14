package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies delivery failures so callers can pick the right
// compensating action.
type ErrorKind int

const (
	// KindTransient covers timeouts and 5xx class failures. Retryable.
	KindTransient ErrorKind = iota
	// KindTargetGone means the channel or message no longer exists.
	KindTargetGone
	// KindContentRejected means the payload was refused by policy.
	KindContentRejected
)

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

func IsTargetGone(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindTargetGone
}

func IsContentRejected(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindContentRejected
}
