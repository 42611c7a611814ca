package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures reported to clients in error frames.
type ErrorKind string

// Error kinds. SlowConsumer is internal and never sent to other members.
const (
	KindAuth           ErrorKind = "AuthError"
	KindRateLimited    ErrorKind = "RateLimited"
	KindRoomNotFound   ErrorKind = "RoomNotFound"
	KindPersistence    ErrorKind = "PersistenceError"
	KindSlowConsumer   ErrorKind = "SlowConsumer"
	KindProtocol       ErrorKind = "ProtocolError"
	KindNotMember      ErrorKind = "NotMember"
	KindInvalidMessage ErrorKind = "InvalidMessage"
	KindInternal       ErrorKind = "InternalError"
)

// Error is a client-facing failure. Two Errors match under errors.Is when
// their kinds are equal, so the sentinels below can be used as targets.
type Error struct {
	Kind       ErrorKind
	Detail     string
	RetryAfter time.Duration
	Err        error
}

// Sentinels for errors.Is checks.
var (
	ErrAuth           = &Error{Kind: KindAuth}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
	ErrRoomNotFound   = &Error{Kind: KindRoomNotFound}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrSlowConsumer   = &Error{Kind: KindSlowConsumer}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrNotMember      = &Error{Kind: KindNotMember}
	ErrInvalidMessage = &Error{Kind: KindInvalidMessage}
)

// NewError returns an Error of the given kind with a human readable detail.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the kind from err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
