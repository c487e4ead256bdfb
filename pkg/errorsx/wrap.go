package errorsx

import (
	"errors"
	"fmt"
)

// Error carries a reason code alongside the underlying failure.
type Error struct {
	Reason ReasonCode
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by reason, so errors.Is(err, &Error{Reason: r})
// works against wrapped chains.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Reason == e.Reason
}

// Wrap tags err with reason. The innermost reason wins when err already
// carries one.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if Reason(err) != ReasonUnknown {
		return err
	}
	return &Error{Reason: reason, Err: err}
}

func New(reason ReasonCode, msg string) error {
	return &Error{Reason: reason, Err: errors.New(msg)}
}

func Newf(reason ReasonCode, format string, args ...any) error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Reason returns the first reason code found in err's chain.
func Reason(err error) ReasonCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Message is the text sent to clients in error frames.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
