package errors

import (
	"errors"
	"fmt"
)

// Basic error check functions from standard library
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// ErrorCode identifies a class of failure.
type ErrorCode string

// Error is a coded error carrying an optional message and cause.
type Error struct {
	code    ErrorCode
	message string
	err     error
}

func (e *Error) Error() string {
	msg := e.message
	if msg == "" {
		msg = GetErrorMessage(e.code)
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports a match for coded errors with the same code, so sentinel
// values created by New can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.code == e.code && t.message == "" && t.err == nil
}

// New creates an error with the given code.
func New(code ErrorCode) *Error {
	return &Error{code: code}
}

// Newf creates an error with the given code and a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. A nil err yields nil.
func Wrap(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, err: err}
}

// Wrapf attaches a code and a formatted message to err. A nil err yields nil.
func Wrapf(code ErrorCode, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: fmt.Sprintf(format, args...), err: err}
}

// CodeOf returns the code of the outermost coded error in err's chain,
// or the empty code.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// HasCode reports whether any coded error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
