package model

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

// Code is the status kind of a DebugError.
type Code int

const (
	CodeInternalError       Code = 120
	CodeRequestFailed       Code = 5010
	CodeNotSupported        Code = 5011
	CodeTargetRequestFailed Code = 5012
)

func (c Code) String() string {
	switch c {
	case CodeInternalError:
		return "internal error"
	case CodeRequestFailed:
		return "request failed"
	case CodeNotSupported:
		return "not supported"
	case CodeTargetRequestFailed:
		return "target request failed"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// DebugError is the error surfaced to callers of the debug model.
type DebugError struct {
	Code    Code
	Message string
	Err     error

	frame xerrors.Frame
}

// newDebugError must be called directly by the Element helper that
// raises the error so the recorded frame points at the model method.
func newDebugError(code Code, message string, cause error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Err:     cause,
		frame:   xerrors.Caller(2),
	}
}

func (e *DebugError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *DebugError) Unwrap() error {
	return e.Err
}

// Format prints the raising frame with %+v.
func (e *DebugError) Format(s fmt.State, v rune) {
	xerrors.FormatError(e, s, v)
}

func (e *DebugError) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Code, e.Message)
	e.frame.Format(p)
	return e.Err
}

// CodeOf returns the code of the outermost DebugError in err's chain.
func CodeOf(err error) (Code, bool) {
	var de *DebugError
	if !errors.As(err, &de) {
		return 0, false
	}
	return de.Code, true
}

// IsCode reports whether err carries a DebugError with the given code.
func IsCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
