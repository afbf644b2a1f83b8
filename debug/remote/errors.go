package remote

import (
	"errors"
	"fmt"
)

// ErrorKind is the category of a failure reported by the remote side.
// The set is closed: transports tag every failure with one of these
// at the point the remote call is made.
type ErrorKind int

const (
	errUnclassified ErrorKind = iota

	ErrNotPrepared
	ErrInconsistentDebugInfo
	ErrInternal
	ErrInvalidCodeIndex
	ErrInvalidLineNumber
	ErrInvalidStackFrame
	ErrNativeFrame
	ErrObjectCollected
	ErrTimeout
	ErrDisconnected
	ErrMismatch
	ErrOutOfMemory
	ErrDuplicateRequest
	ErrInvalidRequestState
	ErrOperationRefused

	errKindEnd
)

var errorKindNames = map[ErrorKind]string{
	ErrNotPrepared:           "not prepared",
	ErrInconsistentDebugInfo: "inconsistent debug info",
	ErrInternal:              "internal",
	ErrInvalidCodeIndex:      "invalid code index",
	ErrInvalidLineNumber:     "invalid line number",
	ErrInvalidStackFrame:     "invalid stack frame",
	ErrNativeFrame:           "native frame",
	ErrObjectCollected:       "object collected",
	ErrTimeout:               "timeout",
	ErrDisconnected:          "disconnected",
	ErrMismatch:              "mismatch",
	ErrOutOfMemory:           "out of memory",
	ErrDuplicateRequest:      "duplicate request",
	ErrInvalidRequestState:   "invalid request state",
	ErrOperationRefused:      "operation refused",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Valid reports whether k is a member of the closed set.
func (k ErrorKind) Valid() bool {
	return k > errUnclassified && k < errKindEnd
}

// Error is a failure of a remote operation, tagged with its category.
type Error struct {
	Kind ErrorKind
	// Op names the remote operation, e.g. "continue" or "setBreakpoints".
	Op  string
	Err error
}

// Errorf tags cause with kind. cause may be nil.
func Errorf(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, &Error{Kind: k}) match on the kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the kind of the first remote failure in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var re *Error
	if !errors.As(err, &re) || !re.Kind.Valid() {
		return errUnclassified, false
	}
	return re.Kind, true
}

// IsClassified reports whether err is one of the known remote failure
// categories. Anything else is a programming error and must not be
// swallowed.
func IsClassified(err error) bool {
	_, ok := KindOf(err)
	return ok
}

// IsDisconnected reports whether err means the remote VM is gone.
func IsDisconnected(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == ErrDisconnected
}
