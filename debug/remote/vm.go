package remote

import (
	"context"
	"fmt"
	"time"
)

// Queue is the remote event stream. Only the dispatcher of a target
// reads from it.
type Queue interface {
	// Remove blocks until the next event set is available.
	//
	// It returns a nil set with a nil error when the stream is
	// exhausted, an ErrDisconnected *Error when the VM is gone, and
	// ctx.Err() when ctx is done first.
	Remove(ctx context.Context) (*EventSet, error)
}

// StepKind selects the flavour of a step request.
type StepKind int

const (
	StepOver StepKind = iota
	StepInto
	StepReturn
)

func (k StepKind) String() string {
	switch k {
	case StepOver:
		return "over"
	case StepInto:
		return "into"
	case StepReturn:
		return "return"
	}
	return "unknown"
}

// BreakpointSpec describes a breakpoint to install.
type BreakpointSpec struct {
	File      string
	Line      int
	Condition string
	// HitCondition is passed through to the VM when it supports it.
	HitCondition string
}

func (s BreakpointSpec) String() string {
	if s.Condition == "" {
		return fmt.Sprintf("%s:%d", s.File, s.Line)
	}
	return fmt.Sprintf("%s:%d if %s", s.File, s.Line, s.Condition)
}

// Requests reserved for the debuggee's own failure stops. Transports
// report an unrecovered panic or a fatal runtime error with these ids.
const (
	PanicRequest      RequestID = -1
	FatalThrowRequest RequestID = -2
)

// ThreadInfo is the remote view of a thread.
type ThreadInfo struct {
	Ref  ThreadRef
	Name string
}

// Capabilities lists optional features of a VM implementation.
type Capabilities struct {
	ResumeSingleThread  bool
	ConditionalBreaks   bool
	HotCodeReplace      bool
	TerminateDebuggee   bool
	ReportsThreadEvents bool
}

// VM is the connection handle to one remote debuggee. Outbound calls may
// be made from any goroutine; implementations serialize them.
type VM interface {
	// Name identifies the VM in logs, e.g. the dialed address.
	Name() string
	Capabilities() Capabilities
	Events() Queue

	Threads(ctx context.Context) ([]ThreadInfo, error)
	ResumeThread(ctx context.Context, thread ThreadRef) error
	Resume(ctx context.Context) error
	Suspend(ctx context.Context) error
	Step(ctx context.Context, thread ThreadRef, kind StepKind) error

	SetBreakpoint(ctx context.Context, spec BreakpointSpec) (RequestID, error)
	ClearBreakpoint(ctx context.Context, id RequestID) error

	// SetRequestTimeout bounds how long outbound calls wait for a reply.
	SetRequestTimeout(d time.Duration)

	// Dispose asks the VM to end the session; Close tears down the
	// connection so a blocked Remove returns.
	Dispose(ctx context.Context) error
	Close() error
}

// BreakpointReporter is implemented by VMs that track the breakpoints set
// through them.
type BreakpointReporter interface {
	Breakpoints() []BreakpointSpec
}
