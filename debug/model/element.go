package model

import (
	"github.com/xhd2015/dlv-pump/debug/remote"
	"github.com/xhd2015/dlv-pump/log"
)

// Element is the behaviour shared by every object of a live debug
// session. It is embedded by Target, Thread and the breakpoint types.
type Element struct {
	target *Target
	source interface{}
}

func newElement(target *Target, source interface{}) Element {
	return Element{target: target, source: source}
}

// Target returns the target the element belongs to.
func (e *Element) Target() *Target {
	return e.target
}

// VM returns the connection of the owning target.
func (e *Element) VM() remote.VM {
	return e.target.vm
}

// Dispatcher returns the event dispatcher of the owning target.
func (e *Element) Dispatcher() *Dispatcher {
	return e.target.dispatcher
}

func (e *Element) logger() log.Logger {
	return e.target.session.logger
}

func (e *Element) AddEventListener(id remote.RequestID, l EventListener) {
	e.target.dispatcher.AddEventListener(id, l)
}

func (e *Element) RemoveEventListener(id remote.RequestID) {
	e.target.dispatcher.RemoveEventListener(id)
}

func (e *Element) fire(kind EventKind, detail Detail) {
	e.target.session.bus.Publish(DebugEvent{Kind: kind, Detail: detail, Source: e.source})
}

func (e *Element) FireCreated()                { e.fire(EventCreate, DetailUnspecified) }
func (e *Element) FireResumed(detail Detail)   { e.fire(EventResume, detail) }
func (e *Element) FireSuspended(detail Detail) { e.fire(EventSuspend, detail) }
func (e *Element) FireTerminated()             { e.fire(EventTerminate, DetailUnspecified) }
func (e *Element) FireChanged()                { e.fire(EventChange, DetailUnspecified) }

// RequestFailed reports a local precondition failure; nothing was sent
// to the VM.
func (e *Element) RequestFailed(message string, cause error) error {
	return newDebugError(CodeRequestFailed, message, cause)
}

// TargetRequestFailed wraps a failed remote request. A cause outside the
// known remote failure categories is returned unchanged.
func (e *Element) TargetRequestFailed(message string, cause error) error {
	if cause != nil && !remote.IsClassified(cause) {
		return cause
	}
	return newDebugError(CodeTargetRequestFailed, message, cause)
}

// NotSupported reports a capability the VM does not have.
func (e *Element) NotSupported(message string) error {
	return newDebugError(CodeNotSupported, message, nil)
}

// InternalError logs and absorbs a known remote failure. Any other error
// is returned so the caller propagates it.
func (e *Element) InternalError(cause error) error {
	if cause == nil {
		return nil
	}
	if !remote.IsClassified(cause) {
		return cause
	}
	e.logger().Errorf("%s: %v", e.target.name, cause)
	return nil
}

// InternalErrorf logs an internal error status without a cause.
func (e *Element) InternalErrorf(message string) {
	e.logger().Errorf("%s: %s", e.target.name, newDebugError(CodeInternalError, message, nil))
}

// Disconnected marks the owning target as disconnected.
func (e *Element) Disconnected() {
	e.target.markTerminated(true)
}
