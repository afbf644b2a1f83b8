package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/xhd2015/dlv-pump/debug/remote"
)

// Breakpoint is a request installed on a target whose events are routed
// back to it by the dispatcher.
type Breakpoint interface {
	EventListener
	// Install reports false without error when a listener vetoed it.
	Install(ctx context.Context, target *Target) (installed bool, err error)
	Remove(ctx context.Context, target *Target) error
	// Request is the id bound on target, or remote.NoRequest.
	Request() remote.RequestID
	HitCount() int
	String() string
}

// hitTracker holds what every breakpoint kind keeps about its binding.
type hitTracker struct {
	mu       sync.Mutex
	request  remote.RequestID
	hitCount int
}

func (h *hitTracker) Request() remote.RequestID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.request
}

func (h *hitTracker) HitCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hitCount
}

func (h *hitTracker) bind(id remote.RequestID) {
	h.mu.Lock()
	h.request = id
	h.mu.Unlock()
}

func (h *hitTracker) unbind() remote.RequestID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.request
	h.request = remote.NoRequest
	return id
}

func (h *hitTracker) hit() {
	h.mu.Lock()
	h.hitCount++
	h.mu.Unlock()
}

// LineBreakpoint suspends threads reaching a source line.
type LineBreakpoint struct {
	hitTracker

	File         string
	Line         int
	Condition    string
	HitCondition string
}

var _ Breakpoint = (*LineBreakpoint)(nil)

// LineBreakpointOption configures a LineBreakpoint.
type LineBreakpointOption func(*LineBreakpoint)

func WithCondition(cond string) LineBreakpointOption {
	return func(bp *LineBreakpoint) { bp.Condition = cond }
}

func WithHitCondition(cond string) LineBreakpointOption {
	return func(bp *LineBreakpoint) { bp.HitCondition = cond }
}

func NewLineBreakpoint(file string, line int, opts ...LineBreakpointOption) *LineBreakpoint {
	bp := &LineBreakpoint{File: file, Line: line}
	for _, opt := range opts {
		opt(bp)
	}
	return bp
}

func (bp *LineBreakpoint) String() string {
	return fmt.Sprintf("breakpoint %s:%d", bp.File, bp.Line)
}

// Install runs the installation protocol: listeners are told the
// breakpoint is being added, any of them may veto installing it in the
// loaded type, then the request is created on the VM and bound to bp.
func (bp *LineBreakpoint) Install(ctx context.Context, target *Target) (bool, error) {
	session := target.session
	session.NotifyAdding(target, bp)

	typ := target.loadedType(bp.File)
	if !session.NotifyInstalling(target, bp, typ) {
		session.Logger().Debugf("%s: install of %s vetoed", target.name, bp)
		return false, nil
	}
	if bp.Condition != "" && !target.vm.Capabilities().ConditionalBreaks {
		return false, target.NotSupported(fmt.Sprintf("%s: conditional breakpoints", target.name))
	}

	id, err := target.vm.SetBreakpoint(ctx, remote.BreakpointSpec{
		File:         bp.File,
		Line:         bp.Line,
		Condition:    bp.Condition,
		HitCondition: bp.HitCondition,
	})
	if err != nil {
		if kind, _ := remote.KindOf(err); kind == remote.ErrInvalidLineNumber {
			session.NotifyRuntimeError(bp, err)
		}
		return false, target.TargetRequestFailed(fmt.Sprintf("install %s", bp), err)
	}
	bp.bind(id)
	target.AddEventListener(id, bp)
	session.NotifyInstalled(target, bp)
	return true, nil
}

func (bp *LineBreakpoint) Remove(ctx context.Context, target *Target) error {
	return removeBreakpoint(ctx, target, bp, &bp.hitTracker)
}

// HandleEvent is called by the dispatcher when the VM reports a hit.
func (bp *LineBreakpoint) HandleEvent(ctx context.Context, ev *remote.Event, target *Target) error {
	return handleHit(ctx, ev, target, bp, &bp.hitTracker)
}

// ExceptionBreakpoint suspends threads stopped by an unrecovered panic or
// a fatal runtime error. The requests it binds are reserved by the
// transports, so installing it talks to nobody but the dispatcher.
type ExceptionBreakpoint struct {
	hitTracker

	reserved remote.RequestID
	label    string
}

var _ Breakpoint = (*ExceptionBreakpoint)(nil)

func NewPanicBreakpoint() *ExceptionBreakpoint {
	return &ExceptionBreakpoint{reserved: remote.PanicRequest, label: "unrecovered panic"}
}

func NewFatalThrowBreakpoint() *ExceptionBreakpoint {
	return &ExceptionBreakpoint{reserved: remote.FatalThrowRequest, label: "fatal throw"}
}

func (bp *ExceptionBreakpoint) String() string { return "breakpoint on " + bp.label }

func (bp *ExceptionBreakpoint) Install(ctx context.Context, target *Target) (bool, error) {
	session := target.session
	session.NotifyAdding(target, bp)
	if !session.NotifyInstalling(target, bp, remote.LoadedType{}) {
		return false, nil
	}
	bp.bind(bp.reserved)
	target.AddEventListener(bp.reserved, bp)
	session.NotifyInstalled(target, bp)
	return true, nil
}

func (bp *ExceptionBreakpoint) Remove(ctx context.Context, target *Target) error {
	id := bp.unbind()
	if id == remote.NoRequest {
		return nil
	}
	target.RemoveEventListener(id)
	target.session.NotifyRemoved(target, bp)
	return nil
}

func (bp *ExceptionBreakpoint) HandleEvent(ctx context.Context, ev *remote.Event, target *Target) error {
	return handleHit(ctx, ev, target, bp, &bp.hitTracker)
}

func removeBreakpoint(ctx context.Context, target *Target, bp Breakpoint, h *hitTracker) error {
	id := h.unbind()
	if id == remote.NoRequest {
		return nil
	}
	target.RemoveEventListener(id)
	var err error
	if !target.IsTerminated() {
		if clearErr := target.vm.ClearBreakpoint(ctx, id); clearErr != nil && !remote.IsDisconnected(clearErr) {
			err = target.TargetRequestFailed(fmt.Sprintf("remove %s", bp), clearErr)
		}
	}
	target.session.NotifyRemoved(target, bp)
	return err
}

// handleHit asks the session's listeners whether thread should stay
// suspended at bp. When nobody wants it, the thread is resumed.
func handleHit(ctx context.Context, ev *remote.Event, target *Target, bp Breakpoint, h *hitTracker) error {
	thread := target.FindThread(ev.Thread)
	if thread == nil {
		return target.ResumeThread(ctx, ev.Thread)
	}
	h.hit()
	if target.session.NotifyBreakpointHit(thread, bp) {
		thread.SuspendedBy(bp, ev.Location)
		return nil
	}
	return target.ResumeThread(ctx, ev.Thread)
}
