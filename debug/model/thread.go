package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/xhd2015/dlv-pump/debug/remote"
)

// Thread wraps one remote thread of a target.
type Thread struct {
	Element

	ref  remote.ThreadRef
	name string

	mu          sync.Mutex
	suspended   bool
	terminated  bool
	stepping    bool
	stepKind    remote.StepKind
	location    remote.Location
	breakpoints []Breakpoint
}

func newThread(target *Target, ref remote.ThreadRef, name string) *Thread {
	th := &Thread{ref: ref, name: name}
	th.Element = newElement(target, th)
	if th.name == "" {
		th.name = fmt.Sprintf("thread %d", ref)
	}
	return th
}

func (th *Thread) Ref() remote.ThreadRef { return th.ref }
func (th *Thread) Name() string          { return th.name }
func (th *Thread) String() string        { return th.name }

func (th *Thread) IsSuspended() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.suspended
}

func (th *Thread) IsTerminated() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.terminated
}

func (th *Thread) IsStepping() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.stepping
}

// Location is where the thread last stopped.
func (th *Thread) Location() remote.Location {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.location
}

// Breakpoints returns the breakpoints the thread is suspended at.
func (th *Thread) Breakpoints() []Breakpoint {
	th.mu.Lock()
	defer th.mu.Unlock()
	return append([]Breakpoint(nil), th.breakpoints...)
}

// HandleStep completes the pending step of the thread.
func (th *Thread) HandleStep(ctx context.Context, ev *remote.Event) error {
	th.mu.Lock()
	th.stepping = false
	th.suspended = true
	th.location = ev.Location
	th.breakpoints = nil
	th.mu.Unlock()
	th.FireSuspended(DetailStepEnd)
	return nil
}

func (th *Thread) StepOver(ctx context.Context) error {
	return th.step(ctx, remote.StepOver, DetailStepOver)
}

func (th *Thread) StepInto(ctx context.Context) error {
	return th.step(ctx, remote.StepInto, DetailStepInto)
}

func (th *Thread) StepReturn(ctx context.Context) error {
	return th.step(ctx, remote.StepReturn, DetailStepReturn)
}

func (th *Thread) step(ctx context.Context, kind remote.StepKind, detail Detail) error {
	return th.target.session.RunHostOperation(ctx, func(ctx context.Context) error {
		return th.startStep(ctx, kind, detail)
	})
}

func (th *Thread) startStep(ctx context.Context, kind remote.StepKind, detail Detail) error {
	th.mu.Lock()
	switch {
	case th.terminated:
		th.mu.Unlock()
		return th.RequestFailed(fmt.Sprintf("step %s: %s is terminated", kind, th.name), nil)
	case !th.suspended:
		th.mu.Unlock()
		return th.RequestFailed(fmt.Sprintf("step %s: %s is not suspended", kind, th.name), nil)
	case th.stepping:
		th.mu.Unlock()
		return th.RequestFailed(fmt.Sprintf("step %s: %s is already stepping", kind, th.name), nil)
	}
	th.stepping = true
	th.stepKind = kind
	th.mu.Unlock()

	if err := th.VM().Step(ctx, th.ref, kind); err != nil {
		th.mu.Lock()
		th.stepping = false
		th.mu.Unlock()
		return th.TargetRequestFailed(fmt.Sprintf("step %s on %s", kind, th.name), err)
	}
	th.markResumed()
	th.FireResumed(detail)
	return nil
}

// Resume resumes this thread only.
func (th *Thread) Resume(ctx context.Context) error {
	return th.target.session.RunHostOperation(ctx, th.resume)
}

func (th *Thread) resume(ctx context.Context) error {
	if th.IsTerminated() {
		return th.RequestFailed(fmt.Sprintf("resume: %s is terminated", th.name), nil)
	}
	if !th.VM().Capabilities().ResumeSingleThread {
		return th.NotSupported(fmt.Sprintf("resume %s: VM cannot resume a single thread", th.name))
	}
	if err := th.target.ResumeThread(ctx, th.ref); err != nil {
		return err
	}
	th.markResumed()
	th.FireResumed(DetailClientRequest)
	return nil
}

// SuspendedBy records that bp suspended the thread and announces it.
func (th *Thread) SuspendedBy(bp Breakpoint, loc remote.Location) {
	th.markSuspended(bp)
	th.mu.Lock()
	th.location = loc
	th.mu.Unlock()
	th.FireSuspended(DetailBreakpoint)
}

func (th *Thread) markSuspended(bp Breakpoint) {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.suspended = true
	if bp != nil {
		th.breakpoints = append(th.breakpoints, bp)
	}
}

func (th *Thread) markResumed() {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.suspended = false
	th.breakpoints = nil
}

func (th *Thread) terminate() {
	th.mu.Lock()
	if th.terminated {
		th.mu.Unlock()
		return
	}
	th.terminated = true
	th.suspended = false
	th.stepping = false
	th.breakpoints = nil
	th.mu.Unlock()
	th.FireTerminated()
}
