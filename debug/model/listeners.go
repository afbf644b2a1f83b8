package model

import (
	"container/list"
	"sync"

	"github.com/xhd2015/dlv-pump/debug/remote"
)

// BreakpointListener is notified about breakpoints on every target of a
// session and votes on installation and suspension. Notifications run
// inside a host operation: a listener must not call back into a Target
// or Thread on the notifying goroutine.
type BreakpointListener interface {
	AddingBreakpoint(target *Target, bp Breakpoint)
	// InstallingBreakpoint returns false to veto installing bp in typ.
	InstallingBreakpoint(target *Target, bp Breakpoint, typ remote.LoadedType) bool
	BreakpointInstalled(target *Target, bp Breakpoint)
	// BreakpointHit returns true to have thread suspend.
	BreakpointHit(thread *Thread, bp Breakpoint) bool
	BreakpointRemoved(target *Target, bp Breakpoint)
	BreakpointHasCompilationErrors(bp Breakpoint, errs []string)
	BreakpointHasRuntimeError(bp Breakpoint, err error)
}

// HotCodeReplaceListener is notified about code replacement on a target.
type HotCodeReplaceListener interface {
	HotCodeReplaceSucceeded(target *Target)
	HotCodeReplaceFailed(target *Target, err error)
	ObsoleteMethods(target *Target)
}

// BreakpointListenerFuncs adapts functions to a BreakpointListener. Nil
// functions vote to install and not to suspend.
type BreakpointListenerFuncs struct {
	OnAdding            func(target *Target, bp Breakpoint)
	OnInstalling        func(target *Target, bp Breakpoint, typ remote.LoadedType) bool
	OnInstalled         func(target *Target, bp Breakpoint)
	OnHit               func(thread *Thread, bp Breakpoint) bool
	OnRemoved           func(target *Target, bp Breakpoint)
	OnCompilationErrors func(bp Breakpoint, errs []string)
	OnRuntimeError      func(bp Breakpoint, err error)
}

var _ BreakpointListener = (*BreakpointListenerFuncs)(nil)

func (f *BreakpointListenerFuncs) AddingBreakpoint(target *Target, bp Breakpoint) {
	if f.OnAdding != nil {
		f.OnAdding(target, bp)
	}
}

func (f *BreakpointListenerFuncs) InstallingBreakpoint(target *Target, bp Breakpoint, typ remote.LoadedType) bool {
	if f.OnInstalling != nil {
		return f.OnInstalling(target, bp, typ)
	}
	return true
}

func (f *BreakpointListenerFuncs) BreakpointInstalled(target *Target, bp Breakpoint) {
	if f.OnInstalled != nil {
		f.OnInstalled(target, bp)
	}
}

func (f *BreakpointListenerFuncs) BreakpointHit(thread *Thread, bp Breakpoint) bool {
	if f.OnHit != nil {
		return f.OnHit(thread, bp)
	}
	return false
}

func (f *BreakpointListenerFuncs) BreakpointRemoved(target *Target, bp Breakpoint) {
	if f.OnRemoved != nil {
		f.OnRemoved(target, bp)
	}
}

func (f *BreakpointListenerFuncs) BreakpointHasCompilationErrors(bp Breakpoint, errs []string) {
	if f.OnCompilationErrors != nil {
		f.OnCompilationErrors(bp, errs)
	}
}

func (f *BreakpointListenerFuncs) BreakpointHasRuntimeError(bp Breakpoint, err error) {
	if f.OnRuntimeError != nil {
		f.OnRuntimeError(bp, err)
	}
}

// listenerList is an insertion-ordered set. Add and remove are O(1); the
// snapshot handed to notifiers is rebuilt lazily after a change and never
// mutated, so notification iterates without holding the lock and
// tolerates concurrent add/remove.
type listenerList[T comparable] struct {
	mu    sync.Mutex
	order *list.List
	index map[T]*list.Element
	snap  []T
	stale bool
}

func (l *listenerList[T]) add(item T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index == nil {
		l.order = list.New()
		l.index = make(map[T]*list.Element)
	}
	if _, ok := l.index[item]; ok {
		return
	}
	l.index[item] = l.order.PushBack(item)
	l.stale = true
}

func (l *listenerList[T]) remove(item T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	elem, ok := l.index[item]
	if !ok {
		return
	}
	l.order.Remove(elem)
	delete(l.index, item)
	l.stale = true
}

func (l *listenerList[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stale {
		return l.snap
	}
	snap := make([]T, 0, len(l.index))
	for e := l.order.Front(); e != nil; e = e.Next() {
		snap = append(snap, e.Value.(T))
	}
	l.snap = snap
	l.stale = false
	return snap
}

func (l *listenerList[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

func (l *listenerList[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = nil
	l.index = nil
	l.snap = nil
	l.stale = false
}
