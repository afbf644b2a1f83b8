package model

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xhd2015/dlv-pump/debug/remote"
	"github.com/xhd2015/dlv-pump/log"
)

// DefaultRequestTimeout is the request timeout of a new Session.
const DefaultRequestTimeout = 3000 * time.Millisecond

// Session is the process-level debug context: breakpoint and hot code
// replace listeners, the request timeout shared by every target, the
// registry of live targets, the host lock and the lifecycle bus.
//
// A Session is created once and passed to every target; nothing in this
// package keeps it in a global.
type Session struct {
	logger   log.Logger
	trace    bool
	hostLock HostLock
	bus      *Bus

	breakpointListeners listenerList[BreakpointListener]
	hcrListeners        listenerList[HotCodeReplaceListener]

	mu      sync.Mutex
	timeout time.Duration
	targets map[string]*Target
	seq     map[string]int
	nextSeq int
	closed  bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

func WithLogger(logger log.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithHostLock(lock HostLock) SessionOption {
	return func(s *Session) {
		if lock != nil {
			s.hostLock = lock
		}
	}
}

func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTrace logs every dispatched event at debug level.
func WithTrace(trace bool) SessionOption {
	return func(s *Session) {
		s.trace = trace
	}
}

// NewSession creates a Session. Close releases it.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		logger:   log.Nop(),
		hostLock: NewHostLock(),
		timeout:  DefaultRequestTimeout,
		targets:  make(map[string]*Target),
		seq:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = newBus(s.logger)
	return s
}

func (s *Session) Logger() log.Logger { return s.logger }
func (s *Session) Bus() *Bus          { return s.bus }
func (s *Session) Trace() bool        { return s.trace }

type hostOperationKey struct{}

// RunHostOperation runs op under the host lock, serialized with event
// dispatch on every target of the session. The ctx handed to op marks
// it as inside a host operation; a nested call made with that ctx runs
// op directly instead of waiting for the lock it already holds.
func (s *Session) RunHostOperation(ctx context.Context, op func(ctx context.Context) error) error {
	if held, _ := ctx.Value(hostOperationKey{}).(*Session); held == s {
		return op(ctx)
	}
	return s.hostLock.Run(ctx, func(ctx context.Context) error {
		return op(context.WithValue(ctx, hostOperationKey{}, s))
	})
}

// Attach creates a target for vm and starts dispatching its events.
func (s *Session) Attach(ctx context.Context, vm remote.VM, opts ...TargetOption) (*Target, error) {
	t := NewTarget(s, vm, opts...)
	if err := t.Start(ctx); err != nil {
		t.Shutdown()
		t.cancelPump()
		s.unregister(t)
		return nil, err
	}
	return t, nil
}

// Close shuts down the pump of every live target, drops all listeners
// and stops the bus after delivering queued notifications.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	targets := s.sortedTargetsLocked()
	s.mu.Unlock()

	for _, t := range targets {
		t.Shutdown()
	}
	s.breakpointListeners.clear()
	s.hcrListeners.clear()
	s.bus.Close()
}

// RequestTimeout returns the current request timeout.
func (s *Session) RequestTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetRequestTimeout changes the request timeout and applies it to every
// live target before returning. Targets created afterwards start with d.
func (s *Session) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout == d {
		return
	}
	s.timeout = d
	for _, t := range s.sortedTargetsLocked() {
		t.SetRequestTimeout(d)
	}
	s.logger.Debugf("request timeout set to %s for %d live targets", d, len(s.targets))
}

// Targets returns the live targets in creation order.
func (s *Session) Targets() []*Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedTargetsLocked()
}

// Target returns the live target with the given id.
func (s *Session) Target(id string) (*Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	return t, ok
}

// register adds t to the live targets and hands it the current timeout
// under the same lock SetRequestTimeout holds.
func (s *Session) register(t *Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.id] = t
	s.seq[t.id] = s.nextSeq
	s.nextSeq++
	t.SetRequestTimeout(s.timeout)
}

func (s *Session) unregister(t *Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, t.id)
	delete(s.seq, t.id)
}

func (s *Session) sortedTargetsLocked() []*Target {
	targets := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		return s.seq[targets[i].id] < s.seq[targets[j].id]
	})
	return targets
}

// Breakpoint listeners

func (s *Session) AddBreakpointListener(l BreakpointListener) {
	s.breakpointListeners.add(l)
}

func (s *Session) RemoveBreakpointListener(l BreakpointListener) {
	s.breakpointListeners.remove(l)
}

// NotifyBreakpointHit asks every listener whether thread should suspend
// at bp. With no listeners the thread suspends; otherwise any listener
// voting to suspend wins. Every listener is called.
func (s *Session) NotifyBreakpointHit(thread *Thread, bp Breakpoint) bool {
	listeners := s.breakpointListeners.snapshot()
	if len(listeners) == 0 {
		return true
	}
	suspend := false
	for _, l := range listeners {
		if l.BreakpointHit(thread, bp) {
			suspend = true
		}
	}
	return suspend
}

// NotifyInstalling asks listeners whether bp may be installed in typ.
// The first veto wins and later listeners are not asked.
func (s *Session) NotifyInstalling(target *Target, bp Breakpoint, typ remote.LoadedType) bool {
	for _, l := range s.breakpointListeners.snapshot() {
		if !l.InstallingBreakpoint(target, bp, typ) {
			return false
		}
	}
	return true
}

func (s *Session) NotifyAdding(target *Target, bp Breakpoint) {
	for _, l := range s.breakpointListeners.snapshot() {
		l.AddingBreakpoint(target, bp)
	}
	s.bus.Publish(BreakpointNotice{Kind: NoticeAdding, Target: target, Breakpoint: bp})
}

func (s *Session) NotifyInstalled(target *Target, bp Breakpoint) {
	for _, l := range s.breakpointListeners.snapshot() {
		l.BreakpointInstalled(target, bp)
	}
	s.bus.Publish(BreakpointNotice{Kind: NoticeInstalled, Target: target, Breakpoint: bp})
}

func (s *Session) NotifyRemoved(target *Target, bp Breakpoint) {
	for _, l := range s.breakpointListeners.snapshot() {
		l.BreakpointRemoved(target, bp)
	}
	s.bus.Publish(BreakpointNotice{Kind: NoticeRemoved, Target: target, Breakpoint: bp})
}

func (s *Session) NotifyCompilationErrors(bp Breakpoint, errs []string) {
	for _, l := range s.breakpointListeners.snapshot() {
		l.BreakpointHasCompilationErrors(bp, errs)
	}
}

func (s *Session) NotifyRuntimeError(bp Breakpoint, err error) {
	for _, l := range s.breakpointListeners.snapshot() {
		l.BreakpointHasRuntimeError(bp, err)
	}
}

// Hot code replace listeners

func (s *Session) AddHotCodeReplaceListener(l HotCodeReplaceListener) {
	s.hcrListeners.add(l)
}

func (s *Session) RemoveHotCodeReplaceListener(l HotCodeReplaceListener) {
	s.hcrListeners.remove(l)
}

func (s *Session) NotifyHotCodeReplaceSucceeded(target *Target) {
	for _, l := range s.hcrListeners.snapshot() {
		l.HotCodeReplaceSucceeded(target)
	}
}

func (s *Session) NotifyHotCodeReplaceFailed(target *Target, err error) {
	for _, l := range s.hcrListeners.snapshot() {
		l.HotCodeReplaceFailed(target, err)
	}
}

func (s *Session) NotifyObsoleteMethods(target *Target) {
	for _, l := range s.hcrListeners.snapshot() {
		l.ObsoleteMethods(target)
	}
}
