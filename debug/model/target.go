package model

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xhd2015/dlv-pump/debug/remote"
)

// Target is one remote VM being debugged. It owns the dispatcher, the
// thread table and the connection.
type Target struct {
	Element

	id         string
	name       string
	session    *Session
	vm         remote.VM
	dispatcher *Dispatcher

	pumpCtx    context.Context
	cancelPump context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	mu           sync.RWMutex
	threads      map[remote.ThreadRef]*Thread
	loaded       map[string]remote.LoadedType
	breakpoints  []Breakpoint
	timeout      time.Duration
	started      bool
	suspended    bool
	terminated   bool
	disconnected bool
	exitCode     int
}

// TargetOption configures a Target.
type TargetOption func(*Target)

// WithName sets the name used in logs and listings.
func WithName(name string) TargetOption {
	return func(t *Target) {
		if name != "" {
			t.name = name
		}
	}
}

// NewTarget creates a target for vm, registers it with session as live
// and fires its creation event. Call Start to begin dispatching events.
func NewTarget(session *Session, vm remote.VM, opts ...TargetOption) *Target {
	t := &Target{
		id:      uuid.NewString(),
		name:    vm.Name(),
		session: session,
		vm:      vm,
		threads: make(map[remote.ThreadRef]*Thread),
		loaded:  make(map[string]remote.LoadedType),
	}
	t.Element = newElement(t, t)
	for _, opt := range opts {
		opt(t)
	}
	t.pumpCtx, t.cancelPump = context.WithCancel(context.Background())
	t.dispatcher = newDispatcher(t, vm.Events())
	session.register(t)
	t.FireCreated()
	return t
}

func (t *Target) ID() string            { return t.id }
func (t *Target) Name() string          { return t.name }
func (t *Target) Session() *Session     { return t.session }
func (t *Target) String() string        { return fmt.Sprintf("target %s (%s)", t.name, t.id) }
func (t *Target) Done() <-chan struct{} { return t.dispatcher.Done() }

// Start seeds the thread table from the VM and starts the event pump on
// its own goroutine. ctx bounds only the initial thread query.
func (t *Target) Start(ctx context.Context) error {
	infos, err := t.vm.Threads(ctx)
	if err != nil {
		return t.TargetRequestFailed("list threads of "+t.name, err)
	}
	for _, info := range infos {
		t.addThread(info.Ref, info.Name)
	}
	go t.dispatcher.Run(t.pumpCtx)
	return nil
}

// Shutdown asks the event pump to stop after the read in progress.
func (t *Target) Shutdown() {
	t.dispatcher.Shutdown()
}

// Disconnect ends the debug session: the VM is asked to dispose, the
// connection is closed and the pump is cancelled so a blocked read
// returns promptly.
func (t *Target) Disconnect(ctx context.Context) error {
	if t.IsDisconnected() {
		return nil
	}
	t.dispatcher.Shutdown()
	disposeErr := t.vm.Dispose(ctx)
	closeErr := t.closeVM()
	t.cancelPump()
	t.markTerminated(true)
	if disposeErr != nil && !remote.IsDisconnected(disposeErr) {
		return t.TargetRequestFailed("dispose "+t.name, disposeErr)
	}
	if closeErr != nil {
		return t.RequestFailed("close connection to "+t.name, closeErr)
	}
	return nil
}

// RequestTimeout returns the timeout applied to outbound VM requests.
func (t *Target) RequestTimeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.timeout
}

// SetRequestTimeout applies d to the VM connection.
func (t *Target) SetRequestTimeout(d time.Duration) {
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
	t.vm.SetRequestTimeout(d)
}

func (t *Target) IsStarted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

func (t *Target) IsSuspended() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.suspended
}

func (t *Target) IsTerminated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.terminated
}

func (t *Target) IsDisconnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.disconnected
}

// ExitCode is the exit code reported with the VM death event.
func (t *Target) ExitCode() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.exitCode
}

// FindThread returns the wrapper of a remote thread, or nil.
func (t *Target) FindThread(ref remote.ThreadRef) *Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.threads[ref]
}

// Threads returns the known threads ordered by reference.
func (t *Target) Threads() []*Thread {
	t.mu.RLock()
	threads := make([]*Thread, 0, len(t.threads))
	for _, th := range t.threads {
		threads = append(threads, th)
	}
	t.mu.RUnlock()
	sort.Slice(threads, func(i, j int) bool { return threads[i].ref < threads[j].ref })
	return threads
}

// LoadedTypes returns what the VM reported as loaded, ordered by path.
func (t *Target) LoadedTypes() []remote.LoadedType {
	t.mu.RLock()
	types := make([]remote.LoadedType, 0, len(t.loaded))
	for _, typ := range t.loaded {
		types = append(types, typ)
	}
	t.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return loadedKey(types[i]) < loadedKey(types[j]) })
	return types
}

func (t *Target) loadedType(file string) remote.LoadedType {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if typ, ok := t.loaded[file]; ok {
		return typ
	}
	return remote.LoadedType{Path: file}
}

// Breakpoints returns the breakpoints added to this target.
func (t *Target) Breakpoints() []Breakpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Breakpoint(nil), t.breakpoints...)
}

// AddBreakpoint installs bp on the VM and keeps it with the target. A
// breakpoint vetoed by a listener is not kept.
func (t *Target) AddBreakpoint(ctx context.Context, bp Breakpoint) error {
	return t.session.RunHostOperation(ctx, func(ctx context.Context) error {
		return t.addBreakpoint(ctx, bp)
	})
}

func (t *Target) addBreakpoint(ctx context.Context, bp Breakpoint) error {
	if t.IsTerminated() {
		return t.RequestFailed(fmt.Sprintf("add %s: %s is terminated", bp, t.name), nil)
	}
	installed, err := bp.Install(ctx, t)
	if err != nil || !installed {
		return err
	}
	t.mu.Lock()
	t.breakpoints = append(t.breakpoints, bp)
	t.mu.Unlock()
	return nil
}

// RemoveBreakpoint uninstalls bp and forgets it.
func (t *Target) RemoveBreakpoint(ctx context.Context, bp Breakpoint) error {
	return t.session.RunHostOperation(ctx, func(ctx context.Context) error {
		return t.removeBreakpoint(ctx, bp)
	})
}

func (t *Target) removeBreakpoint(ctx context.Context, bp Breakpoint) error {
	t.mu.Lock()
	found := false
	for i, existing := range t.breakpoints {
		if existing == bp {
			t.breakpoints = append(t.breakpoints[:i:i], t.breakpoints[i+1:]...)
			found = true
			break
		}
	}
	t.mu.Unlock()
	if !found {
		return t.RequestFailed(fmt.Sprintf("%s is not set on %s", bp, t.name), nil)
	}
	return bp.Remove(ctx, t)
}

// ResumeThread resumes one remote thread without touching its wrapper.
func (t *Target) ResumeThread(ctx context.Context, ref remote.ThreadRef) error {
	return t.session.RunHostOperation(ctx, func(ctx context.Context) error {
		if err := t.vm.ResumeThread(ctx, ref); err != nil {
			return t.TargetRequestFailed(fmt.Sprintf("resume thread %d", ref), err)
		}
		return nil
	})
}

// Resume resumes every thread of the VM.
func (t *Target) Resume(ctx context.Context) error {
	return t.session.RunHostOperation(ctx, t.resume)
}

func (t *Target) resume(ctx context.Context) error {
	if t.IsTerminated() {
		return t.RequestFailed(t.name+" is terminated", nil)
	}
	if err := t.vm.Resume(ctx); err != nil {
		return t.TargetRequestFailed("resume "+t.name, err)
	}
	t.mu.Lock()
	t.suspended = false
	threads := make([]*Thread, 0, len(t.threads))
	for _, th := range t.threads {
		threads = append(threads, th)
	}
	t.mu.Unlock()
	for _, th := range threads {
		th.markResumed()
	}
	t.FireResumed(DetailClientRequest)
	return nil
}

// Suspend suspends every thread of the VM.
func (t *Target) Suspend(ctx context.Context) error {
	return t.session.RunHostOperation(ctx, t.suspend)
}

func (t *Target) suspend(ctx context.Context) error {
	if t.IsTerminated() {
		return t.RequestFailed(t.name+" is terminated", nil)
	}
	if err := t.vm.Suspend(ctx); err != nil {
		return t.TargetRequestFailed("suspend "+t.name, err)
	}
	t.mu.Lock()
	t.suspended = true
	threads := make([]*Thread, 0, len(t.threads))
	for _, th := range t.threads {
		threads = append(threads, th)
	}
	t.mu.Unlock()
	for _, th := range threads {
		th.markSuspended(nil)
	}
	t.FireSuspended(DetailClientRequest)
	return nil
}

// Event handlers called by the dispatcher.

func (t *Target) HandleThreadStart(ev *remote.Event) error {
	t.addThread(ev.Thread, "")
	return nil
}

func (t *Target) HandleThreadDeath(ev *remote.Event) error {
	t.mu.Lock()
	th, ok := t.threads[ev.Thread]
	delete(t.threads, ev.Thread)
	t.mu.Unlock()
	if ok {
		th.terminate()
	}
	return nil
}

func (t *Target) HandleClassPrepare(ev *remote.Event) error {
	key := loadedKey(ev.Type)
	if key == "" {
		return nil
	}
	t.mu.Lock()
	t.loaded[key] = ev.Type
	t.mu.Unlock()
	return nil
}

func (t *Target) HandleVMStart(ev *remote.Event) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	t.FireChanged()
	return nil
}

func (t *Target) HandleVMDeath(ev *remote.Event) {
	t.mu.Lock()
	t.exitCode = ev.ExitCode
	t.mu.Unlock()
	t.markTerminated(false)
}

func (t *Target) HandleVMDisconnect(ev *remote.Event) {
	t.markTerminated(true)
}

func (t *Target) addThread(ref remote.ThreadRef, name string) {
	t.mu.Lock()
	if _, ok := t.threads[ref]; ok {
		t.mu.Unlock()
		return
	}
	th := newThread(t, ref, name)
	th.suspended = t.suspended
	t.threads[ref] = th
	t.mu.Unlock()
	th.FireCreated()
}

// markTerminated is the single exit path of a target: threads are
// terminated, request bindings dropped, the target leaves the session,
// the pump stops and the connection is closed.
func (t *Target) markTerminated(disconnected bool) {
	t.mu.Lock()
	if disconnected {
		t.disconnected = true
	}
	if t.terminated {
		t.mu.Unlock()
		return
	}
	t.terminated = true
	t.suspended = false
	threads := make([]*Thread, 0, len(t.threads))
	for _, th := range t.threads {
		threads = append(threads, th)
	}
	t.threads = make(map[remote.ThreadRef]*Thread)
	t.mu.Unlock()

	sort.Slice(threads, func(i, j int) bool { return threads[i].ref < threads[j].ref })
	for _, th := range threads {
		th.terminate()
	}
	t.dispatcher.Shutdown()
	t.dispatcher.clearListeners()
	t.session.unregister(t)
	if err := t.closeVM(); err != nil {
		t.logger().Debugf("%s: closing connection: %v", t.name, err)
	}
	t.FireTerminated()
}

// closeVM closes the connection once; later calls return the first
// result.
func (t *Target) closeVM() error {
	t.closeOnce.Do(func() { t.closeErr = t.vm.Close() })
	return t.closeErr
}

func loadedKey(typ remote.LoadedType) string {
	if typ.Path != "" {
		return typ.Path
	}
	return typ.Name
}
