package model

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/xhd2015/dlv-pump/debug/remote"
	"github.com/xhd2015/dlv-pump/log"
)

// EventListener handles events caused by a request it installed.
type EventListener interface {
	HandleEvent(ctx context.Context, ev *remote.Event, target *Target) error
}

// DispatchState is the state of a Dispatcher's pump loop.
type DispatchState int32

const (
	StateIdle DispatchState = iota
	StateReading
	StateDispatching
	StateStopped
)

func (s DispatchState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("DispatchState(%d)", int32(s))
}

// Dispatcher pumps the event queue of one target and routes each event to
// the thread, breakpoint or target that handles it.
//
// Run is the only reader of the queue. Each event set is dispatched as a
// single host operation, and the next set is not read until the previous
// one has been dispatched completely.
type Dispatcher struct {
	target *Target
	queue  remote.Queue
	logger log.Logger
	trace  bool

	keepReading atomic.Bool
	started     atomic.Bool
	state       atomic.Int32
	done        chan struct{}

	mu        sync.RWMutex
	listeners map[remote.RequestID]EventListener

	// iterator over the set being dispatched; only touched by the pump
	// goroutine and the handlers it calls.
	iterator *remote.EventIterator
}

func newDispatcher(target *Target, queue remote.Queue) *Dispatcher {
	d := &Dispatcher{
		target:    target,
		queue:     queue,
		logger:    target.session.logger,
		trace:     target.session.trace,
		done:      make(chan struct{}),
		listeners: make(map[remote.RequestID]EventListener),
	}
	d.keepReading.Store(true)
	return d
}

// State returns the current state of the pump.
func (d *Dispatcher) State() DispatchState {
	return DispatchState(d.state.Load())
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Shutdown stops the pump after the read in progress returns. It does
// not interrupt a blocked read; cancel the context given to Run or close
// the VM for that. Safe to call more than once and from any goroutine.
func (d *Dispatcher) Shutdown() {
	d.keepReading.Store(false)
}

// Stopping reports whether Shutdown was called or a terminal event seen.
func (d *Dispatcher) Stopping() bool {
	return !d.keepReading.Load()
}

// HasPendingEvents reports whether the set being dispatched still has
// events after the current one. Meaningful only inside a handler.
func (d *Dispatcher) HasPendingEvents() bool {
	return d.iterator != nil && d.iterator.HasNext()
}

// AddEventListener binds l to events caused by request id. The object
// that installed the request owns the binding.
func (d *Dispatcher) AddEventListener(id remote.RequestID, l EventListener) {
	d.mu.Lock()
	d.listeners[id] = l
	d.mu.Unlock()
}

// RemoveEventListener drops the binding for request id.
func (d *Dispatcher) RemoveEventListener(id remote.RequestID) {
	d.mu.Lock()
	delete(d.listeners, id)
	d.mu.Unlock()
}

func (d *Dispatcher) clearListeners() {
	d.mu.Lock()
	d.listeners = make(map[remote.RequestID]EventListener)
	d.mu.Unlock()
}

func (d *Dispatcher) listener(id remote.RequestID) EventListener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listeners[id]
}

// Run pumps events until the VM goes away, a terminal event is
// dispatched, Shutdown is called, ctx is cancelled, or dispatch fails.
// It never returns an error: failures are logged, and a failed dispatch
// terminates the target. Run may be called once;
// later calls return immediately.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	defer close(d.done)
	defer d.state.Store(int32(StateStopped))

	name := d.target.name
	for d.keepReading.Load() {
		d.state.Store(int32(StateReading))
		set, err := d.queue.Remove(ctx)
		if err != nil {
			switch {
			case remote.IsDisconnected(err):
				d.logger.Debugf("%s: event queue disconnected", name)
				d.target.Disconnected()
			case ctx.Err() != nil:
				d.logger.Debugf("%s: event pump cancelled: %v", name, ctx.Err())
			default:
				d.logger.Errorf("%s: reading events: %v", name, err)
			}
			return
		}
		if set == nil {
			d.logger.Debugf("%s: event queue exhausted", name)
			return
		}
		if !d.keepReading.Load() {
			return
		}

		d.state.Store(int32(StateDispatching))
		err = d.target.session.RunHostOperation(ctx, func(ctx context.Context) error {
			return d.dispatch(ctx, set)
		})
		if err != nil {
			d.keepReading.Store(false)
			if ctx.Err() != nil {
				d.logger.Debugf("%s: event pump cancelled during dispatch: %v", name, err)
				return
			}
			// nothing reads the queue anymore, so the target is given up
			d.logger.Errorf("%s: event dispatch failed, stopping: %v", name, err)
			d.target.Disconnected()
			return
		}
	}
}

// dispatch routes every event of set in order. Classified remote failures
// of a single event are logged and dispatch moves on; anything else is
// returned and ends the pump.
func (d *Dispatcher) dispatch(ctx context.Context, set *remote.EventSet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic dispatching events: %v\n%s", r, debug.Stack())
		}
	}()
	if !d.keepReading.Load() {
		return nil
	}

	it := set.Iterator()
	d.iterator = it
	defer func() { d.iterator = nil }()

	for it.HasNext() {
		if !d.keepReading.Load() {
			return nil
		}
		ev := it.Next()
		if ev == nil {
			continue
		}
		if d.trace {
			d.logger.Debugf("%s: dispatch %s", d.target.name, ev)
		}
		evErr := d.dispatchEvent(ctx, ev)
		if evErr == nil {
			continue
		}
		if remote.IsDisconnected(evErr) {
			d.logger.Debugf("%s: VM disconnected while handling %s: %v", d.target.name, ev, evErr)
			d.keepReading.Store(false)
			d.target.Disconnected()
			return nil
		}
		if evErr = d.target.InternalError(evErr); evErr != nil {
			return fmt.Errorf("handling %s: %w", ev, evErr)
		}
	}
	return nil
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, ev *remote.Event) error {
	t := d.target
	switch ev.Kind {
	case remote.KindStep:
		return d.dispatchStep(ctx, ev)
	case remote.KindBreakpoint,
		remote.KindWatchpoint,
		remote.KindLocatable,
		remote.KindMethodEntry,
		remote.KindException:
		return d.dispatchRequestEvent(ctx, ev)
	case remote.KindThreadStart:
		return t.HandleThreadStart(ev)
	case remote.KindThreadDeath:
		return t.HandleThreadDeath(ev)
	case remote.KindClassPrepare:
		return t.HandleClassPrepare(ev)
	case remote.KindVMStart:
		return t.HandleVMStart(ev)
	case remote.KindVMDeath:
		t.HandleVMDeath(ev)
		d.keepReading.Store(false)
	case remote.KindVMDisconnect:
		t.HandleVMDisconnect(ev)
		d.keepReading.Store(false)
	default:
		// unknown kinds come from newer VMs; ignore them
	}
	return nil
}

// dispatchStep hands a step event to the thread that requested it. A
// thread the model does not know about is resumed so it does not stay
// parked; the rest of the set is still dispatched.
func (d *Dispatcher) dispatchStep(ctx context.Context, ev *remote.Event) error {
	thread := d.target.FindThread(ev.Thread)
	if thread == nil {
		return d.target.ResumeThread(ctx, ev.Thread)
	}
	return thread.HandleStep(ctx, ev)
}

func (d *Dispatcher) dispatchRequestEvent(ctx context.Context, ev *remote.Event) error {
	l := d.listener(ev.Request)
	if l == nil {
		d.logger.Warnf("%s: no handler bound to request %d for %s", d.target.name, ev.Request, ev)
		return nil
	}
	return l.HandleEvent(ctx, ev, d.target)
}
