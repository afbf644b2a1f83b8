package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"

	"github.com/xhd2015/dlv-pump/debug/remote"
	"github.com/xhd2015/dlv-pump/log"
)

// DefaultRequestTimeout bounds a request until the session sets its own.
const DefaultRequestTimeout = 3 * time.Second

// Options configures a Conn.
type Options struct {
	Logger         log.Logger
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Conn is a remote.VM backed by a Delve headless server speaking
// JSON-RPC v2.
//
// Delve has no event stream: a resuming command only returns once the
// debuggee stops again. Conn issues those commands asynchronously and
// turns the state each one returns into an event set.
type Conn struct {
	name   string
	client *rpc.Client
	logger log.Logger
	events *remote.EventQueue

	mu          sync.Mutex
	timeout     time.Duration
	closed      bool
	running     bool
	inflight    bool
	halting     bool
	selected    remote.ThreadRef
	goroutines  map[remote.ThreadRef]string
	breakpoints map[remote.RequestID]remote.BreakpointSpec

	closeOnce sync.Once
}

var (
	_ remote.VM                 = (*Conn)(nil)
	_ remote.BreakpointReporter = (*Conn)(nil)
)

// watchConn reports the first read failure of the underlying connection.
// The rpc client reads continuously, so a dead server is noticed even
// when no call is pending.
type watchConn struct {
	net.Conn
	onError func(error)
}

func (w *watchConn) Read(p []byte) (int, error) {
	n, err := w.Conn.Read(p)
	if err != nil {
		w.onError(err)
	}
	return n, err
}

// NewConn wraps an established connection. name identifies the VM in logs.
func NewConn(nc net.Conn, name string, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c := &Conn{
		name:        name,
		logger:      logger,
		events:      remote.NewEventQueue(),
		timeout:     timeout,
		goroutines:  make(map[remote.ThreadRef]string),
		breakpoints: make(map[remote.RequestID]remote.BreakpointSpec),
	}
	c.client = jsonrpc.NewClient(&watchConn{Conn: nc, onError: c.shutdown})
	return c
}

func (c *Conn) Name() string         { return c.name }
func (c *Conn) Events() remote.Queue { return c.events }

func (c *Conn) Capabilities() remote.Capabilities {
	return remote.Capabilities{
		ConditionalBreaks:   true,
		TerminateDebuggee:   true,
		ReportsThreadEvents: true,
	}
}

func (c *Conn) SetRequestTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

func (c *Conn) requestTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// Running reports whether the debuggee was last seen running.
func (c *Conn) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.client.Close()
		c.shutdown(net.ErrClosed)
	})
	return err
}

// shutdown ends the event stream with a VM disconnect.
func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if errors.Is(cause, io.EOF) {
		c.logger.Debugf("%s: connection closed by server", c.name)
	} else {
		c.logger.Debugf("%s: connection lost: %v", c.name, cause)
	}
	c.events.Push(remote.NewEventSet(&remote.Event{Kind: remote.KindVMDisconnect, Reason: "disconnected"}))
	c.events.Close(remote.Errorf(remote.ErrDisconnected, "read", cause))
}

// call invokes method and waits for its reply within the request timeout.
func (c *Conn) call(ctx context.Context, method RPCMethod, args, reply interface{}) error {
	call := c.client.Go(string(method), args, reply, make(chan *rpc.Call, 1))
	timer := time.NewTimer(c.requestTimeout())
	defer timer.Stop()
	select {
	case <-call.Done:
		return classify(method, call.Error)
	case <-timer.C:
		return remote.Errorf(remote.ErrTimeout, method.op(), fmt.Errorf("no response within %s", c.requestTimeout()))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m RPCMethod) op() string {
	return strings.TrimPrefix(string(m), "RPCServer.")
}

// classify tags an rpc failure: a dead connection is ErrDisconnected and
// an error sent back by Delve is ErrOperationRefused.
func classify(method RPCMethod, err error) error {
	if err == nil {
		return nil
	}
	op := method.op()
	var serverErr rpc.ServerError
	switch {
	case errors.Is(err, rpc.ErrShutdown), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return remote.Errorf(remote.ErrDisconnected, op, err)
	case errors.As(err, &serverErr):
		if method == RPCCreateBreakpoint && strings.Contains(string(serverErr), "could not find") {
			return remote.Errorf(remote.ErrInvalidLineNumber, op, err)
		}
		return remote.Errorf(remote.ErrOperationRefused, op, err)
	}
	return remote.Errorf(remote.ErrInternal, op, err)
}

// Threads lists the debuggee's goroutines.
func (c *Conn) Threads(ctx context.Context) ([]remote.ThreadInfo, error) {
	gs, err := c.listGoroutines(ctx)
	if err != nil {
		return nil, err
	}
	threads := make([]remote.ThreadInfo, 0, len(gs))
	known := make(map[remote.ThreadRef]string, len(gs))
	for _, g := range gs {
		info := remote.ThreadInfo{Ref: remote.ThreadRef(g.ID), Name: goroutineName(g)}
		threads = append(threads, info)
		known[info.Ref] = info.Name
	}
	c.mu.Lock()
	c.goroutines = known
	c.mu.Unlock()
	return threads, nil
}

func (c *Conn) listGoroutines(ctx context.Context) ([]*api.Goroutine, error) {
	var out rpc2.ListGoroutinesOut
	if err := c.call(ctx, RPCListGoroutines, rpc2.ListGoroutinesIn{Start: 0, Count: 0}, &out); err != nil {
		return nil, err
	}
	return out.Goroutines, nil
}

// ResumeThread continues the debuggee. Delve resumes every goroutine.
func (c *Conn) ResumeThread(ctx context.Context, thread remote.ThreadRef) error {
	return c.resume(api.DebuggerCommand{Name: api.Continue})
}

func (c *Conn) Resume(ctx context.Context) error {
	return c.resume(api.DebuggerCommand{Name: api.Continue})
}

// Suspend halts the debuggee. The command in flight returns with the
// halted state, which carries no event.
func (c *Conn) Suspend(ctx context.Context) error {
	c.mu.Lock()
	c.halting = true
	c.mu.Unlock()

	var out rpc2.CommandOut
	if err := c.call(ctx, RPCCommand, api.DebuggerCommand{Name: api.Halt}, &out); err != nil {
		c.mu.Lock()
		c.halting = false
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	if !c.inflight {
		c.halting = false
		c.running = false
		c.selectFrom(&out.State)
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) Step(ctx context.Context, thread remote.ThreadRef, kind remote.StepKind) error {
	var name string
	switch kind {
	case remote.StepOver:
		name = api.Next
	case remote.StepInto:
		name = api.Step
	case remote.StepReturn:
		name = api.StepOut
	default:
		return remote.Errorf(remote.ErrInvalidRequestState, "step", fmt.Errorf("unknown step kind %d", kind))
	}

	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()
	if thread != remote.NoThread && thread != selected {
		var out rpc2.CommandOut
		cmd := api.DebuggerCommand{Name: api.SwitchGoroutine, GoroutineID: int64(thread)}
		if err := c.call(ctx, RPCCommand, cmd, &out); err != nil {
			return err
		}
		c.mu.Lock()
		c.selectFrom(&out.State)
		c.mu.Unlock()
	}
	return c.resume(api.DebuggerCommand{Name: name})
}

// resume sends a command that returns only when the debuggee stops again.
// The stop is reported through the event queue.
func (c *Conn) resume(cmd api.DebuggerCommand) error {
	c.mu.Lock()
	if c.inflight {
		c.mu.Unlock()
		return remote.Errorf(remote.ErrInvalidRequestState, cmd.Name, errors.New("debuggee is already running"))
	}
	c.inflight = true
	c.running = true
	c.halting = false
	c.mu.Unlock()

	out := new(rpc2.CommandOut)
	call := c.client.Go(string(RPCCommand), cmd, out, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if errors.Is(call.Error, rpc.ErrShutdown) {
			c.mu.Lock()
			c.inflight = false
			c.running = false
			c.mu.Unlock()
			return classify(RPCCommand, call.Error)
		}
		go c.stopped(cmd.Name, call.Error, &out.State)
	default:
		go func() {
			<-call.Done
			c.stopped(cmd.Name, call.Error, &out.State)
		}()
	}
	return nil
}

// stopped turns the outcome of a resuming command into an event set.
func (c *Conn) stopped(command string, err error, state *api.DebuggerState) {
	c.mu.Lock()
	c.inflight = false
	c.running = false
	halted := c.halting
	c.halting = false
	closed := c.closed
	if err == nil {
		c.selectFrom(state)
	}
	c.mu.Unlock()
	if closed {
		return
	}

	if err != nil {
		if status, ok := exitStatus(err); ok {
			c.events.Push(remote.NewEventSet(&remote.Event{Kind: remote.KindVMDeath, ExitCode: status, Reason: "exited", Raw: err}))
			return
		}
		c.logger.Warnf("%s: %s failed: %v", c.name, command, err)
		return
	}

	var events []*remote.Event
	if !state.Exited {
		events = c.threadChanges()
	}
	events = append(events, translateState(command, state, halted)...)
	if len(events) > 0 {
		c.events.Push(remote.NewEventSet(events...))
	}
}

// threadChanges reports goroutines started or gone since the last look.
func (c *Conn) threadChanges() []*remote.Event {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
	defer cancel()
	gs, err := c.listGoroutines(ctx)
	if err != nil {
		c.logger.Debugf("%s: list goroutines: %v", c.name, err)
		return nil
	}
	c.mu.Lock()
	events, next := diffGoroutines(c.goroutines, gs)
	c.goroutines = next
	c.mu.Unlock()
	return events
}

// selectFrom records the goroutine Delve has selected. Caller holds c.mu.
func (c *Conn) selectFrom(state *api.DebuggerState) {
	if ref := stateThread(state); ref != remote.NoThread {
		c.selected = ref
	}
	c.running = state.Running
}

// SetBreakpoint creates a line breakpoint and returns Delve's id for it.
func (c *Conn) SetBreakpoint(ctx context.Context, spec remote.BreakpointSpec) (remote.RequestID, error) {
	var out rpc2.CreateBreakpointOut
	in := rpc2.CreateBreakpointIn{Breakpoint: api.Breakpoint{
		File:    spec.File,
		Line:    spec.Line,
		Cond:    spec.Condition,
		HitCond: spec.HitCondition,
	}}
	if err := c.call(ctx, RPCCreateBreakpoint, in, &out); err != nil {
		return remote.NoRequest, err
	}
	id := remote.RequestID(out.Breakpoint.ID)
	c.mu.Lock()
	c.breakpoints[id] = spec
	c.mu.Unlock()
	return id, nil
}

func (c *Conn) ClearBreakpoint(ctx context.Context, id remote.RequestID) error {
	var out rpc2.ClearBreakpointOut
	if err := c.call(ctx, RPCClearBreakpoint, rpc2.ClearBreakpointIn{Id: int(id)}, &out); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.breakpoints, id)
	c.mu.Unlock()
	return nil
}

// Breakpoints returns the breakpoints set through this connection,
// ordered by id.
func (c *Conn) Breakpoints() []remote.BreakpointSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.breakpoints))
	for id := range c.breakpoints {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	specs := make([]remote.BreakpointSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, c.breakpoints[remote.RequestID(id)])
	}
	return specs
}

// Dispose detaches from the debuggee and leaves it running.
func (c *Conn) Dispose(ctx context.Context) error {
	var out rpc2.DetachOut
	return c.call(ctx, RPCDetach, rpc2.DetachIn{Kill: false}, &out)
}
