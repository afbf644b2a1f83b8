package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/go-dap"

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
	// AttachArgs are sent with the attach request. Delve's DAP server
	// expects {"mode": "remote"} when it was started with --headless.
	AttachArgs map[string]interface{}
}

// Conn is a remote.VM backed by a Delve DAP server.
//
// One goroutine reads the connection. Responses are matched to their
// requests by sequence number; events are translated and queued for the
// dispatcher without ever blocking the reader.
type Conn struct {
	name   string
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	logger log.Logger
	events *remote.EventQueue

	writeMu sync.Mutex
	seq     int

	// bpMu is held from reading a source's list until the list the
	// server accepted is stored.
	bpMu sync.Mutex

	mu          sync.Mutex
	pending     map[int]chan dap.ResponseMessage
	timeout     time.Duration
	caps        remote.Capabilities
	closed      bool
	exited      bool
	lastStopped remote.ThreadRef
	sources     map[string][]sourceBreakpoint

	initialized     chan struct{}
	initializedOnce sync.Once
	done            chan struct{}
}

type sourceBreakpoint struct {
	spec remote.BreakpointSpec
	id   remote.RequestID
}

var (
	_ remote.VM                 = (*Conn)(nil)
	_ remote.BreakpointReporter = (*Conn)(nil)
)

// NewConn wraps an established connection and starts reading it. name
// identifies the VM in logs.
func NewConn(rwc io.ReadWriteCloser, name string, opts Options) *Conn {
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
		rwc:         rwc,
		reader:      bufio.NewReader(rwc),
		logger:      logger,
		events:      remote.NewEventQueue(),
		pending:     make(map[int]chan dap.ResponseMessage),
		timeout:     timeout,
		caps:        remote.Capabilities{},
		sources:     make(map[string][]sourceBreakpoint),
		initialized: make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.readEvents()
	return c
}

func (c *Conn) Name() string         { return c.name }
func (c *Conn) Events() remote.Queue { return c.events }

func (c *Conn) Capabilities() remote.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
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

// Close tears down the connection. The reader goroutine then reports the
// VM as disconnected.
func (c *Conn) Close() error {
	err := c.rwc.Close()
	<-c.done
	return err
}

// readEvents reads messages until the connection fails.
func (c *Conn) readEvents() {
	defer close(c.done)
	for {
		msg, err := dap.ReadProtocolMessage(c.reader)
		if err != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) {
				c.logger.Debugf("%s: skipping undecodable message: %v", c.name, err)
				continue
			}
			c.shutdown(err)
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			c.deliver(m)
		case dap.EventMessage:
			c.handleEvent(m)
		default:
			c.logger.Debugf("%s: ignoring %T", c.name, msg)
		}
	}
}

func (c *Conn) deliver(resp dap.ResponseMessage) {
	seq := resp.GetResponse().RequestSeq
	c.mu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if !ok {
		c.logger.Debugf("%s: dropping response to request %d (%s)", c.name, seq, resp.GetResponse().Command)
		return
	}
	ch <- resp
}

func (c *Conn) handleEvent(ev dap.EventMessage) {
	switch m := ev.(type) {
	case *dap.InitializedEvent:
		c.initializedOnce.Do(func() { close(c.initialized) })
		return
	case *dap.OutputEvent:
		c.logger.Debugf("%s: output: %s", c.name, m.Body.Output)
		return
	case *dap.StoppedEvent:
		c.mu.Lock()
		c.lastStopped = remote.ThreadRef(m.Body.ThreadId)
		c.mu.Unlock()
	case *dap.ExitedEvent:
		c.mu.Lock()
		c.exited = true
		c.mu.Unlock()
	case *dap.TerminatedEvent:
		c.mu.Lock()
		exited := c.exited
		c.exited = true
		c.mu.Unlock()
		if exited {
			return
		}
	}
	if set := translate(ev); set != nil {
		c.events.Push(set)
	}
}

// shutdown fails every pending request and ends the event stream with a
// VM disconnect.
func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int]chan dap.ResponseMessage)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if errors.Is(cause, io.EOF) {
		c.logger.Debugf("%s: connection closed by server", c.name)
	} else {
		c.logger.Debugf("%s: connection lost: %v", c.name, cause)
	}
	c.events.Push(remote.NewEventSet(&remote.Event{Kind: remote.KindVMDisconnect, Reason: "disconnected"}))
	c.events.Close(remote.Errorf(remote.ErrDisconnected, "read", cause))
}

// send writes req and waits for its response. Failures are classified:
// a closed connection is ErrDisconnected, no reply within the request
// timeout is ErrTimeout and an unsuccessful response is
// ErrOperationRefused.
func (c *Conn) send(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	r := req.GetRequest()
	ch := make(chan dap.ResponseMessage, 1)

	c.writeMu.Lock()
	c.seq++
	r.Seq = c.seq
	r.Type = "request"
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, remote.Errorf(remote.ErrDisconnected, r.Command, nil)
	}
	c.pending[r.Seq] = ch
	c.mu.Unlock()
	err := dap.WriteProtocolMessage(c.rwc, req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(r.Seq)
		return nil, remote.Errorf(remote.ErrDisconnected, r.Command, err)
	}

	timer := time.NewTimer(c.requestTimeout())
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, remote.Errorf(remote.ErrDisconnected, r.Command, nil)
		}
		if base := resp.GetResponse(); !base.Success {
			return resp, remote.Errorf(remote.ErrOperationRefused, r.Command, errors.New(base.Message))
		}
		return resp, nil
	case <-timer.C:
		c.forget(r.Seq)
		return nil, remote.Errorf(remote.ErrTimeout, r.Command, fmt.Errorf("no response within %s", c.requestTimeout()))
	case <-ctx.Done():
		c.forget(r.Seq)
		return nil, ctx.Err()
	}
}

func (c *Conn) forget(seq int) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// Threads lists the goroutines Delve reports as threads.
func (c *Conn) Threads(ctx context.Context) ([]remote.ThreadInfo, error) {
	resp, err := c.send(ctx, &dap.ThreadsRequest{Request: newRequest("threads")})
	if err != nil {
		return nil, err
	}
	threadsResp, ok := resp.(*dap.ThreadsResponse)
	if !ok {
		return nil, remote.Errorf(remote.ErrMismatch, "threads", fmt.Errorf("unexpected response %T", resp))
	}
	threads := make([]remote.ThreadInfo, 0, len(threadsResp.Body.Threads))
	for _, th := range threadsResp.Body.Threads {
		threads = append(threads, remote.ThreadInfo{Ref: remote.ThreadRef(th.Id), Name: th.Name})
	}
	return threads, nil
}

// ResumeThread continues the debuggee. Delve resumes every goroutine.
func (c *Conn) ResumeThread(ctx context.Context, thread remote.ThreadRef) error {
	_, err := c.send(ctx, &dap.ContinueRequest{
		Request:   newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: int(thread)},
	})
	return err
}

func (c *Conn) Resume(ctx context.Context) error {
	c.mu.Lock()
	thread := c.lastStopped
	c.mu.Unlock()
	return c.ResumeThread(ctx, thread)
}

func (c *Conn) Suspend(ctx context.Context) error {
	c.mu.Lock()
	thread := c.lastStopped
	c.mu.Unlock()
	_, err := c.send(ctx, &dap.PauseRequest{
		Request:   newRequest("pause"),
		Arguments: dap.PauseArguments{ThreadId: int(thread)},
	})
	return err
}

func (c *Conn) Step(ctx context.Context, thread remote.ThreadRef, kind remote.StepKind) error {
	var req dap.RequestMessage
	switch kind {
	case remote.StepOver:
		req = &dap.NextRequest{Request: newRequest("next"), Arguments: dap.NextArguments{ThreadId: int(thread)}}
	case remote.StepInto:
		req = &dap.StepInRequest{Request: newRequest("stepIn"), Arguments: dap.StepInArguments{ThreadId: int(thread)}}
	case remote.StepReturn:
		req = &dap.StepOutRequest{Request: newRequest("stepOut"), Arguments: dap.StepOutArguments{ThreadId: int(thread)}}
	default:
		return remote.Errorf(remote.ErrInvalidRequestState, "step", fmt.Errorf("unknown step kind %d", kind))
	}
	_, err := c.send(ctx, req)
	return err
}

// SetBreakpoint adds spec to the breakpoints of its file. DAP replaces
// the whole list of a source on every request, so the list kept per file
// is sent each time.
func (c *Conn) SetBreakpoint(ctx context.Context, spec remote.BreakpointSpec) (remote.RequestID, error) {
	c.bpMu.Lock()
	defer c.bpMu.Unlock()

	c.mu.Lock()
	list := append(append([]sourceBreakpoint(nil), c.sources[spec.File]...), sourceBreakpoint{spec: spec})
	c.mu.Unlock()

	ids, err := c.setSourceBreakpoints(ctx, spec.File, list)
	if err != nil {
		return remote.NoRequest, err
	}
	id := ids[len(ids)-1]
	if id == remote.NoRequest {
		return remote.NoRequest, remote.Errorf(remote.ErrInvalidLineNumber, "setBreakpoints",
			fmt.Errorf("%s:%d could not be verified", spec.File, spec.Line))
	}
	for i := range list {
		list[i].id = ids[i]
	}
	c.mu.Lock()
	c.sources[spec.File] = list
	c.mu.Unlock()
	return id, nil
}

func (c *Conn) ClearBreakpoint(ctx context.Context, id remote.RequestID) error {
	c.bpMu.Lock()
	defer c.bpMu.Unlock()

	c.mu.Lock()
	var file string
	var list []sourceBreakpoint
	for f, bps := range c.sources {
		for i, bp := range bps {
			if bp.id == id {
				file = f
				list = append(append([]sourceBreakpoint(nil), bps[:i]...), bps[i+1:]...)
			}
		}
	}
	c.mu.Unlock()
	if file == "" {
		return remote.Errorf(remote.ErrInvalidRequestState, "setBreakpoints", fmt.Errorf("breakpoint %d is not set", id))
	}

	ids, err := c.setSourceBreakpoints(ctx, file, list)
	if err != nil {
		return err
	}
	for i := range list {
		list[i].id = ids[i]
	}
	c.mu.Lock()
	if len(list) == 0 {
		delete(c.sources, file)
	} else {
		c.sources[file] = list
	}
	c.mu.Unlock()
	return nil
}

// setSourceBreakpoints returns one id per entry of list, NoRequest for
// entries the server could not verify.
func (c *Conn) setSourceBreakpoints(ctx context.Context, file string, list []sourceBreakpoint) ([]remote.RequestID, error) {
	bps := make([]dap.SourceBreakpoint, 0, len(list))
	for _, bp := range list {
		bps = append(bps, dap.SourceBreakpoint{
			Line:         bp.spec.Line,
			Condition:    bp.spec.Condition,
			HitCondition: bp.spec.HitCondition,
		})
	}
	resp, err := c.send(ctx, &dap.SetBreakpointsRequest{
		Request: newRequest("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: file},
			Breakpoints: bps,
		},
	})
	if err != nil {
		return nil, err
	}
	bpResp, ok := resp.(*dap.SetBreakpointsResponse)
	if !ok || len(bpResp.Body.Breakpoints) != len(list) {
		return nil, remote.Errorf(remote.ErrMismatch, "setBreakpoints", fmt.Errorf("unexpected response %T", resp))
	}
	ids := make([]remote.RequestID, len(list))
	for i, bp := range bpResp.Body.Breakpoints {
		if bp.Verified {
			ids[i] = remote.RequestID(bp.Id)
		}
	}
	return ids, nil
}

// Breakpoints returns the breakpoints currently set, ordered by file.
func (c *Conn) Breakpoints() []remote.BreakpointSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	files := make([]string, 0, len(c.sources))
	for f := range c.sources {
		files = append(files, f)
	}
	sort.Strings(files)
	var specs []remote.BreakpointSpec
	for _, f := range files {
		for _, bp := range c.sources[f] {
			specs = append(specs, bp.spec)
		}
	}
	return specs
}

// Dispose ends the debug session. The debuggee keeps running when Delve
// was started headless.
func (c *Conn) Dispose(ctx context.Context) error {
	_, err := c.send(ctx, &dap.DisconnectRequest{Request: newRequest("disconnect")})
	return err
}
