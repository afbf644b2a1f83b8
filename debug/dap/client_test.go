package dap

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/dlv-pump/debug/model"
	"github.com/xhd2015/dlv-pump/debug/remote"
)

// fakeAdapter plays the server side of a DAP connection.
type fakeAdapter struct {
	t        *testing.T
	conn     net.Conn
	requests chan dap.Message
	seq      int
}

func newPipe(t *testing.T) (*Conn, *fakeAdapter) {
	t.Helper()
	client, server := net.Pipe()
	a := &fakeAdapter{t: t, conn: server, requests: make(chan dap.Message, 16)}
	go func() {
		r := bufio.NewReader(server)
		for {
			msg, err := dap.ReadProtocolMessage(r)
			if err != nil {
				close(a.requests)
				return
			}
			a.requests <- msg
		}
	}()
	c := NewConn(client, "pipe", Options{RequestTimeout: 2 * time.Second})
	t.Cleanup(func() {
		server.Close()
		c.Close()
	})
	return c, a
}

func (a *fakeAdapter) next() dap.RequestMessage {
	a.t.Helper()
	select {
	case msg, ok := <-a.requests:
		require.True(a.t, ok, "connection closed")
		req, ok := msg.(dap.RequestMessage)
		require.True(a.t, ok, "unexpected %T", msg)
		return req
	case <-time.After(5 * time.Second):
		a.t.Fatal("no request received")
	}
	return nil
}

func (a *fakeAdapter) send(msg dap.Message) {
	a.t.Helper()
	require.NoError(a.t, dap.WriteProtocolMessage(a.conn, msg))
}

func (a *fakeAdapter) response(req dap.RequestMessage, success bool) dap.Response {
	a.seq++
	r := req.GetRequest()
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: a.seq, Type: "response"},
		Command:         r.Command,
		RequestSeq:      r.Seq,
		Success:         success,
	}
}

func (a *fakeAdapter) event(name string) dap.Event {
	a.seq++
	return dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: a.seq, Type: "event"}, Event: name}
}

func (a *fakeAdapter) replyThreads(ids ...int) {
	req := a.next()
	require.Equal(a.t, "threads", req.GetRequest().Command)
	var threads []dap.Thread
	for _, id := range ids {
		threads = append(threads, dap.Thread{Id: id, Name: "goroutine"})
	}
	a.send(&dap.ThreadsResponse{Response: a.response(req, true), Body: dap.ThreadsResponseBody{Threads: threads}})
}

func TestThreadsRoundTrip(t *testing.T) {
	c, a := newPipe(t)
	go a.replyThreads(1, 7)

	threads, err := c.Threads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []remote.ThreadInfo{{Ref: 1, Name: "goroutine"}, {Ref: 7, Name: "goroutine"}}, threads)
}

func TestErrorResponseIsRefused(t *testing.T) {
	c, a := newPipe(t)
	go func() {
		req := a.next()
		resp := a.response(req, false)
		resp.Message = "not stopped"
		a.send(&dap.ErrorResponse{Response: resp})
	}()

	err := c.Step(context.Background(), 1, remote.StepOver)
	kind, ok := remote.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, remote.ErrOperationRefused, kind)
	assert.Contains(t, err.Error(), "not stopped")
}

func TestRequestTimeout(t *testing.T) {
	c, a := newPipe(t)
	c.SetRequestTimeout(20 * time.Millisecond)
	go a.next()

	err := c.Suspend(context.Background())
	kind, _ := remote.KindOf(err)
	assert.Equal(t, remote.ErrTimeout, kind)
}

func TestSetBreakpointSendsWholeSource(t *testing.T) {
	c, a := newPipe(t)
	answer := func(verified ...bool) {
		req := a.next().(*dap.SetBreakpointsRequest)
		var bps []dap.Breakpoint
		for i, v := range verified {
			bps = append(bps, dap.Breakpoint{Id: 10 + i, Verified: v, Line: req.Arguments.Breakpoints[i].Line})
		}
		a.send(&dap.SetBreakpointsResponse{Response: a.response(req, true), Body: dap.SetBreakpointsResponseBody{Breakpoints: bps}})
	}
	ctx := context.Background()

	go answer(true)
	id, err := c.SetBreakpoint(ctx, remote.BreakpointSpec{File: "/src/main.go", Line: 5})
	require.NoError(t, err)
	assert.Equal(t, remote.RequestID(10), id)

	go answer(true, true)
	id, err = c.SetBreakpoint(ctx, remote.BreakpointSpec{File: "/src/main.go", Line: 9, Condition: "i == 2"})
	require.NoError(t, err)
	assert.Equal(t, remote.RequestID(11), id)
	assert.Len(t, c.Breakpoints(), 2)

	go answer(true, true, false)
	_, err = c.SetBreakpoint(ctx, remote.BreakpointSpec{File: "/src/main.go", Line: 999})
	kind, _ := remote.KindOf(err)
	assert.Equal(t, remote.ErrInvalidLineNumber, kind)
	assert.Len(t, c.Breakpoints(), 2)

	go answer(true)
	require.NoError(t, c.ClearBreakpoint(ctx, 10))
	assert.Equal(t, []remote.BreakpointSpec{{File: "/src/main.go", Line: 9, Condition: "i == 2"}}, c.Breakpoints())

	err = c.ClearBreakpoint(ctx, 42)
	kind, _ = remote.KindOf(err)
	assert.Equal(t, remote.ErrInvalidRequestState, kind)
}

func TestConcurrentBreakpointsInOneSourceAreKept(t *testing.T) {
	c, a := newPipe(t)
	sent := make(chan []int, 2)
	go func() {
		for i := 0; i < 2; i++ {
			req := a.next().(*dap.SetBreakpointsRequest)
			var lines []int
			var bps []dap.Breakpoint
			for _, bp := range req.Arguments.Breakpoints {
				lines = append(lines, bp.Line)
				bps = append(bps, dap.Breakpoint{Id: bp.Line, Verified: true, Line: bp.Line})
			}
			sent <- lines
			a.send(&dap.SetBreakpointsResponse{Response: a.response(req, true), Body: dap.SetBreakpointsResponseBody{Breakpoints: bps}})
		}
	}()

	ctx := context.Background()
	errs := make(chan error, 2)
	for _, line := range []int{5, 9} {
		go func(line int) {
			_, err := c.SetBreakpoint(ctx, remote.BreakpointSpec{File: "/src/main.go", Line: line})
			errs <- err
		}(line)
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Len(t, <-sent, 1)
	assert.ElementsMatch(t, []int{5, 9}, <-sent)
	assert.Len(t, c.Breakpoints(), 2)
}

func TestEventsAreQueuedAndDisconnectEndsStream(t *testing.T) {
	c, a := newPipe(t)
	a.send(&dap.StoppedEvent{Event: a.event("stopped"), Body: dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 1, HitBreakpointIds: []int{3}}})
	a.send(&dap.OutputEvent{Event: a.event("output"), Body: dap.OutputEventBody{Output: "hello\n"}})
	a.send(&dap.ExitedEvent{Event: a.event("exited"), Body: dap.ExitedEventBody{ExitCode: 0}})
	a.send(&dap.TerminatedEvent{Event: a.event("terminated")})
	a.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var kinds []remote.Kind
	for {
		set, err := c.Events().Remove(ctx)
		if err != nil {
			assert.True(t, remote.IsDisconnected(err), "got %v", err)
			break
		}
		kinds = append(kinds, kindsOf(set)...)
	}
	assert.Equal(t, []remote.Kind{remote.KindBreakpoint, remote.KindVMDeath, remote.KindVMDisconnect}, kinds)

	_, err := c.Threads(context.Background())
	assert.True(t, remote.IsDisconnected(err))
}

func TestPendingRequestFailsOnDisconnect(t *testing.T) {
	c, a := newPipe(t)
	go func() {
		a.next()
		a.conn.Close()
	}()

	err := c.ResumeThread(context.Background(), 1)
	assert.True(t, remote.IsDisconnected(err))
}

func TestHandshake(t *testing.T) {
	c, a := newPipe(t)
	go func() {
		req := a.next()
		require.Equal(t, "initialize", req.GetRequest().Command)
		a.send(&dap.InitializeResponse{
			Response: a.response(req, true),
			Body:     dap.Capabilities{SupportsConditionalBreakpoints: true},
		})
		req = a.next()
		attach := req.(*dap.AttachRequest)
		assert.JSONEq(t, `{"mode":"remote"}`, string(attach.Arguments))
		a.send(&dap.AttachResponse{Response: a.response(req, true)})
		a.send(&dap.InitializedEvent{Event: a.event("initialized")})
		req = a.next()
		require.Equal(t, "configurationDone", req.GetRequest().Command)
		a.send(&dap.ConfigurationDoneResponse{Response: a.response(req, true)})
	}()

	require.NoError(t, c.Handshake(context.Background(), nil))
	assert.True(t, c.Capabilities().ConditionalBreaks)
}

// A breakpoint nobody wants to stop at is acknowledged by continuing,
// with the reply read while the pump is still dispatching.
func TestPumpOverDAP(t *testing.T) {
	c, a := newPipe(t)
	session := model.NewSession()
	defer session.Close()
	session.AddBreakpointListener(&model.BreakpointListenerFuncs{})

	go a.replyThreads(1)
	target, err := session.Attach(context.Background(), c)
	require.NoError(t, err)

	go func() {
		req := a.next()
		a.send(&dap.SetBreakpointsResponse{
			Response: a.response(req, true),
			Body:     dap.SetBreakpointsResponseBody{Breakpoints: []dap.Breakpoint{{Id: 1, Verified: true, Line: 3}}},
		})
	}()
	bp := model.NewLineBreakpoint("/src/main.go", 3)
	require.NoError(t, target.AddBreakpoint(context.Background(), bp))

	a.send(&dap.StoppedEvent{Event: a.event("stopped"), Body: dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 1, HitBreakpointIds: []int{1}}})
	req := a.next()
	assert.Equal(t, "continue", req.GetRequest().Command)
	a.send(&dap.ContinueResponse{Response: a.response(req, true)})

	a.send(&dap.TerminatedEvent{Event: a.event("terminated")})
	select {
	case <-target.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop after the debuggee terminated")
	}
	assert.Equal(t, 1, bp.HitCount())
	assert.True(t, target.IsTerminated())

	_, err = c.Threads(context.Background())
	assert.True(t, remote.IsDisconnected(err), "the connection of a terminated target is closed")
}
