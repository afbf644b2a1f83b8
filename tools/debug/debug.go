package debug

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xhd2015/dlv-pump/debug"
	"github.com/xhd2015/dlv-pump/debug/model"
	"github.com/xhd2015/dlv-pump/debug/remote"
	"github.com/xhd2015/dlv-pump/log"
)

// DialFunc connects to a Delve server.
type DialFunc func(ctx context.Context, transport string, addr string) (remote.VM, error)

type ToolOptions struct {
	// Transport is used when attach_target does not name one.
	Transport string
	Logger    log.Logger
	// Dial defaults to debug.Dial with the session's request timeout.
	Dial DialFunc
	// RecentEvents is how many bus messages recent_events keeps.
	RecentEvents int
}

// Tools exposes a debug session over MCP.
type Tools struct {
	session *model.Session
	opts    ToolOptions
	recent  *recentEvents

	mu          sync.Mutex
	breakpoints map[string]model.Breakpoint
}

// RegisterTools registers the debug tools with the MCP server
func RegisterTools(s *server.MCPServer, session *model.Session, opts ToolOptions) *Tools {
	if opts.Transport == "" {
		opts.Transport = debug.TransportDAP
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.RecentEvents <= 0 {
		opts.RecentEvents = 100
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, transport string, addr string) (remote.VM, error) {
			return debug.Dial(ctx, transport, addr, debug.DialOptions{
				Logger:         opts.Logger,
				RequestTimeout: session.RequestTimeout(),
			})
		}
	}
	t := &Tools{
		session:     session,
		opts:        opts,
		recent:      newRecentEvents(opts.RecentEvents),
		breakpoints: make(map[string]model.Breakpoint),
	}
	session.Bus().Subscribe(t.observe)

	t.registerAttachTool(s)
	t.registerListTargetsTool(s)
	t.registerShutdownTool(s)
	t.registerDisconnectTool(s)
	t.registerSetBreakpointTool(s)
	t.registerRemoveBreakpointTool(s)
	t.registerBreakOnPanicTool(s)
	t.registerResumeTool(s)
	t.registerSuspendTool(s)
	t.registerStepTool(s)
	t.registerSetRequestTimeoutTool(s)
	t.registerRecentEventsTool(s)
	return t
}

// observe records every bus message and drops the breakpoints of
// targets that terminated.
func (t *Tools) observe(msg model.Message) {
	t.recent.record(msg)
	ev, ok := msg.(model.DebugEvent)
	if !ok || ev.Kind != model.EventTerminate {
		return
	}
	if target, ok := ev.Source.(*model.Target); ok {
		t.forgetBreakpoints(target)
	}
}

func (t *Tools) target(request mcp.CallToolRequest) (*model.Target, error) {
	id, _ := request.Params.Arguments["target_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("target_id is required")
	}
	target, ok := t.session.Target(id)
	if !ok {
		return nil, fmt.Errorf("target not found: %s", id)
	}
	return target, nil
}

func breakpointKey(target *model.Target, file string, line int) string {
	return fmt.Sprintf("%s|%s:%d", target.ID(), file, line)
}

func (t *Tools) registerAttachTool(s *server.MCPServer) {
	tool := mcp.NewTool("attach_target",
		mcp.WithDescription("Attach to a Delve server and start dispatching its debug events"),
		mcp.WithString("addr",
			mcp.Required(),
			mcp.Description("Address of the Delve server, e.g. 127.0.0.1:2345"),
		),
		mcp.WithString("transport",
			mcp.Description("Protocol spoken by the server: 'dap' for dlv dap, 'headless' for dlv --headless --api-version=2"),
			mcp.Enum(debug.TransportDAP, debug.TransportHeadless),
		),
		mcp.WithString("name",
			mcp.Description("Name shown for the target, defaults to the address"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		addr, _ := request.Params.Arguments["addr"].(string)
		transport, _ := request.Params.Arguments["transport"].(string)
		name, _ := request.Params.Arguments["name"].(string)
		if addr == "" {
			return mcp.NewToolResultError("addr is required"), nil
		}
		if transport == "" {
			transport = t.opts.Transport
		}

		vm, err := t.opts.Dial(ctx, transport, addr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to connect: %v", err)), nil
		}
		var opts []model.TargetOption
		if name != "" {
			opts = append(opts, model.WithName(name))
		}
		target, err := t.session.Attach(ctx, vm, opts...)
		if err != nil {
			vm.Close()
			return mcp.NewToolResultError(fmt.Sprintf("Failed to attach: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Attached to %s\nTarget ID: %s\nThreads: %d",
			target.Name(), target.ID(), len(target.Threads()))), nil
	})
}

type targetView struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	State       string       `yaml:"state"`
	Threads     []threadView `yaml:"threads,omitempty"`
	Breakpoints []string     `yaml:"breakpoints,omitempty"`
	Installed   []string     `yaml:"installed,omitempty"`
	Loaded      int          `yaml:"loaded_types"`
}

type threadView struct {
	Ref      int64  `yaml:"ref"`
	Name     string `yaml:"name"`
	State    string `yaml:"state"`
	Location string `yaml:"location,omitempty"`
}

func viewTarget(target *model.Target) targetView {
	v := targetView{
		ID:     target.ID(),
		Name:   target.Name(),
		State:  "running",
		Loaded: len(target.LoadedTypes()),
	}
	switch {
	case target.IsDisconnected():
		v.State = "disconnected"
	case target.IsTerminated():
		v.State = "terminated"
	case target.IsSuspended():
		v.State = "suspended"
	}
	for _, th := range target.Threads() {
		tv := threadView{Ref: int64(th.Ref()), Name: th.Name(), State: "running"}
		switch {
		case th.IsStepping():
			tv.State = "stepping"
		case th.IsSuspended():
			tv.State = "suspended"
			if loc := th.Location(); loc != (remote.Location{}) {
				tv.Location = loc.String()
			}
		}
		v.Threads = append(v.Threads, tv)
	}
	for _, bp := range target.Breakpoints() {
		v.Breakpoints = append(v.Breakpoints, fmt.Sprintf("%s (hits: %d)", bp, bp.HitCount()))
	}
	if reporter, ok := target.VM().(remote.BreakpointReporter); ok {
		for _, spec := range reporter.Breakpoints() {
			v.Installed = append(v.Installed, spec.String())
		}
	}
	return v
}

func (t *Tools) registerListTargetsTool(s *server.MCPServer) {
	tool := mcp.NewTool("list_targets",
		mcp.WithDescription("List attached targets with their threads and breakpoints"),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		targets := t.session.Targets()
		if len(targets) == 0 {
			return mcp.NewToolResultText("No attached targets"), nil
		}
		views := make([]targetView, 0, len(targets))
		for _, target := range targets {
			views = append(views, viewTarget(target))
		}
		out, err := yaml.Marshal(views)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to format targets: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	})
}

func (t *Tools) registerShutdownTool(s *server.MCPServer) {
	tool := mcp.NewTool("shutdown_target",
		mcp.WithDescription("Stop dispatching events of a target. The connection stays open"),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("ID of the target"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := t.target(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		target.Shutdown()
		return mcp.NewToolResultText(fmt.Sprintf("Event dispatch of %s is shutting down", target.Name())), nil
	})
}

func (t *Tools) registerDisconnectTool(s *server.MCPServer) {
	tool := mcp.NewTool("disconnect_target",
		mcp.WithDescription("Detach from a target and close its connection"),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("ID of the target"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := t.target(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := target.Disconnect(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to disconnect: %v", err)), nil
		}
		t.forgetBreakpoints(target)
		return mcp.NewToolResultText(fmt.Sprintf("Disconnected from %s", target.Name())), nil
	})
}

func (t *Tools) forgetBreakpoints(target *model.Target) {
	prefix := target.ID() + "|"
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.breakpoints {
		if strings.HasPrefix(key, prefix) {
			delete(t.breakpoints, key)
		}
	}
}

func (t *Tools) registerSetBreakpointTool(s *server.MCPServer) {
	tool := mcp.NewTool("set_breakpoint",
		mcp.WithDescription("Set a line breakpoint on a target"),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("ID of the target"),
		),
		mcp.WithString("file",
			mcp.Required(),
			mcp.Description("Source file to set breakpoint in (absolute path)"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Line number to set breakpoint at"),
		),
		mcp.WithString("condition",
			mcp.Description("Expression that must be true for the breakpoint to stop"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := t.target(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		file, _ := request.Params.Arguments["file"].(string)
		lineFloat, _ := request.Params.Arguments["line"].(float64)
		condition, _ := request.Params.Arguments["condition"].(string)
		line := int(lineFloat)
		if file == "" || line <= 0 {
			return mcp.NewToolResultError("file and a positive line are required"), nil
		}

		key := breakpointKey(target, file, line)
		t.mu.Lock()
		_, exists := t.breakpoints[key]
		t.mu.Unlock()
		if exists {
			return mcp.NewToolResultError(fmt.Sprintf("Breakpoint already set at %s:%d", file, line)), nil
		}

		var opts []model.LineBreakpointOption
		if condition != "" {
			opts = append(opts, model.WithCondition(condition))
		}
		bp := model.NewLineBreakpoint(file, line, opts...)
		if err := target.AddBreakpoint(ctx, bp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to set breakpoint: %v", err)), nil
		}
		if bp.Request() == remote.NoRequest {
			return mcp.NewToolResultText(fmt.Sprintf("Breakpoint at %s:%d was not installed", file, line)), nil
		}
		t.mu.Lock()
		t.breakpoints[key] = bp
		t.mu.Unlock()
		return mcp.NewToolResultText(fmt.Sprintf("Breakpoint set at %s:%d (request %d)", file, line, bp.Request())), nil
	})
}

func (t *Tools) registerRemoveBreakpointTool(s *server.MCPServer) {
	tool := mcp.NewTool("remove_breakpoint",
		mcp.WithDescription("Remove a line breakpoint from a target"),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("ID of the target"),
		),
		mcp.WithString("file",
			mcp.Required(),
			mcp.Description("Source file of the breakpoint"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Line of the breakpoint"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := t.target(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		file, _ := request.Params.Arguments["file"].(string)
		lineFloat, _ := request.Params.Arguments["line"].(float64)
		line := int(lineFloat)

		key := breakpointKey(target, file, line)
		t.mu.Lock()
		bp, ok := t.breakpoints[key]
		delete(t.breakpoints, key)
		t.mu.Unlock()
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("No breakpoint at %s:%d", file, line)), nil
		}
		if err := target.RemoveBreakpoint(ctx, bp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to remove breakpoint: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Breakpoint at %s:%d removed (hits: %d)", file, line, bp.HitCount())), nil
	})
}

func (t *Tools) registerBreakOnPanicTool(s *server.MCPServer) {
	tool := mcp.NewTool("break_on_panic",
		mcp.WithDescription("Suspend goroutines that hit an unrecovered panic or a fatal runtime error"),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("ID of the target"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := t.target(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		for _, entry := range []struct {
			key string
			bp  model.Breakpoint
		}{
			{target.ID() + "|panic", model.NewPanicBreakpoint()},
			{target.ID() + "|fatal", model.NewFatalThrowBreakpoint()},
		} {
			key, bp := entry.key, entry.bp
			t.mu.Lock()
			_, exists := t.breakpoints[key]
			t.mu.Unlock()
			if exists {
				continue
			}
			if err := target.AddBreakpoint(ctx, bp); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to add %s: %v", bp, err)), nil
			}
			if bp.Request() == remote.NoRequest {
				continue
			}
			t.mu.Lock()
			t.breakpoints[key] = bp
			t.mu.Unlock()
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s suspends on panics and fatal errors", target.Name())), nil
	})
}

func (t *Tools) registerResumeTool(s *server.MCPServer) {
	tool := mcp.NewTool("resume_target",
		mcp.WithDescription("Resume every goroutine of a target"),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("ID of the target"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := t.target(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := target.Resume(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resume: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s resumed", target.Name())), nil
	})
}

func (t *Tools) registerSuspendTool(s *server.MCPServer) {
	tool := mcp.NewTool("suspend_target",
		mcp.WithDescription("Suspend every goroutine of a target"),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("ID of the target"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := t.target(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := target.Suspend(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to suspend: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s suspended", target.Name())), nil
	})
}

func (t *Tools) registerStepTool(s *server.MCPServer) {
	tool := mcp.NewTool("step",
		mcp.WithDescription("Step a suspended goroutine"),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("ID of the target"),
		),
		mcp.WithNumber("thread",
			mcp.Required(),
			mcp.Description("Goroutine to step, as listed by list_targets"),
		),
		mcp.WithString("kind",
			mcp.Description("Step kind: 'over' the next line, 'into' a call or 'return' from the function"),
			mcp.Enum("over", "into", "return"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := t.target(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ref, _ := request.Params.Arguments["thread"].(float64)
		kind, _ := request.Params.Arguments["kind"].(string)
		thread := target.FindThread(remote.ThreadRef(ref))
		if thread == nil {
			return mcp.NewToolResultError(fmt.Sprintf("Thread %d not found", int64(ref))), nil
		}
		switch kind {
		case "", "over":
			err = thread.StepOver(ctx)
		case "into":
			err = thread.StepInto(ctx)
		case "return":
			err = thread.StepReturn(ctx)
		default:
			return mcp.NewToolResultError(fmt.Sprintf("Unknown step kind: %s", kind)), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to step: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s is stepping", thread.Name())), nil
	})
}

func (t *Tools) registerSetRequestTimeoutTool(s *server.MCPServer) {
	tool := mcp.NewTool("set_request_timeout",
		mcp.WithDescription("Set how long requests to every attached target wait for a reply"),
		mcp.WithNumber("timeout_ms",
			mcp.Required(),
			mcp.Description("Timeout in milliseconds"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ms, _ := request.Params.Arguments["timeout_ms"].(float64)
		if ms <= 0 {
			return mcp.NewToolResultError("timeout_ms must be positive"), nil
		}
		d := time.Duration(ms) * time.Millisecond
		t.session.SetRequestTimeout(d)
		return mcp.NewToolResultText(fmt.Sprintf("Request timeout set to %s", d)), nil
	})
}

func (t *Tools) registerRecentEventsTool(s *server.MCPServer) {
	tool := mcp.NewTool("recent_events",
		mcp.WithDescription("Show the most recent debug events, oldest first"),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of events to show"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit, _ := request.Params.Arguments["limit"].(float64)
		events := t.recent.last(int(limit))
		if len(events) == 0 {
			return mcp.NewToolResultText("No debug events"), nil
		}
		return mcp.NewToolResultText(strings.Join(events, "\n")), nil
	})
}

// recentEvents keeps the last messages published on the bus.
type recentEvents struct {
	mu    sync.Mutex
	items []string
	next  int
	full  bool
}

func newRecentEvents(size int) *recentEvents {
	return &recentEvents{items: make([]string, size)}
}

func (r *recentEvents) record(msg model.Message) {
	line := fmt.Sprint(msg)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = line
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n messages, oldest first. n <= 0 means all.
func (r *recentEvents) last(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []string
	if r.full {
		all = append(all, r.items[r.next:]...)
	}
	all = append(all, r.items[:r.next]...)
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}
