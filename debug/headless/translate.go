package headless

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/go-delve/delve/service/api"

	"github.com/xhd2015/dlv-pump/debug/remote"
)

var exitedPattern = regexp.MustCompile(`exited with status (-?\d+)`)

// exitStatus recognizes the error Delve returns for a command issued
// after the process ended.
func exitStatus(err error) (int, bool) {
	m := exitedPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	status, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return status, true
}

// translateState turns the state returned by a resuming command into
// events. A stop caused by a halt carries none.
func translateState(command string, state *api.DebuggerState, halted bool) []*remote.Event {
	if state.Exited {
		return []*remote.Event{{Kind: remote.KindVMDeath, ExitCode: state.ExitStatus, Reason: "exited", Raw: state}}
	}
	newEvent := func(kind remote.Kind, request remote.RequestID, reason string) []*remote.Event {
		ev := &remote.Event{Kind: kind, Thread: stateThread(state), Request: request, Reason: reason, Raw: state}
		if th := state.CurrentThread; th != nil {
			ev.Location = remote.Location{File: th.File, Line: th.Line}
			if th.Function != nil {
				ev.Location.Function = th.Function.Name()
			}
		}
		return []*remote.Event{ev}
	}

	if th := state.CurrentThread; th != nil && th.Breakpoint != nil {
		bp := th.Breakpoint
		id := remote.RequestID(bp.ID)
		switch {
		case id == remote.PanicRequest || id == remote.FatalThrowRequest:
			return newEvent(remote.KindException, id, bp.Name)
		case bp.WatchExpr != "":
			return newEvent(remote.KindWatchpoint, id, "watch "+bp.WatchExpr)
		default:
			return newEvent(remote.KindBreakpoint, id, "breakpoint")
		}
	}
	switch command {
	case api.Next, api.Step, api.StepOut:
		return newEvent(remote.KindStep, remote.NoRequest, command)
	}
	if halted {
		return nil
	}
	return newEvent(remote.KindUnknown, remote.NoRequest, "stopped")
}

// stateThread picks the goroutine a stop belongs to.
func stateThread(state *api.DebuggerState) remote.ThreadRef {
	if g := state.SelectedGoroutine; g != nil {
		return remote.ThreadRef(g.ID)
	}
	if th := state.CurrentThread; th != nil && th.GoroutineID != 0 {
		return remote.ThreadRef(th.GoroutineID)
	}
	return remote.NoThread
}

// diffGoroutines compares the goroutines seen now with the known ones.
// Started goroutines are reported before exited ones, each in ascending
// order of id.
func diffGoroutines(known map[remote.ThreadRef]string, current []*api.Goroutine) ([]*remote.Event, map[remote.ThreadRef]string) {
	next := make(map[remote.ThreadRef]string, len(current))
	var started []*remote.Event
	for _, g := range current {
		ref := remote.ThreadRef(g.ID)
		next[ref] = goroutineName(g)
		if _, ok := known[ref]; !ok {
			started = append(started, &remote.Event{Kind: remote.KindThreadStart, Thread: ref, Reason: next[ref], Raw: g})
		}
	}
	var exited []*remote.Event
	for ref, name := range known {
		if _, ok := next[ref]; !ok {
			exited = append(exited, &remote.Event{Kind: remote.KindThreadDeath, Thread: ref, Reason: name})
		}
	}
	sortByThread(started)
	sortByThread(exited)
	return append(started, exited...), next
}

func sortByThread(events []*remote.Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Thread < events[j].Thread })
}

func goroutineName(g *api.Goroutine) string {
	return fmt.Sprintf("goroutine %d", g.ID)
}
