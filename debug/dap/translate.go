package dap

import (
	"strings"

	"github.com/google/go-dap"

	"github.com/xhd2015/dlv-pump/debug/remote"
)

// translate turns one DAP event into the event set the dispatcher sees.
// It returns nil for events that carry nothing for the debug model.
func translate(msg dap.Message) *remote.EventSet {
	switch m := msg.(type) {
	case *dap.StoppedEvent:
		return translateStopped(m)
	case *dap.ThreadEvent:
		ev := &remote.Event{Thread: remote.ThreadRef(m.Body.ThreadId), Reason: m.Body.Reason, Raw: m}
		switch m.Body.Reason {
		case "started":
			ev.Kind = remote.KindThreadStart
		case "exited":
			ev.Kind = remote.KindThreadDeath
		}
		return remote.NewEventSet(ev)
	case *dap.LoadedSourceEvent:
		if m.Body.Reason != "new" {
			return nil
		}
		return remote.NewEventSet(&remote.Event{
			Kind:   remote.KindClassPrepare,
			Type:   remote.LoadedType{Name: m.Body.Source.Name, Path: m.Body.Source.Path},
			Reason: m.Body.Reason,
			Raw:    m,
		})
	case *dap.ModuleEvent:
		if m.Body.Reason != "new" {
			return nil
		}
		return remote.NewEventSet(&remote.Event{
			Kind:   remote.KindClassPrepare,
			Type:   remote.LoadedType{Name: m.Body.Module.Name, Path: m.Body.Module.Path},
			Reason: m.Body.Reason,
			Raw:    m,
		})
	case *dap.ExitedEvent:
		return remote.NewEventSet(&remote.Event{Kind: remote.KindVMDeath, ExitCode: m.Body.ExitCode, Reason: "exited", Raw: m})
	case *dap.TerminatedEvent:
		return remote.NewEventSet(&remote.Event{Kind: remote.KindVMDeath, Reason: "terminated", Raw: m})
	case *dap.InitializedEvent, *dap.OutputEvent:
		return nil
	case dap.EventMessage:
		return remote.NewEventSet(&remote.Event{Kind: remote.KindUnknown, Reason: m.GetEvent().Event, Raw: m})
	}
	return nil
}

func translateStopped(m *dap.StoppedEvent) *remote.EventSet {
	thread := remote.ThreadRef(m.Body.ThreadId)
	reason := m.Body.Reason
	newEvent := func(kind remote.Kind, request remote.RequestID) *remote.Event {
		return &remote.Event{Kind: kind, Thread: thread, Request: request, Reason: reason, Raw: m}
	}
	perHit := func(kind remote.Kind) *remote.EventSet {
		if len(m.Body.HitBreakpointIds) == 0 {
			return remote.NewEventSet(newEvent(kind, remote.NoRequest))
		}
		events := make([]*remote.Event, 0, len(m.Body.HitBreakpointIds))
		for _, id := range m.Body.HitBreakpointIds {
			events = append(events, newEvent(kind, remote.RequestID(id)))
		}
		return remote.NewEventSet(events...)
	}

	switch reason {
	case "step":
		return remote.NewEventSet(newEvent(remote.KindStep, remote.NoRequest))
	case "breakpoint":
		return perHit(remote.KindBreakpoint)
	case "function breakpoint":
		return perHit(remote.KindMethodEntry)
	case "data breakpoint":
		return perHit(remote.KindWatchpoint)
	case "instruction breakpoint":
		return perHit(remote.KindLocatable)
	case "exception", "panic":
		return remote.NewEventSet(newEvent(remote.KindException, exceptionRequest(m.Body.Description, m.Body.Text)))
	case "entry":
		return remote.NewEventSet(newEvent(remote.KindVMStart, remote.NoRequest))
	}
	return remote.NewEventSet(newEvent(remote.KindUnknown, remote.NoRequest))
}

// exceptionRequest picks the reserved request Delve's stop corresponds to.
func exceptionRequest(description, text string) remote.RequestID {
	s := strings.ToLower(description + " " + text)
	switch {
	case strings.Contains(s, "fatal"):
		return remote.FatalThrowRequest
	case strings.Contains(s, "panic"), strings.Contains(s, "runtime error"):
		return remote.PanicRequest
	}
	return remote.NoRequest
}
