package remote

import (
	"fmt"
	"strings"
)

// Kind classifies a remote event. KindUnknown is the zero value and is
// what transports report for events they do not recognize.
type Kind int

const (
	KindUnknown Kind = iota
	KindStep
	KindBreakpoint
	KindWatchpoint
	KindLocatable
	KindMethodEntry
	KindException
	KindThreadStart
	KindThreadDeath
	KindClassPrepare
	KindVMStart
	KindVMDeath
	KindVMDisconnect
)

var kindNames = [...]string{
	KindUnknown:      "unknown",
	KindStep:         "step",
	KindBreakpoint:   "breakpoint",
	KindWatchpoint:   "watchpoint",
	KindLocatable:    "locatable",
	KindMethodEntry:  "method-entry",
	KindException:    "exception",
	KindThreadStart:  "thread-start",
	KindThreadDeath:  "thread-death",
	KindClassPrepare: "class-prepare",
	KindVMStart:      "vm-start",
	KindVMDeath:      "vm-death",
	KindVMDisconnect: "vm-disconnect",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ThreadRef identifies a thread (or goroutine) of the remote VM.
type ThreadRef int64

// NoThread is used by events that are not tied to a thread.
const NoThread ThreadRef = 0

// RequestID identifies an event request installed on the remote VM.
type RequestID int

// NoRequest is used by events not caused by an installed request.
const NoRequest RequestID = 0

// Location is a source position reported with an event.
type Location struct {
	File     string
	Line     int
	Function string
}

func (l Location) String() string {
	if l.File == "" {
		return l.Function
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// LoadedType describes a unit of code the VM reported as loaded: a
// source file, a package or a module depending on the transport.
type LoadedType struct {
	Name string
	Path string
}

// Event is one remote event.
type Event struct {
	Kind     Kind
	Thread   ThreadRef
	Request  RequestID
	Location Location
	Type     LoadedType
	Reason   string
	ExitCode int

	// Raw is the transport message the event was decoded from.
	Raw interface{}
}

func (e *Event) String() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Thread != NoThread {
		fmt.Fprintf(&b, " thread=%d", e.Thread)
	}
	if e.Request != NoRequest {
		fmt.Fprintf(&b, " request=%d", e.Request)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	return b.String()
}

// EventSet is a group of events that occurred at one suspend point and
// were delivered together. A set is never reordered.
type EventSet struct {
	Events []*Event
}

// NewEventSet builds a set from events in delivery order.
func NewEventSet(events ...*Event) *EventSet {
	return &EventSet{Events: events}
}

// Len returns the number of events in the set.
func (s *EventSet) Len() int {
	return len(s.Events)
}

// Iterator returns a fresh iterator positioned before the first event.
func (s *EventSet) Iterator() *EventIterator {
	return &EventIterator{events: s.Events}
}

// EventIterator walks an EventSet in delivery order.
type EventIterator struct {
	events []*Event
	next   int
}

func (it *EventIterator) HasNext() bool {
	return it.next < len(it.events)
}

func (it *EventIterator) Next() *Event {
	ev := it.events[it.next]
	it.next++
	return ev
}
