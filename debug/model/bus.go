package model

import (
	"fmt"
	"sync"

	"github.com/xhd2015/dlv-pump/log"
)

// EventKind is the kind of a lifecycle notification.
type EventKind int

const (
	EventCreate EventKind = iota + 1
	EventResume
	EventSuspend
	EventTerminate
	EventChange
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "CREATE"
	case EventResume:
		return "RESUME"
	case EventSuspend:
		return "SUSPEND"
	case EventTerminate:
		return "TERMINATE"
	case EventChange:
		return "CHANGE"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Detail refines a lifecycle notification.
type Detail int

const (
	DetailUnspecified Detail = iota
	DetailStepInto
	DetailStepOver
	DetailStepReturn
	DetailStepEnd
	DetailBreakpoint
	DetailClientRequest
	DetailEvaluation
)

var detailNames = [...]string{
	DetailUnspecified:   "UNSPECIFIED",
	DetailStepInto:      "STEP_INTO",
	DetailStepOver:      "STEP_OVER",
	DetailStepReturn:    "STEP_RETURN",
	DetailStepEnd:       "STEP_END",
	DetailBreakpoint:    "BREAKPOINT",
	DetailClientRequest: "CLIENT_REQUEST",
	DetailEvaluation:    "EVALUATION",
}

func (d Detail) String() string {
	if d >= 0 && int(d) < len(detailNames) {
		return detailNames[d]
	}
	return fmt.Sprintf("Detail(%d)", int(d))
}

// Message is anything published on the Bus.
type Message interface {
	isMessage()
}

// DebugEvent is a lifecycle notification about one debug element.
type DebugEvent struct {
	Kind   EventKind
	Detail Detail
	// Source is the *Target, *Thread or Breakpoint the event is about.
	Source interface{}
}

func (DebugEvent) isMessage() {}

func (e DebugEvent) String() string {
	return fmt.Sprintf("%s/%s %v", e.Kind, e.Detail, e.Source)
}

// NoticeKind is the kind of a breakpoint lifecycle notice.
type NoticeKind int

const (
	NoticeAdding NoticeKind = iota + 1
	NoticeInstalled
	NoticeRemoved
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeAdding:
		return "ADDING"
	case NoticeInstalled:
		return "INSTALLED"
	case NoticeRemoved:
		return "REMOVED"
	}
	return fmt.Sprintf("NoticeKind(%d)", int(k))
}

// BreakpointNotice reports a breakpoint being added, installed or
// removed on a target.
type BreakpointNotice struct {
	Kind       NoticeKind
	Target     *Target
	Breakpoint Breakpoint
}

func (BreakpointNotice) isMessage() {}

func (n BreakpointNotice) String() string {
	return fmt.Sprintf("%s %s on %s", n.Kind, n.Breakpoint, n.Target.Name())
}

// Subscriber receives bus messages on the bus goroutine.
type Subscriber func(Message)

// Bus delivers messages to subscribers on a single goroutine, in publish
// order. Publish never blocks on subscribers.
type Bus struct {
	logger log.Logger

	mu      sync.Mutex
	queue   []Message
	subs    map[int]Subscriber
	nextSub int
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.Nop()
	}
	b := &Bus{
		logger: logger,
		subs:   make(map[int]Subscriber),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish queues msg. Messages published after Close are dropped.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close delivers what is already queued and stops the bus goroutine.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		closed := b.closed
		subs := make([]Subscriber, 0, len(b.subs))
		for i := 0; i < b.nextSub; i++ {
			if fn, ok := b.subs[i]; ok {
				subs = append(subs, fn)
			}
		}
		b.mu.Unlock()

		for _, msg := range batch {
			for _, fn := range subs {
				b.deliver(fn, msg)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-b.wake
	}
}

func (b *Bus) deliver(fn Subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("bus subscriber panicked on %T: %v", msg, r)
		}
	}()
	fn(msg)
}
