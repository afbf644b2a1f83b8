package dap

import (
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/dlv-pump/debug/remote"
)

func stopped(reason string, thread int, ids ...int) *dap.StoppedEvent {
	return &dap.StoppedEvent{
		Event: dap.Event{Event: "stopped"},
		Body:  dap.StoppedEventBody{Reason: reason, ThreadId: thread, HitBreakpointIds: ids},
	}
}

func kindsOf(set *remote.EventSet) []remote.Kind {
	var kinds []remote.Kind
	it := set.Iterator()
	for it.HasNext() {
		kinds = append(kinds, it.Next().Kind)
	}
	return kinds
}

func TestTranslateStopped(t *testing.T) {
	tests := []struct {
		name  string
		event *dap.StoppedEvent
		kinds []remote.Kind
	}{
		{"step", stopped("step", 1), []remote.Kind{remote.KindStep}},
		{"breakpoint per hit", stopped("breakpoint", 1, 3, 4), []remote.Kind{remote.KindBreakpoint, remote.KindBreakpoint}},
		{"breakpoint without ids", stopped("breakpoint", 1), []remote.Kind{remote.KindBreakpoint}},
		{"function breakpoint", stopped("function breakpoint", 1, 2), []remote.Kind{remote.KindMethodEntry}},
		{"data breakpoint", stopped("data breakpoint", 1, 2), []remote.Kind{remote.KindWatchpoint}},
		{"instruction breakpoint", stopped("instruction breakpoint", 1, 2), []remote.Kind{remote.KindLocatable}},
		{"exception", stopped("exception", 1), []remote.Kind{remote.KindException}},
		{"entry", stopped("entry", 1), []remote.Kind{remote.KindVMStart}},
		{"pause", stopped("pause", 1), []remote.Kind{remote.KindUnknown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := translate(tt.event)
			require.NotNil(t, set)
			assert.Equal(t, tt.kinds, kindsOf(set))
		})
	}
}

func TestTranslateBreakpointCarriesRequestAndThread(t *testing.T) {
	set := translate(stopped("breakpoint", 7, 3, 4))
	it := set.Iterator()
	first, second := it.Next(), it.Next()
	assert.Equal(t, remote.RequestID(3), first.Request)
	assert.Equal(t, remote.RequestID(4), second.Request)
	assert.Equal(t, remote.ThreadRef(7), second.Thread)
	assert.Equal(t, "breakpoint", first.Reason)
}

func TestTranslateException(t *testing.T) {
	ev := stopped("exception", 1)
	ev.Body.Description = "panic"
	assert.Equal(t, remote.PanicRequest, translate(ev).Events[0].Request)

	ev.Body.Description = "fatal error"
	assert.Equal(t, remote.FatalThrowRequest, translate(ev).Events[0].Request)

	ev.Body.Description = "runtime error: index out of range"
	assert.Equal(t, remote.PanicRequest, translate(ev).Events[0].Request)

	ev.Body.Description = "hardcoded breakpoint"
	assert.Equal(t, remote.NoRequest, translate(ev).Events[0].Request)
}

func TestTranslateLifecycle(t *testing.T) {
	started := &dap.ThreadEvent{Body: dap.ThreadEventBody{Reason: "started", ThreadId: 5}}
	assert.Equal(t, []remote.Kind{remote.KindThreadStart}, kindsOf(translate(started)))
	exited := &dap.ThreadEvent{Body: dap.ThreadEventBody{Reason: "exited", ThreadId: 5}}
	assert.Equal(t, []remote.Kind{remote.KindThreadDeath}, kindsOf(translate(exited)))

	module := &dap.ModuleEvent{Body: dap.ModuleEventBody{Reason: "new", Module: dap.Module{Name: "main", Path: "/bin/app"}}}
	set := translate(module)
	require.NotNil(t, set)
	assert.Equal(t, remote.LoadedType{Name: "main", Path: "/bin/app"}, set.Events[0].Type)
	module.Body.Reason = "removed"
	assert.Nil(t, translate(module))

	source := &dap.LoadedSourceEvent{Body: dap.LoadedSourceEventBody{Reason: "new", Source: dap.Source{Name: "main.go", Path: "/src/main.go"}}}
	assert.Equal(t, []remote.Kind{remote.KindClassPrepare}, kindsOf(translate(source)))

	exit := translate(&dap.ExitedEvent{Body: dap.ExitedEventBody{ExitCode: 2}})
	assert.Equal(t, remote.KindVMDeath, exit.Events[0].Kind)
	assert.Equal(t, 2, exit.Events[0].ExitCode)
	assert.Equal(t, []remote.Kind{remote.KindVMDeath}, kindsOf(translate(&dap.TerminatedEvent{})))

	assert.Nil(t, translate(&dap.InitializedEvent{}))
	assert.Nil(t, translate(&dap.OutputEvent{}))

	other := translate(&dap.ProcessEvent{Event: dap.Event{Event: "process"}})
	assert.Equal(t, remote.KindUnknown, other.Events[0].Kind)
	assert.Equal(t, "process", other.Events[0].Reason)
}
