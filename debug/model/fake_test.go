package model

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/dlv-pump/debug/remote"
	"github.com/xhd2015/dlv-pump/log"
)

// fakeQueue hands out event sets pushed by the test. Closing it makes
// Remove report a disconnected VM.
type fakeQueue struct {
	items     chan queueItem
	closeOnce sync.Once

	mu     sync.Mutex
	reads  int
	closed bool
	// onRemove, when set, runs at the start of every Remove, before the
	// read is counted.
	onRemove func(n int)
}

type queueItem struct {
	set *remote.EventSet
	err error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: make(chan queueItem, 64)}
}

func (q *fakeQueue) Remove(ctx context.Context) (*remote.EventSet, error) {
	q.mu.Lock()
	n := q.reads + 1
	hook := q.onRemove
	q.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	q.mu.Lock()
	q.reads = n
	q.mu.Unlock()
	select {
	case item, ok := <-q.items:
		if !ok {
			return nil, remote.Errorf(remote.ErrDisconnected, "remove", errors.New("queue closed"))
		}
		return item.set, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *fakeQueue) push(events ...*remote.Event) {
	q.put(queueItem{set: remote.NewEventSet(events...)})
}

func (q *fakeQueue) pushSet(set *remote.EventSet) {
	q.put(queueItem{set: set})
}

func (q *fakeQueue) pushErr(err error) {
	q.put(queueItem{err: err})
}

// put drops items pushed after the queue was closed, e.g. by a target
// that terminated and closed its VM.
func (q *fakeQueue) put(item queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.items <- item
	}
}

func (q *fakeQueue) close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
	})
}

func (q *fakeQueue) Reads() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reads
}

// fakeVM records the outbound calls made by the model.
type fakeVM struct {
	queue *fakeQueue
	caps  remote.Capabilities

	mu              sync.Mutex
	threads         []remote.ThreadInfo
	resumedThreads  []remote.ThreadRef
	resumes         int
	suspends        int
	steps           []remote.StepKind
	specs           []remote.BreakpointSpec
	cleared         []remote.RequestID
	timeouts        []time.Duration
	nextRequest     remote.RequestID
	disposed        bool
	closed          bool
	resumeThreadErr error
	setBreakErr     error
}

var _ remote.VM = (*fakeVM)(nil)

func newFakeVM(threads ...remote.ThreadRef) *fakeVM {
	vm := &fakeVM{
		queue:       newFakeQueue(),
		caps:        remote.Capabilities{ResumeSingleThread: true, ConditionalBreaks: true, ReportsThreadEvents: true},
		nextRequest: 100,
	}
	for _, ref := range threads {
		vm.threads = append(vm.threads, remote.ThreadInfo{Ref: ref})
	}
	return vm
}

func (vm *fakeVM) Name() string                      { return "fake" }
func (vm *fakeVM) Capabilities() remote.Capabilities { return vm.caps }
func (vm *fakeVM) Events() remote.Queue              { return vm.queue }

func (vm *fakeVM) Threads(ctx context.Context) ([]remote.ThreadInfo, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]remote.ThreadInfo(nil), vm.threads...), nil
}

func (vm *fakeVM) ResumeThread(ctx context.Context, thread remote.ThreadRef) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.resumedThreads = append(vm.resumedThreads, thread)
	return vm.resumeThreadErr
}

func (vm *fakeVM) Resume(ctx context.Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.resumes++
	return nil
}

func (vm *fakeVM) Suspend(ctx context.Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.suspends++
	return nil
}

func (vm *fakeVM) Step(ctx context.Context, thread remote.ThreadRef, kind remote.StepKind) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.steps = append(vm.steps, kind)
	return nil
}

func (vm *fakeVM) SetBreakpoint(ctx context.Context, spec remote.BreakpointSpec) (remote.RequestID, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.setBreakErr != nil {
		return remote.NoRequest, vm.setBreakErr
	}
	vm.specs = append(vm.specs, spec)
	id := vm.nextRequest
	vm.nextRequest++
	return id, nil
}

func (vm *fakeVM) ClearBreakpoint(ctx context.Context, id remote.RequestID) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.cleared = append(vm.cleared, id)
	return nil
}

func (vm *fakeVM) SetRequestTimeout(d time.Duration) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.timeouts = append(vm.timeouts, d)
}

func (vm *fakeVM) Dispose(ctx context.Context) error {
	vm.mu.Lock()
	vm.disposed = true
	vm.mu.Unlock()
	return nil
}

func (vm *fakeVM) Close() error {
	vm.mu.Lock()
	vm.closed = true
	vm.mu.Unlock()
	vm.queue.close()
	return nil
}

func (vm *fakeVM) Closed() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.closed
}

func (vm *fakeVM) ResumedThreads() []remote.ThreadRef {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]remote.ThreadRef(nil), vm.resumedThreads...)
}

func (vm *fakeVM) LastTimeout() time.Duration {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.timeouts) == 0 {
		return 0
	}
	return vm.timeouts[len(vm.timeouts)-1]
}

// syncBuffer is a bytes.Buffer safe for the pump and the test goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newCaptureLogger() (log.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return log.FromZerolog(zerolog.New(buf).Level(zerolog.DebugLevel)), buf
}

// recorder collects strings from handlers running on the pump goroutine.
type recorder struct {
	mu    sync.Mutex
	items []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.items = append(r.items, s)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

type listenerFunc func(ctx context.Context, ev *remote.Event, target *Target) error

func (f listenerFunc) HandleEvent(ctx context.Context, ev *remote.Event, target *Target) error {
	return f(ctx, ev, target)
}

func startTarget(t *testing.T, session *Session, vm *fakeVM) *Target {
	t.Helper()
	target, err := session.Attach(context.Background(), vm)
	require.NoError(t, err)
	t.Cleanup(func() {
		vm.Close()
		waitDone(t, target)
	})
	return target
}

func waitDone(t *testing.T, target *Target) {
	t.Helper()
	select {
	case <-target.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("event pump of %s did not stop", target.Name())
	}
}

// waitReads waits until the pump is blocked in its n-th read, which
// means every set before it was dispatched completely.
func waitReads(t *testing.T, q *fakeQueue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Reads() >= n }, 5*time.Second, time.Millisecond)
}
