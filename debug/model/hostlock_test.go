package model

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/dlv-pump/debug/remote"
)

func TestHostLockSerializes(t *testing.T) {
	lock := NewHostLock()
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.Run(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}

func TestHostLockHonoursContext(t *testing.T) {
	lock := NewHostLock()
	held := make(chan struct{})
	release := make(chan struct{})
	go lock.Run(context.Background(), func(ctx context.Context) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ran := false
	err := lock.Run(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	var unavailable *ErrHostLockUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, ran)
}

func TestHostLockReturnsOperationError(t *testing.T) {
	boom := errors.New("boom")
	err := NewHostLock().Run(context.Background(), func(ctx context.Context) error { return boom })
	assert.Same(t, boom, err)
}

func TestModelMutationsWaitForDispatch(t *testing.T) {
	session := NewSession()
	defer session.Close()

	vm := newFakeVM(1)
	target := startTarget(t, session, vm)
	entered := make(chan struct{})
	release := make(chan struct{})
	target.AddEventListener(7, listenerFunc(func(ctx context.Context, ev *remote.Event, _ *Target) error {
		close(entered)
		<-release
		return nil
	}))
	vm.queue.push(&remote.Event{Kind: remote.KindBreakpoint, Thread: 1, Request: 7})
	<-entered

	added := make(chan error, 1)
	go func() {
		added <- target.AddBreakpoint(context.Background(), NewLineBreakpoint("main.go", 10))
	}()
	select {
	case <-added:
		t.Fatal("AddBreakpoint ran while an event set was being dispatched")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, target.Breakpoints())

	close(release)
	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("AddBreakpoint did not run after dispatch")
	}
	assert.Len(t, target.Breakpoints(), 1)
}

func TestHandlersMutateTargetWithTheirContext(t *testing.T) {
	session := NewSession()
	defer session.Close()

	vm := newFakeVM(1)
	target := startTarget(t, session, vm)
	bp := NewLineBreakpoint("main.go", 20)
	added := make(chan error, 1)
	target.AddEventListener(7, listenerFunc(func(ctx context.Context, ev *remote.Event, target *Target) error {
		added <- target.AddBreakpoint(ctx, bp)
		return nil
	}))
	vm.queue.push(&remote.Event{Kind: remote.KindBreakpoint, Thread: 1, Request: 7})

	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("nested host operation did not run")
	}
	assert.Equal(t, []Breakpoint{bp}, target.Breakpoints())
}
