package model

import (
	"context"
	"fmt"
)

// HostLock serializes host operations. The dispatcher runs the dispatch
// of each event set as one operation, so model mutations never interleave
// with other work run through the same lock.
type HostLock interface {
	Run(ctx context.Context, op func(ctx context.Context) error) error
}

// ErrHostLockUnavailable is returned by the default lock when ctx ends
// before the lock is acquired.
type ErrHostLockUnavailable struct {
	Err error
}

func (e *ErrHostLockUnavailable) Error() string {
	return fmt.Sprintf("host lock unavailable: %v", e.Err)
}

func (e *ErrHostLockUnavailable) Unwrap() error {
	return e.Err
}

type chanHostLock struct {
	sem chan struct{}
}

// NewHostLock returns the default, non-reentrant HostLock.
func NewHostLock() HostLock {
	return &chanHostLock{sem: make(chan struct{}, 1)}
}

func (l *chanHostLock) Run(ctx context.Context, op func(ctx context.Context) error) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return &ErrHostLockUnavailable{Err: ctx.Err()}
	}
	defer func() { <-l.sem }()
	return op(ctx)
}
