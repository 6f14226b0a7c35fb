package controller

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor runs worker tasks. Execute must not block the caller.
type Executor interface {
	Execute(fn func())
}

// GoExecutor runs every task on its own goroutine.
type GoExecutor struct{}

func (GoExecutor) Execute(fn func()) {
	go fn()
}

// BoundedExecutor runs at most n tasks at a time. Tasks submitted while all
// slots are busy wait for one to free up.
type BoundedExecutor struct {
	slots *semaphore.Weighted
}

func NewBoundedExecutor(n int) *BoundedExecutor {
	if n < 1 {
		n = 1
	}
	return &BoundedExecutor{slots: semaphore.NewWeighted(int64(n))}
}

func (e *BoundedExecutor) Execute(fn func()) {
	go func() {
		// Acquire with a background context cannot fail
		_ = e.slots.Acquire(context.Background(), 1)
		defer e.slots.Release(1)
		fn()
	}()
}
