package controller

import (
	"sync"
	"sync/atomic"

	"github.com/buddhike/changefeed/lease"
)

type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskRunning
	TaskCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// WorkerTask binds one lease to one supervised processing loop.
//
// ready is closed once the acquisition for the task has been resolved,
// either by submitting the loop or by failing. done is closed after the
// task was retired and its map entry, if still present, was removed.
type WorkerTask struct {
	leaseToken string
	source     *Source
	state      atomic.Int32
	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}

	mu    sync.Mutex
	lease *lease.Lease
}

func newWorkerTask(l *lease.Lease, source *Source) *WorkerTask {
	return &WorkerTask{
		leaseToken: l.LeaseToken,
		source:     source,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		lease:      l,
	}
}

func (t *WorkerTask) LeaseToken() string {
	return t.leaseToken
}

func (t *WorkerTask) State() TaskState {
	return TaskState(t.state.Load())
}

func (t *WorkerTask) Token() Token {
	return t.source.Token()
}

// Done is closed when the task has been retired.
func (t *WorkerTask) Done() <-chan struct{} {
	return t.done
}

// Lease returns a copy of the most recent lease known to the task.
func (t *WorkerTask) Lease() *lease.Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lease.Clone()
}

func (t *WorkerTask) setLease(l *lease.Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lease = l.Clone()
}

func (t *WorkerTask) setState(s TaskState) {
	t.state.Store(int32(s))
}

func (t *WorkerTask) markReady() {
	t.readyOnce.Do(func() { close(t.ready) })
}

func (t *WorkerTask) interrupt() {
	t.source.Cancel()
}
