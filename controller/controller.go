package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/buddhike/changefeed/lease"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var ErrNotInitialized = errors.New("controller is not initialized")

const defaultCleanupTimeout = 30 * time.Second

// Controller owns the set of partitions processed by this host. It acquires
// leases, runs one supervised loop per owned lease and reacts to the way
// each loop finishes.
type Controller struct {
	container      LeaseContainer
	manager        LeaseManager
	factory        SupervisorFactory
	synchronizer   Synchronizer
	executor       Executor
	metrics        Metrics
	cleanupTimeout time.Duration
	logger         *zap.Logger

	owned   *xsync.Map[string, *WorkerTask]
	running *xsync.Map[*WorkerTask, struct{}]

	mu   sync.Mutex
	root *Source
}

type Option func(*Controller)

func WithExecutor(e Executor) Option {
	return func(c *Controller) {
		c.executor = e
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithCleanupTimeout bounds store calls made after a worker task finished.
func WithCleanupTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.cleanupTimeout = d
	}
}

func NewController(container LeaseContainer, manager LeaseManager, factory SupervisorFactory, synchronizer Synchronizer, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		container:      container,
		manager:        manager,
		factory:        factory,
		synchronizer:   synchronizer,
		executor:       GoExecutor{},
		metrics:        nopMetrics{},
		cleanupTimeout: defaultCleanupTimeout,
		logger:         logger.Named("partition-controller"),
		owned:          xsync.NewMap[string, *WorkerTask](),
		running:        xsync.NewMap[*WorkerTask, struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize replaces the root cancellation source and resumes the leases
// already recorded as owned by this host. Failing to resume an individual
// lease is logged and does not fail Initialize.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.root = NewSource(context.Background())
	c.mu.Unlock()

	c.logger.Debug("resuming leases owned by this host")
	leases, err := c.container.OwnedLeases(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, l := range leases {
		wg.Add(1)
		go func(l *lease.Lease) {
			defer wg.Done()
			c.logger.Info("resuming lease on startup", zap.String("lease-token", l.LeaseToken))
			if _, err := c.AddOrUpdateLease(ctx, l); err != nil {
				c.logger.Warn("failed to resume lease", zap.String("lease-token", l.LeaseToken), zap.Error(err))
			}
		}(l)
	}
	wg.Wait()
	return nil
}

// AddOrUpdateLease starts processing l if this host is not processing it yet
// and updates its properties otherwise. Calls for the same lease token are
// serialized: exactly one of them acquires the lease and spawns a worker
// task while the others wait for that outcome. Acquisition errors are
// returned after the lease was removed again.
func (c *Controller) AddOrUpdateLease(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	root := c.rootSource()
	if root == nil {
		return nil, ErrNotInitialized
	}

	for {
		task := newWorkerTask(l.Clone(), root.Child())
		existing, loaded := c.owned.LoadOrStore(l.LeaseToken, task)
		if !loaded {
			return c.acquireAndStart(ctx, task, l)
		}
		task.interrupt()

		select {
		case <-existing.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if existing.State() == TaskRunning {
			return c.updateProperties(ctx, existing, l)
		}

		// The acquisition failed or the task is finishing. Retry once its
		// entry is gone.
		select {
		case <-existing.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Controller) acquireAndStart(ctx context.Context, task *WorkerTask, l *lease.Lease) (*lease.Lease, error) {
	logger := c.logger.With(zap.String("lease-token", l.LeaseToken))
	c.metrics.SetOwnedPartitions(c.owned.Size())

	acquired, err := c.manager.Acquire(ctx, l)
	if errors.Is(err, lease.ErrLeaseNotFound) {
		acquired, err = l.Clone(), nil
	}
	if err != nil {
		logger.Info("failed to acquire lease", zap.Error(err))
		task.markReady()
		c.retire(task, true)
		return nil, err
	}

	logger.Info("lease acquired")
	c.metrics.LeaseAcquired()
	task.setLease(acquired)
	supervisor := c.factory.Create(acquired.Clone())

	task.setState(TaskRunning)
	c.running.Store(task, struct{}{})
	c.executor.Execute(func() {
		defer c.running.Delete(task)
		c.process(task, supervisor)
	})
	task.markReady()
	return acquired, nil
}

func (c *Controller) updateProperties(ctx context.Context, task *WorkerTask, l *lease.Lease) (*lease.Lease, error) {
	updated, err := c.manager.UpdateProperties(ctx, l)
	if err != nil {
		return nil, err
	}
	task.setLease(updated)
	c.logger.Debug("lease updated", zap.String("lease-token", l.LeaseToken))
	return updated, nil
}

func (c *Controller) process(task *WorkerTask, supervisor Supervisor) {
	logger := c.logger.With(zap.String("lease-token", task.LeaseToken()))
	outcome := supervisor.Run(task.Token())
	c.metrics.TaskCompleted(outcome.Kind.String())

	release := true
	switch outcome.Kind {
	case OutcomeSplit:
		parent := task.Lease()
		parent.ContinuationToken = outcome.ContinuationToken
		task.setLease(parent)
		// a deleted parent has nothing left to release
		release = !c.handleSplit(parent)
	case OutcomeCancelled:
		logger.Debug("processing cancelled")
	case OutcomeError:
		logger.Warn("processing failed", zap.Error(outcome.Err))
	default:
		logger.Info("processing completed")
	}

	c.retire(task, release)
}

// handleSplit starts the children of parent and then deletes parent. Errors
// are logged and not retried. A child that could not be started keeps its
// lease record and is picked up by a later discovery pass. It reports
// whether parent was deleted.
func (c *Controller) handleSplit(parent *lease.Lease) bool {
	logger := c.logger.With(zap.String("lease-token", parent.LeaseToken), zap.String("continuation-token", parent.ContinuationToken))
	ctx, cancel := context.WithTimeout(context.Background(), c.cleanupTimeout)
	defer cancel()

	children, err := c.synchronizer.SplitPartition(ctx, parent)
	if err != nil {
		logger.Warn("failed to split partition", zap.Error(err))
		return false
	}

	for _, child := range children {
		child = child.Clone()
		child.Properties = parent.Clone().Properties
		if _, err := c.AddOrUpdateLease(ctx, child); err != nil {
			logger.Warn("failed to start child partition", zap.String("child-lease-token", child.LeaseToken), zap.Error(err))
		}
	}

	if err := c.manager.Delete(ctx, parent); err != nil {
		logger.Warn("failed to delete parent lease", zap.Error(err))
		return false
	}
	c.metrics.PartitionSplit(len(children))
	logger.Info("partition split", zap.Int("children", len(children)))
	return true
}

// retire finalizes a task that will not run (again). Its lease is released
// only while the map still points at this task so that a task started later
// for the same token is left alone.
func (c *Controller) retire(task *WorkerTask, release bool) {
	defer close(task.done)
	task.setState(TaskCompleted)
	task.interrupt()

	if current, ok := c.owned.Load(task.LeaseToken()); !ok || current != task {
		return
	}

	if release {
		ctx, cancel := context.WithTimeout(context.Background(), c.cleanupTimeout)
		c.release(ctx, task.Lease())
		cancel()
	}

	c.owned.Compute(task.LeaseToken(), func(current *WorkerTask, loaded bool) (*WorkerTask, xsync.ComputeOp) {
		if loaded && current == task {
			return nil, xsync.DeleteOp
		}
		return current, xsync.CancelOp
	})
	c.metrics.SetOwnedPartitions(c.owned.Size())
}

// RemoveLease stops processing l and releases it. Unknown tokens are
// ignored. Release failures are logged; the lease expires in the store
// eventually.
func (c *Controller) RemoveLease(ctx context.Context, l *lease.Lease) {
	task, ok := c.owned.LoadAndDelete(l.LeaseToken)
	if !ok {
		return
	}
	c.metrics.SetOwnedPartitions(c.owned.Size())
	task.interrupt()

	select {
	case <-task.ready:
	case <-ctx.Done():
	}
	c.release(ctx, task.Lease())
}

func (c *Controller) release(ctx context.Context, l *lease.Lease) {
	logger := c.logger.With(zap.String("lease-token", l.LeaseToken))
	err := c.manager.Release(ctx, l)
	switch {
	case err == nil:
		c.metrics.LeaseReleased()
		logger.Info("lease released")
	case errors.Is(err, lease.ErrLeaseLost):
		logger.Debug("lease is not owned by this host", zap.Error(err))
	default:
		logger.Warn("failed to release lease", zap.Error(err))
	}
}

// Shutdown cancels every worker task and returns without waiting for them.
func (c *Controller) Shutdown() {
	if root := c.rootSource(); root != nil {
		root.Cancel()
	}
}

// ShutdownAndWait cancels every worker task and waits until all of them
// finished or ctx is done.
func (c *Controller) ShutdownAndWait(ctx context.Context) error {
	c.Shutdown()

	for {
		var pending *WorkerTask
		c.running.Range(func(task *WorkerTask, _ struct{}) bool {
			pending = task
			return false
		})
		if pending == nil {
			return nil
		}

		select {
		case <-pending.done:
			c.running.Delete(pending)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OwnedLeaseTokens lists the tokens with a created or running worker task.
func (c *Controller) OwnedLeaseTokens() []string {
	tokens := make([]string, 0, c.owned.Size())
	c.owned.Range(func(token string, _ *WorkerTask) bool {
		tokens = append(tokens, token)
		return true
	})
	return tokens
}

func (c *Controller) rootSource() *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}
