package controller

import (
	"context"

	"github.com/buddhike/changefeed/lease"
)

// LeaseContainer enumerates leases recorded as owned by this host.
type LeaseContainer interface {
	OwnedLeases(ctx context.Context) ([]*lease.Lease, error)
}

// LeaseManager performs ownership changes against the lease store. Release
// and Delete are idempotent.
type LeaseManager interface {
	Acquire(ctx context.Context, l *lease.Lease) (*lease.Lease, error)
	Release(ctx context.Context, l *lease.Lease) error
	UpdateProperties(ctx context.Context, l *lease.Lease) (*lease.Lease, error)
	Delete(ctx context.Context, l *lease.Lease) error
}

// SupervisorFactory builds a Supervisor for an owned lease without doing
// any I/O.
type SupervisorFactory interface {
	Create(l *lease.Lease) Supervisor
}

// Supervisor runs the processing loop of one partition until it finishes.
// Implementations must check the token between units of work.
type Supervisor interface {
	Run(token Token) Outcome
}

// Synchronizer returns the child leases replacing a split parent.
type Synchronizer interface {
	SplitPartition(ctx context.Context, parent *lease.Lease) ([]*lease.Lease, error)
}

type Metrics interface {
	SetOwnedPartitions(n int)
	LeaseAcquired()
	LeaseReleased()
	PartitionSplit(children int)
	TaskCompleted(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) SetOwnedPartitions(int) {}
func (nopMetrics) LeaseAcquired()         {}
func (nopMetrics) LeaseReleased()         {}
func (nopMetrics) PartitionSplit(int)     {}
func (nopMetrics) TaskCompleted(string)   {}
