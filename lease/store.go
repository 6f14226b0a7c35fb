package lease

import "context"

// Store persists leases keyed by lease token. Replace and Delete are
// conditional on the Version carried by the supplied lease.
type Store interface {
	Get(ctx context.Context, leaseToken string) (*Lease, error)
	Create(ctx context.Context, l *Lease) (*Lease, error)
	Replace(ctx context.Context, l *Lease) (*Lease, error)
	Delete(ctx context.Context, l *Lease) error
	List(ctx context.Context) ([]*Lease, error)
}
