package lease

import "errors"

var (
	ErrLeaseNotFound   = errors.New("lease not found")
	ErrLeaseExists     = errors.New("lease already exists")
	ErrVersionMismatch = errors.New("lease version mismatch")
	// ErrLeaseConflict is returned by Acquire when another host holds the lease.
	ErrLeaseConflict = errors.New("lease is held by another owner")
	// ErrLeaseLost is returned when this host no longer owns a lease it
	// tries to mutate.
	ErrLeaseLost = errors.New("lease lost")
)
