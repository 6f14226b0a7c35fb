package lease

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"
)

const maxUpdateAttempts = 5

// Manager implements lease ownership operations for one host on top of a
// Store. Ownership changes are single conditional writes; updates that keep
// ownership are retried on version conflicts after re-checking the owner.
type Manager struct {
	store      Store
	host       string
	expiration time.Duration
	logger     *zap.Logger
	clock      func() time.Time
}

func NewManager(store Store, host string, expiration time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		store:      store,
		host:       host,
		expiration: expiration,
		logger:     logger.Named("lease-manager").With(zap.String("host", host)),
		clock:      time.Now,
	}
}

func (m *Manager) Host() string {
	return m.host
}

func (m *Manager) Expiration() time.Duration {
	return m.expiration
}

// Acquire takes ownership of l and stores its properties when it carries
// any. It fails with ErrLeaseConflict when the stored owner is neither the
// owner observed in l nor this host, when the record changed since l was
// read (l.Version other than zero), or when another writer wins the race.
// ErrLeaseNotFound is returned unchanged.
func (m *Manager) Acquire(ctx context.Context, l *Lease) (*Lease, error) {
	current, err := m.store.Get(ctx, l.LeaseToken)
	if err != nil {
		return nil, err
	}

	if current.Owner != l.Owner && current.Owner != m.host {
		m.logger.Info("lease owner changed since it was observed",
			zap.String("lease-token", l.LeaseToken),
			zap.String("observed-owner", l.Owner),
			zap.String("owner", current.Owner))
		return nil, fmt.Errorf("acquire %s: %w", l.LeaseToken, ErrLeaseConflict)
	}
	if l.Version != 0 && current.Version != l.Version {
		m.logger.Info("lease changed since it was observed",
			zap.String("lease-token", l.LeaseToken),
			zap.Uint64("observed-version", l.Version),
			zap.Uint64("version", current.Version))
		return nil, fmt.Errorf("acquire %s: %w", l.LeaseToken, ErrLeaseConflict)
	}

	previousOwner := current.Owner
	current.Owner = m.host
	current.Timestamp = m.clock()
	if len(l.Properties) > 0 {
		current.Properties = maps.Clone(l.Properties)
	}
	updated, err := m.store.Replace(ctx, current)
	if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrLeaseNotFound) {
		return nil, fmt.Errorf("acquire %s: %w", l.LeaseToken, ErrLeaseConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.LeaseToken, err)
	}

	m.logger.Info("lease acquired", zap.String("lease-token", l.LeaseToken), zap.String("previous-owner", previousOwner))
	return updated, nil
}

// Release clears the owner of a lease held by this host. A missing lease
// is treated as released.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	current, err := m.store.Get(ctx, l.LeaseToken)
	if errors.Is(err, ErrLeaseNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if current.Owner != m.host {
		return fmt.Errorf("release %s owned by %q: %w", l.LeaseToken, current.Owner, ErrLeaseLost)
	}

	current.Owner = ""
	_, err = m.store.Replace(ctx, current)
	if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrLeaseNotFound) {
		return fmt.Errorf("release %s: %w", l.LeaseToken, ErrLeaseLost)
	}
	return err
}

func (m *Manager) Renew(ctx context.Context, l *Lease) (*Lease, error) {
	return m.update(ctx, l.LeaseToken, func(current *Lease) {
		current.Timestamp = m.clock()
	})
}

func (m *Manager) UpdateProperties(ctx context.Context, l *Lease) (*Lease, error) {
	properties := maps.Clone(l.Properties)
	return m.update(ctx, l.LeaseToken, func(current *Lease) {
		current.Properties = properties
	})
}

func (m *Manager) Checkpoint(ctx context.Context, l *Lease, continuationToken string) (*Lease, error) {
	return m.update(ctx, l.LeaseToken, func(current *Lease) {
		current.ContinuationToken = continuationToken
		current.Timestamp = m.clock()
	})
}

func (m *Manager) update(ctx context.Context, leaseToken string, mutate func(*Lease)) (*Lease, error) {
	for attempt := 1; ; attempt++ {
		current, err := m.store.Get(ctx, leaseToken)
		if errors.Is(err, ErrLeaseNotFound) {
			return nil, fmt.Errorf("update %s: %w", leaseToken, ErrLeaseLost)
		}
		if err != nil {
			return nil, err
		}
		if current.Owner != m.host {
			return nil, fmt.Errorf("update %s owned by %q: %w", leaseToken, current.Owner, ErrLeaseLost)
		}

		mutate(current)
		updated, err := m.store.Replace(ctx, current)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionMismatch) || attempt == maxUpdateAttempts {
			return nil, fmt.Errorf("update %s: %w", leaseToken, err)
		}
		m.logger.Debug("retrying lease update after version conflict", zap.String("lease-token", leaseToken), zap.Int("attempt", attempt))
	}
}

// Delete removes a lease. Deleting a missing lease succeeds.
func (m *Manager) Delete(ctx context.Context, l *Lease) error {
	for attempt := 1; ; attempt++ {
		current, err := m.store.Get(ctx, l.LeaseToken)
		if errors.Is(err, ErrLeaseNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		err = m.store.Delete(ctx, current)
		if err == nil || errors.Is(err, ErrLeaseNotFound) {
			m.logger.Info("lease deleted", zap.String("lease-token", l.LeaseToken))
			return nil
		}
		if !errors.Is(err, ErrVersionMismatch) || attempt == maxUpdateAttempts {
			return fmt.Errorf("delete %s: %w", l.LeaseToken, err)
		}
	}
}

// CreateIfNotExists creates an unowned lease or returns the stored one.
func (m *Manager) CreateIfNotExists(ctx context.Context, leaseToken, continuationToken string) (*Lease, error) {
	created, err := m.store.Create(ctx, New(leaseToken, continuationToken))
	if err == nil {
		m.logger.Info("lease created", zap.String("lease-token", leaseToken), zap.String("continuation-token", continuationToken))
		return created, nil
	}
	if !errors.Is(err, ErrLeaseExists) {
		return nil, fmt.Errorf("create %s: %w", leaseToken, err)
	}
	return m.store.Get(ctx, leaseToken)
}

func (m *Manager) List(ctx context.Context) ([]*Lease, error) {
	return m.store.List(ctx)
}

// OwnedLeases lists the leases currently recorded as owned by this host.
func (m *Manager) OwnedLeases(ctx context.Context) ([]*Lease, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var owned []*Lease
	for _, l := range all {
		if l.Owner == m.host {
			owned = append(owned, l)
		}
	}
	return owned, nil
}
