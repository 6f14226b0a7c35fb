package lease_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/buddhike/changefeed/lease"
	"github.com/buddhike/changefeed/lease/boltstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManagers(t *testing.T, hosts ...string) (lease.Store, []*lease.Manager) {
	t.Helper()
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var managers []*lease.Manager
	for _, h := range hosts {
		managers = append(managers, lease.NewManager(store, h, time.Minute, zap.NewNop()))
	}
	return store, managers
}

func TestAcquireUnownedLease(t *testing.T) {
	_, m := newTestManagers(t, "a")
	ctx := context.Background()

	l, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)

	acquired, err := m[0].Acquire(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, "a", acquired.Owner)
	assert.False(t, acquired.Timestamp.IsZero())
}

func TestAcquireMissingLease(t *testing.T) {
	_, m := newTestManagers(t, "a")
	_, err := m[0].Acquire(context.Background(), lease.New("s0", ""))
	assert.ErrorIs(t, err, lease.ErrLeaseNotFound)
}

func TestAcquireConflictsWithUnobservedOwner(t *testing.T) {
	_, m := newTestManagers(t, "a", "b")
	ctx := context.Background()

	l, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)
	_, err = m[0].Acquire(ctx, l)
	require.NoError(t, err)

	// b still believes the lease is unowned
	_, err = m[1].Acquire(ctx, l)
	assert.ErrorIs(t, err, lease.ErrLeaseConflict)
}

func TestAcquireStealsObservedOwner(t *testing.T) {
	_, m := newTestManagers(t, "a", "b")
	ctx := context.Background()

	l, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)
	owned, err := m[0].Acquire(ctx, l)
	require.NoError(t, err)

	stolen, err := m[1].Acquire(ctx, owned)
	require.NoError(t, err)
	assert.Equal(t, "b", stolen.Owner)

	_, err = m[0].Renew(ctx, owned)
	assert.ErrorIs(t, err, lease.ErrLeaseLost)
}

func TestAcquireConflictsWhenObservedLeaseWasRenewed(t *testing.T) {
	store, m := newTestManagers(t, "a", "b")
	ctx := context.Background()

	l, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)
	owned, err := m[0].Acquire(ctx, l)
	require.NoError(t, err)

	observed, err := store.Get(ctx, "s0")
	require.NoError(t, err)
	_, err = m[0].Renew(ctx, owned)
	require.NoError(t, err)

	_, err = m[1].Acquire(ctx, observed)
	assert.ErrorIs(t, err, lease.ErrLeaseConflict)

	current, err := store.Get(ctx, "s0")
	require.NoError(t, err)
	assert.Equal(t, "a", current.Owner)
}

func TestReleaseIsIdempotent(t *testing.T) {
	_, m := newTestManagers(t, "a")
	ctx := context.Background()

	assert.NoError(t, m[0].Release(ctx, lease.New("missing", "")))

	l, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)
	l, err = m[0].Acquire(ctx, l)
	require.NoError(t, err)

	require.NoError(t, m[0].Release(ctx, l))
	owned, err := m[0].OwnedLeases(ctx)
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestReleaseLeaseOwnedByOtherHost(t *testing.T) {
	_, m := newTestManagers(t, "a", "b")
	ctx := context.Background()

	l, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)
	_, err = m[0].Acquire(ctx, l)
	require.NoError(t, err)

	assert.ErrorIs(t, m[1].Release(ctx, l), lease.ErrLeaseLost)
}

func TestCheckpointAndUpdateProperties(t *testing.T) {
	store, m := newTestManagers(t, "a")
	ctx := context.Background()

	l, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)
	l, err = m[0].Acquire(ctx, l)
	require.NoError(t, err)

	_, err = m[0].Checkpoint(ctx, l, "4900")
	require.NoError(t, err)

	l.Properties["tenant"] = "x"
	_, err = m[0].UpdateProperties(ctx, l)
	require.NoError(t, err)

	stored, err := store.Get(ctx, "s0")
	require.NoError(t, err)
	assert.Equal(t, "4900", stored.ContinuationToken)
	assert.Equal(t, "x", stored.Properties["tenant"])
}

func TestUpdatePropertiesRequiresOwnership(t *testing.T) {
	_, m := newTestManagers(t, "a")
	ctx := context.Background()

	l, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)

	_, err = m[0].UpdateProperties(ctx, l)
	assert.ErrorIs(t, err, lease.ErrLeaseLost)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, m := newTestManagers(t, "a")
	ctx := context.Background()

	l, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)

	require.NoError(t, m[0].Delete(ctx, l))
	require.NoError(t, m[0].Delete(ctx, l))
	_, err = store.Get(ctx, "s0")
	assert.ErrorIs(t, err, lease.ErrLeaseNotFound)
}

func TestCreateIfNotExistsReturnsStoredLease(t *testing.T) {
	_, m := newTestManagers(t, "a")
	ctx := context.Background()

	first, err := m[0].CreateIfNotExists(ctx, "s0", "LATEST")
	require.NoError(t, err)
	second, err := m[0].CreateIfNotExists(ctx, "s0", "")
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "LATEST", second.ContinuationToken)
}

func TestOwnedLeases(t *testing.T) {
	_, m := newTestManagers(t, "a", "b")
	ctx := context.Background()

	for _, token := range []string{"s0", "s1", "s2"} {
		l, err := m[0].CreateIfNotExists(ctx, token, "")
		require.NoError(t, err)
		owner := m[0]
		if token == "s2" {
			owner = m[1]
		}
		_, err = owner.Acquire(ctx, l)
		require.NoError(t, err)
	}

	owned, err := m[0].OwnedLeases(ctx)
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	owned, err = m[1].OwnedLeases(ctx)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "s2", owned[0].LeaseToken)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	l := lease.New("s0", "")
	assert.True(t, l.Expired(now, time.Minute))

	l.Owner = "a"
	l.Timestamp = now.Add(-30 * time.Second)
	assert.False(t, l.Expired(now, time.Minute))
	assert.True(t, l.Expired(now, 10*time.Second))
}
