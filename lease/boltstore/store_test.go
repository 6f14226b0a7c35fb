package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/buddhike/changefeed/lease"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateThenGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := lease.New("s0", "LATEST")
	l.Properties["tenant"] = "a"
	created, err := s.Create(ctx, l)
	require.NoError(t, err)
	assert.NotZero(t, created.Version)

	got, err := s.Get(ctx, "s0")
	require.NoError(t, err)
	assert.Equal(t, created.Version, got.Version)
	assert.Equal(t, "LATEST", got.ContinuationToken)
	assert.Equal(t, "a", got.Properties["tenant"])
}

func TestCreateExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, lease.New("s0", ""))
	require.NoError(t, err)
	_, err = s.Create(ctx, lease.New("s0", ""))
	assert.ErrorIs(t, err, lease.ErrLeaseExists)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, lease.ErrLeaseNotFound)
}

func TestReplaceWithStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, lease.New("s0", ""))
	require.NoError(t, err)

	first := created.Clone()
	first.Owner = "a"
	updated, err := s.Replace(ctx, first)
	require.NoError(t, err)
	assert.Greater(t, updated.Version, created.Version)

	stale := created.Clone()
	stale.Owner = "b"
	_, err = s.Replace(ctx, stale)
	assert.ErrorIs(t, err, lease.ErrVersionMismatch)

	got, err := s.Get(ctx, "s0")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Owner)
}

func TestDeleteIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, lease.New("s0", ""))
	require.NoError(t, err)

	stale := created.Clone()
	stale.Version++
	assert.ErrorIs(t, s.Delete(ctx, stale), lease.ErrVersionMismatch)

	require.NoError(t, s.Delete(ctx, created))
	_, err = s.Get(ctx, "s0")
	assert.ErrorIs(t, err, lease.ErrLeaseNotFound)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, token := range []string{"s0", "s1", "s2"} {
		_, err := s.Create(ctx, lease.New(token, ""))
		require.NoError(t, err)
	}

	leases, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, leases, 3)
	assert.NoError(t, s.Ping(ctx))
}
