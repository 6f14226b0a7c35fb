// Package etcdstore keeps leases in etcd. The version of a lease is the
// ModRevision of its key, so every conditional write is a single Txn.
package etcdstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/buddhike/changefeed/lease"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type Store struct {
	kvs    KVS
	prefix string
}

var _ lease.Store = (*Store)(nil)

// New returns a store keeping leases under prefix, e.g. "/changefeed/orders/leases/".
func New(kvs KVS, prefix string) *Store {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{kvs: kvs, prefix: prefix}
}

func (s *Store) key(leaseToken string) string {
	return s.prefix + leaseToken
}

func (s *Store) Get(ctx context.Context, leaseToken string) (*lease.Lease, error) {
	resp, err := s.kvs.Get(ctx, s.key(leaseToken))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, lease.ErrLeaseNotFound
	}
	kv := resp.Kvs[0]
	return lease.Unmarshal(kv.Value, uint64(kv.ModRevision))
}

func (s *Store) Create(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	buf, err := lease.Marshal(l)
	if err != nil {
		return nil, err
	}
	key := s.key(l.LeaseToken)
	resp, err := s.kvs.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(buf))).
		Commit()
	if err != nil {
		return nil, err
	}
	if !resp.Succeeded {
		return nil, lease.ErrLeaseExists
	}
	return stored(l, resp), nil
}

func (s *Store) Replace(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	buf, err := lease.Marshal(l)
	if err != nil {
		return nil, err
	}
	key := s.key(l.LeaseToken)
	resp, err := s.kvs.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", int64(l.Version))).
		Then(clientv3.OpPut(key, string(buf))).
		Commit()
	if err != nil {
		return nil, err
	}
	if !resp.Succeeded {
		return nil, lease.ErrVersionMismatch
	}
	return stored(l, resp), nil
}

func (s *Store) Delete(ctx context.Context, l *lease.Lease) error {
	key := s.key(l.LeaseToken)
	resp, err := s.kvs.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", int64(l.Version))).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return lease.ErrVersionMismatch
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*lease.Lease, error) {
	resp, err := s.kvs.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	leases := make([]*lease.Lease, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		l, err := lease.Unmarshal(kv.Value, uint64(kv.ModRevision))
		if err != nil {
			return nil, fmt.Errorf("decode lease %s: %w", kv.Key, err)
		}
		leases = append(leases, l)
	}
	return leases, nil
}

// Ping performs a read against the cluster.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.kvs.Get(ctx, "/healthcheck")
	return err
}

// A put inside a txn is stamped with the txn header revision.
func stored(l *lease.Lease, resp *clientv3.TxnResponse) *lease.Lease {
	c := l.Clone()
	c.Version = uint64(resp.Header.GetRevision())
	return c
}
