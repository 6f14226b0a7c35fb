package etcdstore

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KVS is the part of *clientv3.Client the store uses.
type KVS interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}
