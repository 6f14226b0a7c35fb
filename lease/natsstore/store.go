// Package natsstore keeps leases in a NATS JetStream key-value bucket. The
// version of a lease is the revision of its entry.
package natsstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buddhike/changefeed/lease"
	"github.com/nats-io/nats.go/jetstream"
)

type Store struct {
	kv jetstream.KeyValue
}

var _ lease.Store = (*Store)(nil)

func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Open creates the lease bucket or binds to it when another host created
// it first.
func Open(ctx context.Context, js jetstream.JetStream, bucket string) (*Store, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
		})
		if err == nil {
			return New(kv), nil
		}
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
			if err == nil {
				return New(kv), nil
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 10 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("open lease bucket %s: %w", bucket, lastErr)
}

func (s *Store) Get(ctx context.Context, leaseToken string) (*lease.Lease, error) {
	entry, err := s.kv.Get(ctx, leaseToken)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, lease.ErrLeaseNotFound
	}
	if err != nil {
		return nil, err
	}
	return lease.Unmarshal(entry.Value(), entry.Revision())
}

func (s *Store) Create(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	buf, err := lease.Marshal(l)
	if err != nil {
		return nil, err
	}
	revision, err := s.kv.Create(ctx, l.LeaseToken, buf)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil, lease.ErrLeaseExists
	}
	if err != nil {
		return nil, err
	}
	return withVersion(l, revision), nil
}

func (s *Store) Replace(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	buf, err := lease.Marshal(l)
	if err != nil {
		return nil, err
	}
	revision, err := s.kv.Update(ctx, l.LeaseToken, buf, l.Version)
	if isWrongRevision(err) {
		return nil, lease.ErrVersionMismatch
	}
	if err != nil {
		return nil, err
	}
	return withVersion(l, revision), nil
}

func (s *Store) Delete(ctx context.Context, l *lease.Lease) error {
	err := s.kv.Delete(ctx, l.LeaseToken, jetstream.LastRevision(l.Version))
	if isWrongRevision(err) {
		return lease.ErrVersionMismatch
	}
	return err
}

func (s *Store) List(ctx context.Context) ([]*lease.Lease, error) {
	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	leases := make([]*lease.Lease, 0, len(keys))
	for _, key := range keys {
		l, err := s.Get(ctx, key)
		if errors.Is(err, lease.ErrLeaseNotFound) {
			// deleted between listing and reading
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read lease %s: %w", key, err)
		}
		leases = append(leases, l)
	}
	return leases, nil
}

// Ping reads the bucket status.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.kv.Status(ctx)
	return err
}

func isWrongRevision(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func withVersion(l *lease.Lease, revision uint64) *lease.Lease {
	c := l.Clone()
	c.Version = revision
	return c
}
