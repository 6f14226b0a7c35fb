// Package boltstore keeps leases in a local bbolt database. It suits a
// single host, or several controllers sharing one process.
package boltstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/buddhike/changefeed/lease"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("leases")

// Values are stored as an 8 byte big endian version followed by the JSON
// lease. Versions come from the bucket sequence so they never repeat.
type Store struct {
	db *bolt.DB
}

var _ lease.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, leaseToken string) (*lease.Lease, error) {
	var l *lease.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(leaseToken))
		if v == nil {
			return lease.ErrLeaseNotFound
		}
		var err error
		l, err = decode(v)
		return err
	})
	return l, err
}

func (s *Store) Create(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	var created *lease.Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(l.LeaseToken)) != nil {
			return lease.ErrLeaseExists
		}
		var err error
		created, err = put(b, l)
		return err
	})
	return created, err
}

func (s *Store) Replace(ctx context.Context, l *lease.Lease) (*lease.Lease, error) {
	var updated *lease.Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := checkVersion(b, l); err != nil {
			return err
		}
		var err error
		updated, err = put(b, l)
		return err
	})
	return updated, err
}

func (s *Store) Delete(ctx context.Context, l *lease.Lease) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := checkVersion(b, l); err != nil {
			return err
		}
		return b.Delete([]byte(l.LeaseToken))
	})
}

func (s *Store) List(ctx context.Context) ([]*lease.Lease, error) {
	var leases []*lease.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			l, err := decode(v)
			if err != nil {
				return fmt.Errorf("decode lease %s: %w", k, err)
			}
			leases = append(leases, l)
			return nil
		})
	})
	return leases, err
}

// Ping checks that the database is still open.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketName) == nil {
			return errors.New("lease bucket missing")
		}
		return nil
	})
}

func checkVersion(b *bolt.Bucket, l *lease.Lease) error {
	v := b.Get([]byte(l.LeaseToken))
	if v == nil {
		return lease.ErrLeaseNotFound
	}
	if len(v) < 8 || binary.BigEndian.Uint64(v[:8]) != l.Version {
		return lease.ErrVersionMismatch
	}
	return nil
}

func put(b *bolt.Bucket, l *lease.Lease) (*lease.Lease, error) {
	version, err := b.NextSequence()
	if err != nil {
		return nil, err
	}
	buf, err := lease.Marshal(l)
	if err != nil {
		return nil, err
	}
	v := make([]byte, 8, 8+len(buf))
	binary.BigEndian.PutUint64(v, version)
	v = append(v, buf...)
	if err := b.Put([]byte(l.LeaseToken), v); err != nil {
		return nil, err
	}
	stored := l.Clone()
	stored.Version = version
	return stored, nil
}

func decode(v []byte) (*lease.Lease, error) {
	if len(v) < 8 {
		return nil, errors.New("truncated lease record")
	}
	return lease.Unmarshal(v[8:], binary.BigEndian.Uint64(v[:8]))
}
