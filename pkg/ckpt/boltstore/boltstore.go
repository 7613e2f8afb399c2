// Package boltstore is a checkpoint store persisted in a bbolt database.
// Each checkpoint is a bucket, each section a key of that bucket.
package boltstore

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/moby/cmirrord/pkg/ckpt"
)

// Store is a ckpt.Store backed by bbolt.
type Store struct {
	db *bolt.DB
}

var _ ckpt.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "error opening checkpoint database %s", path)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSection stores the creation sequence ahead of the data; Sections
// sorts on it.
func (s *Store) CreateSection(_ context.Context, name, section string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return errors.Wrapf(err, "error creating checkpoint %s", name)
		}
		if b.Get([]byte(section)) != nil {
			return errors.Wrapf(errdefs.ErrAlreadyExists, "checkpoint %s section %s", name, section)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		v := make([]byte, 8, 8+len(data))
		binary.BigEndian.PutUint64(v, seq)
		return b.Put([]byte(section), append(v, data...))
	})
}

func (s *Store) Sections(_ context.Context, name string) ([]ckpt.Section, error) {
	type entry struct {
		seq uint64
		sec ckpt.Section
	}
	var entries []entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return errors.Wrapf(errdefs.ErrNotFound, "checkpoint %s", name)
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) < 8 {
				return errors.Wrapf(errdefs.ErrDataLoss, "checkpoint %s section %s is corrupt", name, k)
			}
			entries = append(entries, entry{
				seq: binary.BigEndian.Uint64(v),
				sec: ckpt.Section{ID: string(k), Data: append([]byte(nil), v[8:]...)},
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	secs := make([]ckpt.Section, len(entries))
	for i, e := range entries {
		secs[i] = e.sec
	}
	return secs, nil
}

func (s *Store) Unlink(_ context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
