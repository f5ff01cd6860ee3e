// Package bbolt provides a BBolt-backed storage store.
package bbolt

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/certforge/storage"
)

const seqBucket = "__sequences"

// Store implements storage.Store backed by a BBolt database. Each section
// maps to one bucket; sequences live in a reserved bucket and advance in
// their own write transaction so a burned value is durable even when the
// caller's subsequent write never happens.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewStoreFromFile opens a BBolt database at the given path and returns a
// new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(section, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(section))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) Get(section, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(section))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
		}
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Delete(section, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(section))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
		}
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) List(section string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(section))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

type batchTx struct {
	tx *bbolt.Tx
}

func (t *batchTx) Put(section, key string, value []byte) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(section))
	if err != nil {
		return err
	}
	return b.Put([]byte(key), value)
}

func (t *batchTx) Delete(section, key string) error {
	b := t.tx.Bucket([]byte(section))
	if b == nil {
		return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	if b.Get([]byte(key)) == nil {
		return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	return b.Delete([]byte(key))
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&batchTx{tx: tx})
	})
}

func (s *Store) NextSequence(name string) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(seqBucket))
		if err != nil {
			return err
		}
		sb, err := b.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		next, err = sb.NextSequence()
		return err
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}
