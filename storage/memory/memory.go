// Package memory provides a thread-safe in-memory implementation of
// storage.Store. Suitable for testing, demos, and single-process use cases.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/certforge/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
	seqs map[string]uint64
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]map[string][]byte),
		seqs: make(map[string]uint64),
	}
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

func (s *Store) Put(section, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(section, key, value)
}

func (s *Store) putLocked(section, key string, value []byte) error {
	if _, ok := s.data[section]; !ok {
		s.data[section] = make(map[string][]byte)
	}
	s.data[section][key] = cloneBytes(value)
	return nil
}

func (s *Store) Get(section, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.data[section]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	value, ok := sec[key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	return cloneBytes(value), nil
}

func (s *Store) Delete(section, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(section, key)
}

func (s *Store) deleteLocked(section, key string) error {
	sec, ok := s.data[section]
	if !ok {
		return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	if _, ok := sec[key]; !ok {
		return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	delete(sec, key)
	if len(sec) == 0 {
		delete(s.data, section)
	}
	return nil
}

func (s *Store) List(section string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.data[section]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(sec))
	for k := range sec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// batchTx buffers operations so a failing callback leaves the store untouched.
type batchTx struct {
	ops []func(*Store) error
}

func (tx *batchTx) Put(section, key string, value []byte) error {
	v := cloneBytes(value)
	tx.ops = append(tx.ops, func(s *Store) error {
		return s.putLocked(section, key, v)
	})
	return nil
}

func (tx *batchTx) Delete(section, key string) error {
	tx.ops = append(tx.ops, func(s *Store) error {
		return s.deleteLocked(section, key)
	})
	return nil
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	tx := &batchTx{}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range tx.ops {
		if err := op(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) NextSequence(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[name]++
	return s.seqs[name], nil
}
