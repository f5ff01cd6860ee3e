// Package storage provides the durable key-value abstraction backing the
// issuance engine's requests, profile configuration, and connector
// configuration. Records are grouped into named sections (one section per
// record family, e.g. "requests" or "profiles/ca") and addressed by a
// string key within the section.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when an operation is attempted on a
	// closed store.
	ErrStoreClosed = errors.New("store closed")
)

// BatchTx provides Put and Delete within an atomic transaction. Either all
// operations in the batch are durably committed or none are.
type BatchTx interface {
	Put(section string, key string, value []byte) error
	Delete(section string, key string) error
}

// Store defines the interface for durable configuration and record storage.
//
// NextSequence must be durable and strictly monotonic per name across the
// store's lifetime: a value handed out is never handed out again, even when
// the caller subsequently fails to persist anything under it.
type Store interface {
	Put(section string, key string, value []byte) error
	Get(section string, key string) ([]byte, error)
	Delete(section string, key string) error
	List(section string) ([]string, error)
	Batch(fn func(tx BatchTx) error) error
	NextSequence(name string) (uint64, error)
}
