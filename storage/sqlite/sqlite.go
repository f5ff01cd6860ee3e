// Package sqlite implements storage.Store backed by SQLite.
//
// The records table uses a composite primary key (section, key) that
// mirrors the key space used by the BBolt and in-memory backends.
// Sequences live in their own table and advance in a dedicated
// transaction so burned values stay durable.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/certforge/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	section TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   BLOB NOT NULL,
	PRIMARY KEY (section, key)
);
CREATE TABLE IF NOT EXISTS sequences (
	name TEXT PRIMARY KEY,
	next INTEGER NOT NULL
);`

// Store implements storage.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given database handle, ensuring
// the schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens (or creates) a SQLite database at the given path
// and returns a new Store.
func NewStoreFromFile(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// The record families here are small and mutation-heavy; a single
	// writer connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(section, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO records (section, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (section, key) DO UPDATE SET value = excluded.value`,
		section, key, value)
	return err
}

func (s *Store) Get(section, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM records WHERE section = ? AND key = ?`,
		section, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Delete(section, key string) error {
	res, err := s.db.Exec(
		`DELETE FROM records WHERE section = ? AND key = ?`, section, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(section string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM records WHERE section = ? ORDER BY key`, section)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

type batchTx struct {
	tx *sql.Tx
}

func (t *batchTx) Put(section, key string, value []byte) error {
	_, err := t.tx.Exec(
		`INSERT INTO records (section, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (section, key) DO UPDATE SET value = excluded.value`,
		section, key, value)
	return err
}

func (t *batchTx) Delete(section, key string) error {
	res, err := t.tx.Exec(
		`DELETE FROM records WHERE section = ? AND key = ?`, section, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", section, key, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&batchTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) NextSequence(name string) (uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO sequences (name, next) VALUES (?, 0)
		 ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return 0, err
	}
	var next uint64
	if err := tx.QueryRow(
		`UPDATE sequences SET next = next + 1 WHERE name = ? RETURNING next`,
		name).Scan(&next); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}
