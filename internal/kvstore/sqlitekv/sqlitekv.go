// Package sqlitekv implements platform.KVStore over a local SQLite file, for
// accessories that want persisted pairing/identity state across restarts
// without a network dependency. Grounded on the teacher pack's
// EdgxCloud-EdgeFlow/internal/storage/sqlite.go (schema-on-open,
// INSERT ... ON CONFLICT upsert).
package sqlitekv

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jwoglom/haprt/pkg/platform"
)

// Store is a platform.KVStore backed by a single SQLite table keyed on
// (domain, key).
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite file at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		domain TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  BLOB NOT NULL,
		PRIMARY KEY (domain, key)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlitekv: create schema: %w", err)
	}
	return nil
}

func (s *Store) Get(domain, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE domain = ? AND key = ?`, domain, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, platform.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: get %s/%s: %w", domain, key, err)
	}
	return value, nil
}

func (s *Store) Set(domain, key string, value []byte) error {
	const query = `
	INSERT INTO kv (domain, key, value) VALUES (?, ?, ?)
	ON CONFLICT(domain, key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.Exec(query, domain, key, value); err != nil {
		return fmt.Errorf("sqlitekv: set %s/%s: %w", domain, key, err)
	}
	return nil
}

func (s *Store) Remove(domain, key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE domain = ? AND key = ?`, domain, key); err != nil {
		return fmt.Errorf("sqlitekv: remove %s/%s: %w", domain, key, err)
	}
	return nil
}

func (s *Store) Enumerate(domain string, fn func(key string, value []byte) error) error {
	rows, err := s.db.Query(`SELECT key, value FROM kv WHERE domain = ?`, domain)
	if err != nil {
		return fmt.Errorf("sqlitekv: enumerate %s: %w", domain, err)
	}
	defer rows.Close()

	type entry struct {
		key   string
		value []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			return fmt.Errorf("sqlitekv: scan %s: %w", domain, err)
		}
		entries = append(entries, e)
	}
	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PurgeDomain(domain string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE domain = ?`, domain); err != nil {
		return fmt.Errorf("sqlitekv: purge %s: %w", domain, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
