// Package memory implements platform.KVStore with a process-local map. It
// backs the default (kv.backend "memory") cmd/ bring-up; nothing is
// persisted across restarts. The pkg/pairing tests use their own in-test
// store rather than this package.
package memory

import (
	"sync"

	"github.com/jwoglom/haprt/pkg/platform"
)

// Store is an in-memory platform.KVStore, grounded on the teacher's
// mutex-guarded map style (pkg/state/pump.go).
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]map[string][]byte)}
}

func (s *Store) Get(domain, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[domain]
	if !ok {
		return nil, platform.ErrNotFound
	}
	v, ok := d[key]
	if !ok {
		return nil, platform.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Set(domain, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[domain]
	if !ok {
		d = make(map[string][]byte)
		s.data[domain] = d
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	d[key] = cp
	return nil
}

func (s *Store) Remove(domain, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.data[domain]; ok {
		delete(d, key)
	}
	return nil
}

func (s *Store) Enumerate(domain string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	d := s.data[domain]
	keys := make([]string, 0, len(d))
	values := make([][]byte, 0, len(d))
	for k, v := range d {
		keys = append(keys, k)
		values = append(values, v)
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PurgeDomain(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, domain)
	return nil
}
