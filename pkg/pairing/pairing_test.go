package pairing

import (
	"sync"
	"testing"

	"github.com/jwoglom/haprt/pkg/platform"
)

// memKV is a trivial in-process KVStore used only by this package's tests;
// the real backends live under internal/kvstore.
type memKV struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string]map[string][]byte)} }

func (m *memKV) Get(domain, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[domain]
	if !ok {
		return nil, platform.ErrNotFound
	}
	v, ok := d[key]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(domain, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[domain] == nil {
		m.data[domain] = make(map[string][]byte)
	}
	m.data[domain][key] = value
	return nil
}

func (m *memKV) Remove(domain, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[domain], key)
	return nil
}

func (m *memKV) Enumerate(domain string, fn func(key string, value []byte) error) error {
	m.mu.Lock()
	items := make(map[string][]byte, len(m.data[domain]))
	for k, v := range m.data[domain] {
		items[k] = v
	}
	m.mu.Unlock()
	for k, v := range items {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memKV) PurgeDomain(domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, domain)
	return nil
}

func TestAddAndLookup(t *testing.T) {
	s, err := NewStore(newMemKV(), 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Add("controller-1", []byte{1, 2, 3}, true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rec, err := s.Lookup("controller-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !rec.Admin {
		t.Errorf("expected admin pairing")
	}
}

func TestAddIsReplayedAcrossRestart(t *testing.T) {
	kv := newMemKV()
	s, _ := NewStore(kv, 4)
	if err := s.Add("controller-1", []byte{9}, true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2, err := NewStore(kv, 4)
	if err != nil {
		t.Fatalf("NewStore (reload): %v", err)
	}
	if s2.Count() != 1 {
		t.Fatalf("expected 1 pairing to survive reload, got %d", s2.Count())
	}
}

func TestConflictingAdminFlagRejected(t *testing.T) {
	s, _ := NewStore(newMemKV(), 4)
	if err := s.Add("controller-1", []byte{1}, true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("controller-1", []byte{2}, false); err == nil {
		t.Fatalf("expected error for conflicting admin flag on existing controller")
	}
}

func TestSlotsExhausted(t *testing.T) {
	s, _ := NewStore(newMemKV(), 2)
	if err := s.Add("c1", []byte{1}, true); err != nil {
		t.Fatalf("Add c1: %v", err)
	}
	if err := s.Add("c2", []byte{2}, false); err != nil {
		t.Fatalf("Add c2: %v", err)
	}
	if err := s.Add("c3", []byte{3}, false); err != ErrSlotsExhausted {
		t.Fatalf("got %v, want ErrSlotsExhausted", err)
	}
}

func TestRemoveLastAdminReportsTrue(t *testing.T) {
	s, _ := NewStore(newMemKV(), 4)
	_ = s.Add("admin-1", []byte{1}, true)
	_ = s.Add("user-1", []byte{2}, false)

	wasLast, err := s.Remove("user-1")
	if err != nil {
		t.Fatalf("Remove user-1: %v", err)
	}
	if wasLast {
		t.Errorf("removing a non-admin must not report wasLastAdmin")
	}

	wasLast, err = s.Remove("admin-1")
	if err != nil {
		t.Fatalf("Remove admin-1: %v", err)
	}
	if !wasLast {
		t.Errorf("removing the only admin pairing must report wasLastAdmin")
	}
}

func TestListOrderedBySlot(t *testing.T) {
	s, _ := NewStore(newMemKV(), 4)
	_ = s.Add("c1", []byte{1}, true)
	_ = s.Add("c2", []byte{2}, false)

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("got %d records, want 2", len(list))
	}
	if list[0].ControllerID != "c1" || list[1].ControllerID != "c2" {
		t.Errorf("expected slot order c1, c2; got %+v", list)
	}
}

func TestRemoveUnknownControllerFails(t *testing.T) {
	s, _ := NewStore(newMemKV(), 4)
	if _, err := s.Remove("nope"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
