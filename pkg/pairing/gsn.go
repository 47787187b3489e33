package pairing

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jwoglom/haprt/pkg/platform"
)

const gsnDomain = "gsn"
const gsnKey = "state"

// GSNStore holds the persisted global state number (spec.md §3, §5, §6):
// a monotonic uint16 counter with a 1-byte wrap epoch, incremented on every
// event raise and pairing mutation, surviving restarts by replaying the
// last persisted value.
type GSNStore struct {
	mu    sync.Mutex
	kv    platform.KVStore
	value uint16
	epoch byte
}

// LoadGSNStore loads the persisted GSN, defaulting to (value=1, epoch=0) if
// no prior state exists (GSN 0 is reserved as "never incremented").
func LoadGSNStore(kv platform.KVStore) (*GSNStore, error) {
	s := &GSNStore{kv: kv, value: 1, epoch: 0}
	raw, err := kv.Get(gsnDomain, gsnKey)
	if err == platform.ErrNotFound {
		return s, s.persistLocked()
	}
	if err != nil {
		return nil, fmt.Errorf("pairing: load GSN: %w", err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("pairing: corrupt GSN record: want 3 bytes, got %d", len(raw))
	}
	s.value = binary.LittleEndian.Uint16(raw[0:2])
	s.epoch = raw[2]
	return s, nil
}

// Value returns the current GSN and wrap epoch.
func (s *GSNStore) Value() (value uint16, epoch byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.epoch
}

// Increment advances the GSN by one, wrapping from 65535 to 1 (0 stays
// reserved) and bumping the epoch on wrap, then persists the new value.
// Called on every event raise and pairing-store mutation (spec.md §5).
func (s *GSNStore) Increment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == 65535 {
		s.value = 1
		s.epoch++
	} else {
		s.value++
	}
	return s.persistLocked()
}

func (s *GSNStore) persistLocked() error {
	buf := make([]byte, 3)
	binary.LittleEndian.PutUint16(buf[0:2], s.value)
	buf[2] = s.epoch
	if err := s.kv.Set(gsnDomain, gsnKey, buf); err != nil {
		return fmt.Errorf("pairing: persist GSN: %w", err)
	}
	return nil
}
