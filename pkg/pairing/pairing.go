// Package pairing implements the pairing record store described in
// spec.md §3 and §4.8: the set of controllers an accessory has completed
// Pair-Setup or an admin-added pairing with, persisted through a
// platform.KVStore.
package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/platform"
)

const storeDomain = "pairings"

// ErrNotFound is returned when a controller identifier has no pairing
// record.
var ErrNotFound = errors.New("pairing: not found")

// ErrSlotsExhausted is returned when every pairing slot is occupied and a
// new controller identifier attempts to pair.
var ErrSlotsExhausted = errors.New("pairing: no free slots")

// Record is one controller's pairing (spec.md §3 "Pairing record").
type Record struct {
	ControllerID      string `json:"controllerId"`
	LongTermPublicKey []byte `json:"ltpk"`
	Admin             bool   `json:"admin"`
	PermissionVersion byte   `json:"permVersion"`
	Slot              int    `json:"slot"`
}

// Equal reports whether two records identify the same controller with the
// same long-term public key, mirroring kryptco-kr's PairingSecret.Equals.
func (r *Record) Equal(other *Record) bool {
	if len(r.LongTermPublicKey) != len(other.LongTermPublicKey) {
		return false
	}
	for i := range r.LongTermPublicKey {
		if r.LongTermPublicKey[i] != other.LongTermPublicKey[i] {
			return false
		}
	}
	return r.ControllerID == other.ControllerID
}

// Store is the mutex-guarded, KV-backed pairing table for one accessory
// server process. At most one record exists per controller identifier;
// records occupy slots in [0, maxSlots).
type Store struct {
	mu       sync.RWMutex
	kv       platform.KVStore
	maxSlots int
	bySlot   map[int]*Record
	byID     map[string]int // controllerID -> slot
	gsn      *GSNStore
}

// SetGSN wires the accessory's GSN counter so Add/Remove can bump it on
// every mutation, per spec.md §5 ("the GSN ... is incremented on each
// event raise and on pairing mutations"). Optional: a Store used only for
// read-side lookups (e.g. in tests) need not set one.
func (s *Store) SetGSN(gsn *GSNStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gsn = gsn
}

func (s *Store) bumpGSNLocked() {
	if s.gsn == nil {
		return
	}
	if err := s.gsn.Increment(); err != nil {
		log.Warnf("pairing: failed to persist GSN bump: %v", err)
	}
}

// NewStore loads (or initializes) a pairing store with room for maxSlots
// concurrent pairings, backed by kv.
func NewStore(kv platform.KVStore, maxSlots int) (*Store, error) {
	s := &Store{
		kv:       kv,
		maxSlots: maxSlots,
		bySlot:   make(map[int]*Record),
		byID:     make(map[string]int),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	return s.kv.Enumerate(storeDomain, func(key string, value []byte) error {
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("pairing: corrupt record for key %q: %w", key, err)
		}
		s.bySlot[r.Slot] = &r
		s.byID[r.ControllerID] = r.Slot
		return nil
	})
}

// Count returns the number of installed pairings.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySlot)
}

// AdminCount returns the number of installed admin pairings.
func (s *Store) AdminCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.bySlot {
		if r.Admin {
			n++
		}
	}
	return n
}

// HasAnyPairing reports whether the accessory has at least one installed
// pairing; used by Pair-Setup to refuse a second unauthenticated setup
// (spec.md §4.3).
func (s *Store) HasAnyPairing() bool {
	return s.Count() > 0
}

// Lookup returns the pairing record for controllerID, or ErrNotFound.
func (s *Store) Lookup(controllerID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.byID[controllerID]
	if !ok {
		return nil, ErrNotFound
	}
	r := *s.bySlot[slot]
	return &r, nil
}

// Add installs or replaces a pairing. A record for a controllerID already
// present is replaced only if its admin flag matches the existing record
// (spec.md §4.8 add-pairing); otherwise Add fails. A brand-new
// controllerID consumes a free slot, failing with ErrSlotsExhausted if
// none remain.
func (s *Store) Add(controllerID string, ltpk []byte, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot, ok := s.byID[controllerID]; ok {
		existing := s.bySlot[slot]
		if existing.Admin != admin {
			return fmt.Errorf("pairing: conflicting admin flag for existing controller %q", controllerID)
		}
		rec := &Record{ControllerID: controllerID, LongTermPublicKey: ltpk, Admin: admin, PermissionVersion: existing.PermissionVersion + 1, Slot: slot}
		return s.persist(rec)
	}

	slot, err := s.freeSlotLocked()
	if err != nil {
		return err
	}
	rec := &Record{ControllerID: controllerID, LongTermPublicKey: ltpk, Admin: admin, PermissionVersion: 0, Slot: slot}
	return s.persist(rec)
}

func (s *Store) freeSlotLocked() (int, error) {
	for i := 0; i < s.maxSlots; i++ {
		if _, occupied := s.bySlot[i]; !occupied {
			return i, nil
		}
	}
	return 0, ErrSlotsExhausted
}

func (s *Store) persist(rec *Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pairing: marshal record: %w", err)
	}
	if err := s.kv.Set(storeDomain, rec.ControllerID, buf); err != nil {
		return fmt.Errorf("pairing: persist record: %w", err)
	}
	s.bySlot[rec.Slot] = rec
	s.byID[rec.ControllerID] = rec.Slot
	s.bumpGSNLocked()
	log.Debugf("pairing: installed slot %d for controller %s (admin=%v)", rec.Slot, rec.ControllerID, rec.Admin)
	return nil
}

// Remove deletes the pairing for controllerID. It reports whether the
// removed record was the last admin pairing, which the caller (the
// sessions/access layer) must use to invalidate every other secured
// session and revert the accessory to an unpaired, pair-setup-eligible
// state (spec.md §4.8 remove-pairing).
func (s *Store) Remove(controllerID string) (wasLastAdmin bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.byID[controllerID]
	if !ok {
		return false, ErrNotFound
	}
	rec := s.bySlot[slot]

	if err := s.kv.Remove(storeDomain, controllerID); err != nil {
		return false, fmt.Errorf("pairing: remove record: %w", err)
	}
	delete(s.bySlot, slot)
	delete(s.byID, controllerID)
	s.bumpGSNLocked()

	if !rec.Admin {
		return false, nil
	}
	for _, other := range s.bySlot {
		if other.Admin {
			return false, nil
		}
	}
	return true, nil
}

// List enumerates every pairing record, ordered by slot, for the
// list-pairings administration operation (spec.md §4.8).
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.bySlot))
	for i := 0; i < s.maxSlots; i++ {
		if r, ok := s.bySlot[i]; ok {
			out = append(out, *r)
		}
	}
	return out
}
