// Package session implements the per-controller session model produced by
// Pair-Verify (spec.md §3 "Session", §5). Storage is a pre-allocated,
// fixed-size pool rather than an unbounded map, sized at construction (IP
// default 17, BLE exactly one bound session).
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/platform"
)

// Transport identifies which wire transport owns a session.
type Transport int

const (
	TransportIP Transport = iota
	TransportBLE
)

// DefaultIPSessionCount is spec.md §5's default IP session pool size.
const DefaultIPSessionCount = 17

// BLESessionCount is the fixed BLE session pool size: exactly one bound
// link per peripheral.
const BLESessionCount = 1

// ErrPoolExhausted is returned when every slot in the pool is occupied.
var ErrPoolExhausted = errors.New("session: pool exhausted")

// ErrNotFound is returned when a slot or controller lookup misses.
var ErrNotFound = errors.New("session: not found")

// Session is one controller's live connection state.
type Session struct {
	mu sync.RWMutex

	slot      int
	transport Transport

	controllerID string
	admin        bool
	ready        bool

	readKey  []byte // controller -> accessory
	writeKey []byte // accessory -> controller
	readSeq  uint64
	writeSeq uint64

	subscriptions map[uint64]bool

	// PairSetupState/PairVerifyState hold the transient in-progress state
	// machine for this session while a pairing exchange is underway; the
	// pairsetup/pairverify packages own the concrete types, stored here as
	// opaque values to avoid a dependency cycle back into session.
	PairSetupState  interface{}
	PairVerifyState interface{}

	lastActivity time.Time
	timer        platform.Timer
}

// Slot returns the session's fixed pool index.
func (s *Session) Slot() int { return s.slot }

// Transport returns which wire transport owns this session.
func (s *Session) Transport() Transport { return s.transport }

// Ready reports whether Pair-Verify has completed and transport encryption
// is installed.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// ControllerID returns the verified pairing's controller identifier, or ""
// if the session is not yet ready.
func (s *Session) ControllerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controllerID
}

// Admin reports whether the session's bound pairing holds admin
// permissions, used by the access engine's admin gate (spec.md §4.2
// step 3).
func (s *Session) Admin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin
}

// Bind installs the two directional transport keys and marks the session
// ready, called by Pair-Verify on M4 success (spec.md §4.4).
func (s *Session) Bind(controllerID string, admin bool, readKey, writeKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllerID = controllerID
	s.admin = admin
	s.readKey = append([]byte(nil), readKey...)
	s.writeKey = append([]byte(nil), writeKey...)
	s.readSeq = 0
	s.writeSeq = 0
	s.ready = true
	s.PairVerifyState = nil
}

// NextReadNonce returns the next expected read-direction sequence number
// and advances it, for use as the ChaCha20-Poly1305 nonce on the next
// inbound frame.
func (s *Session) NextReadNonce() (key []byte, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq = s.readSeq
	s.readSeq++
	return s.readKey, seq
}

// NextWriteNonce returns the next write-direction sequence number and
// advances it, for the next outbound frame.
func (s *Session) NextWriteNonce() (key []byte, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq = s.writeSeq
	s.writeSeq++
	return s.writeKey, seq
}

// Subscribe adds characteristicID to the session's subscription set.
// Idempotent.
func (s *Session) Subscribe(characteristicID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions == nil {
		s.subscriptions = make(map[uint64]bool)
	}
	s.subscriptions[characteristicID] = true
}

// Unsubscribe removes characteristicID from the subscription set.
// Idempotent.
func (s *Session) Unsubscribe(characteristicID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, characteristicID)
}

// IsSubscribed reports whether characteristicID is in the subscription
// set.
func (s *Session) IsSubscribed(characteristicID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[characteristicID]
}

// touch records activity for the liveness timer.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// Manager owns the fixed-size session pool for one transport.
type Manager struct {
	mu           sync.Mutex
	clock        platform.Clock
	transport    Transport
	livenessTTL  time.Duration
	slots        []*Session
	byController map[string]*Session
}

// NewManager creates a pool of count pre-allocated, empty sessions.
func NewManager(clock platform.Clock, transport Transport, count int, livenessTTL time.Duration) *Manager {
	m := &Manager{
		clock:        clock,
		transport:    transport,
		livenessTTL:  livenessTTL,
		slots:        make([]*Session, count),
		byController: make(map[string]*Session),
	}
	for i := range m.slots {
		m.slots[i] = &Session{slot: i, transport: transport}
	}
	return m
}

// Acquire claims a free slot for a new connection. For BLE (a single fixed
// slot), a new Acquire implicitly evicts the existing session, matching
// "operates on a single bound session per peripheral link" (spec.md §4.6).
func (m *Manager) Acquire() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == TransportBLE {
		s := m.slots[0]
		m.evictLocked(s)
		s.touch(m.clock.Now())
		m.armLivenessLocked(s)
		return s, nil
	}

	for _, s := range m.slots {
		s.mu.RLock()
		free := !s.ready && s.controllerID == ""
		s.mu.RUnlock()
		if free {
			s.touch(m.clock.Now())
			m.armLivenessLocked(s)
			return s, nil
		}
	}
	return nil, ErrPoolExhausted
}

func (m *Manager) armLivenessLocked(s *Session) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = m.clock.AfterFunc(m.livenessTTL, func() { m.expire(s) })
	s.mu.Unlock()
}

func (m *Manager) expire(s *Session) {
	log.Debugf("session: slot %d expired after %v of inactivity", s.slot, m.livenessTTL)
	m.Release(s)
}

// Touch resets a session's liveness timer on any activity.
func (m *Manager) Touch(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.touch(m.clock.Now())
	m.armLivenessLocked(s)
}

// MarkBound registers a session's controller identifier in the
// by-controller index once Pair-Verify completes.
func (m *Manager) MarkBound(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byController[s.ControllerID()] = s
}

// ByController looks up the currently bound session for a controller
// identifier, if any.
func (m *Manager) ByController(controllerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byController[controllerID]
	return s, ok
}

// Release tears down a session: clears its state and returns its slot to
// the free pool. Called on remote close, timeout, pair-removal targeting
// its controller, or server stop (spec.md §3 "Session" lifecycle).
func (m *Manager) Release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(s)
}

func (m *Manager) evictLocked(s *Session) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.controllerID != "" {
		delete(m.byController, s.controllerID)
	}
	s.controllerID = ""
	s.admin = false
	s.ready = false
	s.readKey = nil
	s.writeKey = nil
	s.readSeq = 0
	s.writeSeq = 0
	s.subscriptions = nil
	s.PairSetupState = nil
	s.PairVerifyState = nil
	s.mu.Unlock()
}

// ReleaseByController tears down the session bound to controllerID, used
// by pairings administration's remove-pairing (spec.md §4.8).
func (m *Manager) ReleaseByController(controllerID string) error {
	m.mu.Lock()
	s, ok := m.byController[controllerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: controller %s has no bound session", ErrNotFound, controllerID)
	}
	m.Release(s)
	return nil
}

// ReleaseAll tears down every bound session, used when the last admin
// pairing is removed (spec.md §4.8) and on server Stop.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	slots := append([]*Session(nil), m.slots...)
	m.mu.Unlock()
	for _, s := range slots {
		if s.Ready() {
			m.Release(s)
		}
	}
}

// ForEachReady invokes fn once for every currently bound (ready) session in
// the pool, used by the event engine to find subscribers for a raise
// (spec.md §4.2 "raise_event").
func (m *Manager) ForEachReady(fn func(*Session)) {
	m.mu.Lock()
	slots := append([]*Session(nil), m.slots...)
	m.mu.Unlock()
	for _, s := range slots {
		if s.Ready() {
			fn(s)
		}
	}
}

// Count returns the number of currently bound (ready) sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.Ready() {
			n++
		}
	}
	return n
}
