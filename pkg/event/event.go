// Package event implements the event-notification machinery of spec.md
// §4.2 ("raise_event") and §4.6/§4.7: per-session subscription delivery
// with ~100ms coalescing for the IP transport's long-polling frames, plus
// the BLE broadcast/disconnected-notification integration point. It never
// blocks or suspends; dispatch is scheduled onto the platform.Clock the
// caller supplies, matching the single-threaded run-loop model of spec.md
// §5. Grounded on the teacher's handler/qualifying_events.go notifier and
// state/events.go's small EventNotifier interface shape.
package event

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/session"
)

// DefaultCoalesceWindow is spec.md §4.7's "at most every ~100ms per
// session" coalescing interval.
const DefaultCoalesceWindow = 100 * time.Millisecond

// Delivery is one characteristic's current value, staged for delivery to
// one session's coalesced EVENT frame.
type Delivery struct {
	AccessoryID      uint64
	CharacteristicID uint64
	Value            db.Value
}

// Sink receives a coalesced batch of deliveries for one ready session. The
// IP session loop implements this to write an EVENT/1.0 frame; a BLE link
// with an active indication subscription implements it to send GATT
// indications.
type Sink interface {
	DeliverEvents(sess *session.Session, deliveries []Delivery)
}

// BroadcastSink is notified when a BLE disconnected/broadcast-notification
// characteristic is raised while no BLE controller is connected (spec.md
// §4.6).
type BroadcastSink interface {
	DeliverBroadcast(accessoryID, characteristicID uint64, value db.Value)
}

// ReadFunc resolves a characteristic's current value for event-body
// construction. Injected by the access engine at construction instead of
// importing pkg/access directly, to avoid a package cycle (the access
// engine is what raises events and therefore must depend on this package,
// not the reverse).
type ReadFunc func(accessoryID, characteristicID uint64) (db.Value, db.Status)

// Engine is the accessory-wide event dispatcher. One Engine instance is
// shared by the IP and BLE transports.
type Engine struct {
	mu             sync.Mutex
	clock          platform.Clock
	read           ReadFunc
	coalesceWindow time.Duration

	ipSessions  *session.Manager
	bleSessions *session.Manager
	sink        Sink
	broadcast   BroadcastSink
	gsn         *pairing.GSNStore

	pending map[*session.Session]map[uint64]uint64 // session -> charID -> accessoryID
	timers  map[*session.Session]platform.Timer
}

// NewEngine creates an event engine that resolves current values through
// read and coalesces per-session deliveries over window (0 selects
// DefaultCoalesceWindow).
func NewEngine(clock platform.Clock, read ReadFunc, window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Engine{
		clock:          clock,
		read:           read,
		coalesceWindow: window,
		pending:        make(map[*session.Session]map[uint64]uint64),
		timers:         make(map[*session.Session]platform.Timer),
	}
}

// SetIPSessions registers the IP transport's session pool, searched for
// subscribers on every raise.
func (e *Engine) SetIPSessions(mgr *session.Manager) { e.ipSessions = mgr }

// SetBLESessions registers the BLE transport's (single-slot) session pool.
func (e *Engine) SetBLESessions(mgr *session.Manager) { e.bleSessions = mgr }

// SetSink installs the delivery sink (normally the IP session loop).
func (e *Engine) SetSink(sink Sink) { e.sink = sink }

// SetBroadcastSink installs the BLE advertising controller's broadcast
// notification hook.
func (e *Engine) SetBroadcastSink(b BroadcastSink) { e.broadcast = b }

// SetGSN wires the accessory's GSN counter so every raise bumps it
// (spec.md §5).
func (e *Engine) SetGSN(gsn *pairing.GSNStore) { e.gsn = gsn }

// SetReadFunc installs the characteristic-value resolver after
// construction, used by the orchestrator to break the construction-order
// cycle between the event engine (which an access.Engine needs to raise
// into) and the access engine (whose ReadValue the event engine needs to
// resolve a delivery body).
func (e *Engine) SetReadFunc(read ReadFunc) { e.read = read }

// Raise schedules notification dispatch for a characteristic change
// (spec.md §4.2 "raise_event"). If only is non-nil, dispatch is limited to
// that one session; otherwise every subscribed session across both
// transports is notified, and if the characteristic supports BLE
// disconnected notification and no BLE session is currently connected, the
// broadcast sink is driven instead.
func (e *Engine) Raise(accessoryID, characteristicID uint64, only *session.Session) {
	if e.gsn != nil {
		if err := e.gsn.Increment(); err != nil {
			log.Warnf("event: failed to persist GSN bump: %v", err)
		}
	}

	if only != nil {
		if only.IsSubscribed(characteristicID) {
			e.stage(only, accessoryID, characteristicID)
		}
		return
	}

	delivered := false
	if e.ipSessions != nil {
		e.ipSessions.ForEachReady(func(s *session.Session) {
			if s.IsSubscribed(characteristicID) {
				e.stage(s, accessoryID, characteristicID)
				delivered = true
			}
		})
	}
	if e.bleSessions != nil {
		e.bleSessions.ForEachReady(func(s *session.Session) {
			if s.IsSubscribed(characteristicID) {
				e.stage(s, accessoryID, characteristicID)
				delivered = true
			}
		})
	}

	if !delivered && e.broadcast != nil {
		if e.read == nil {
			return
		}
		value, status := e.read(accessoryID, characteristicID)
		if status != db.StatusOK {
			return
		}
		e.broadcast.DeliverBroadcast(accessoryID, characteristicID, value)
	}
}

// stage adds one pending characteristic to sess's coalescing buffer,
// arming a flush timer if none is already running for that session.
func (e *Engine) stage(sess *session.Session, accessoryID, characteristicID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.pending[sess]
	if m == nil {
		m = make(map[uint64]uint64)
		e.pending[sess] = m
	}
	m[characteristicID] = accessoryID

	if _, armed := e.timers[sess]; armed {
		return
	}
	e.timers[sess] = e.clock.AfterFunc(e.coalesceWindow, func() { e.flush(sess) })
}

// flush builds and delivers the coalesced batch for sess, then clears its
// pending state.
func (e *Engine) flush(sess *session.Session) {
	e.mu.Lock()
	m := e.pending[sess]
	delete(e.pending, sess)
	delete(e.timers, sess)
	e.mu.Unlock()

	if len(m) == 0 || e.sink == nil || e.read == nil {
		return
	}

	deliveries := make([]Delivery, 0, len(m))
	for charID, accID := range m {
		value, status := e.read(accID, charID)
		if status != db.StatusOK {
			continue
		}
		deliveries = append(deliveries, Delivery{AccessoryID: accID, CharacteristicID: charID, Value: value})
	}
	if len(deliveries) == 0 {
		return
	}
	log.Debugf("event: delivering %d coalesced change(s) to session slot %d", len(deliveries), sess.Slot())
	e.sink.DeliverEvents(sess, deliveries)
}

// CancelSession drops any pending coalescing state for sess, called when a
// session is released so a stale timer never fires into a reused slot.
func (e *Engine) CancelSession(sess *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[sess]; ok {
		t.Stop()
		delete(e.timers, sess)
	}
	delete(e.pending, sess)
}
