// Package access implements the attribute access engine of spec.md §4.2:
// read/write/subscribe/unsubscribe dispatch against the attribute database,
// gated by the permission chain (existence, operation/property
// compatibility, admin, timed-write, additional authorization) and the
// write-response and raise_event semantics. Grounded on the teacher's
// handler/router.go (auth-gate-then-dispatch shape, applyStateChange).
package access

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/event"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/session"
)

// ErrNotFound is the protocol-level existence-gate failure (spec.md §4.2
// step 1): no accessory/characteristic matches the given ids.
var ErrNotFound = errors.New("access: no such accessory/characteristic")

// MaxTimedWriteTTL bounds a timed-write prepare's requested lifetime
// (spec.md §5).
const MaxTimedWriteTTL = 5 * time.Second

type timedWriteState struct {
	pid    uint64
	charID uint64
	expiry time.Time
}

// Engine is the attribute access engine for one accessory server. It is
// safe for concurrent use, though spec.md §5's single-threaded run-loop
// model means callers in practice serialize access per session already.
type Engine struct {
	db     *db.Database
	events *event.Engine
	clock  platform.Clock

	mu          sync.Mutex
	timedWrites map[*session.Session]*timedWriteState

	// unpaired reports whether the accessory currently has zero pairings,
	// used by the unpaired-Identify gate (SPEC_FULL.md §12).
	unpaired func() bool
}

// NewEngine creates an access engine over db, raising notifications through
// events and using clock for timed-write expiry. unpaired reports whether
// the accessory has zero installed pairings right now.
func NewEngine(database *db.Database, events *event.Engine, clock platform.Clock, unpaired func() bool) *Engine {
	return &Engine{
		db:          database,
		events:      events,
		clock:       clock,
		timedWrites: make(map[*session.Session]*timedWriteState),
		unpaired:    unpaired,
	}
}

// ReadValue resolves a characteristic's current value for event-body
// construction and the IP JSON streamer, bypassing the admin/timed-write
// gates (a server-initiated or enumeration read, not a controller
// request). Suitable as an event.ReadFunc.
func (e *Engine) ReadValue(accessoryID, characteristicID uint64) (db.Value, db.Status) {
	_, _, ch, ok := e.db.Find(accessoryID, characteristicID)
	if !ok || ch.Callbacks.Read == nil {
		return db.Value{}, db.StatusUnknown
	}
	return ch.Callbacks.Read(db.ReadRequest{AccessoryID: accessoryID, CharacteristicID: characteristicID})
}

// Read performs a controller-initiated read (spec.md §4.2), applying the
// existence, readable, and admin gates before invoking the callback.
func (e *Engine) Read(sess *session.Session, accessoryID, characteristicID uint64) (db.Value, db.Status, error) {
	_, _, ch, ok := e.db.Find(accessoryID, characteristicID)
	if !ok {
		return db.Value{}, db.StatusUnknown, ErrNotFound
	}
	if !ch.Properties.Readable {
		return db.Value{}, db.StatusInvalidState, nil
	}
	if ch.Properties.RequiresAdminToRead && !e.sessionAdmin(sess) {
		return db.Value{}, db.StatusNotAuthorized, nil
	}
	if ch.Callbacks.Read == nil {
		return db.Value{}, db.StatusUnknown, nil
	}

	sessionID := uint64(0)
	if sess != nil {
		sessionID = uint64(sess.Slot())
	}
	value, status := ch.Callbacks.Read(db.ReadRequest{SessionID: sessionID, AccessoryID: accessoryID, CharacteristicID: characteristicID})
	return value, status, nil
}

// Write performs a controller-initiated write (spec.md §4.2), applying the
// existence, writable, admin and timed-write gates before invoking the
// callback. authData carries any supplied additional-authorization blob;
// the write callback itself is responsible for validating it and may
// return StatusNotAuthorized. timedWritePID/hasPID identify the IP
// exec-timed-write PID accompanying this write, if any.
func (e *Engine) Write(sess *session.Session, accessoryID, characteristicID uint64, value db.Value, authData []byte, timedWritePID uint64, hasPID bool) (db.Status, error) {
	_, _, ch, ok := e.db.Find(accessoryID, characteristicID)
	if !ok {
		return db.StatusUnknown, ErrNotFound
	}
	if !ch.Properties.Writable {
		return db.StatusInvalidState, nil
	}
	if ch.Properties.RequiresAdminToWrite && !e.sessionAdmin(sess) {
		return db.StatusNotAuthorized, nil
	}
	if ch.Properties.RequiresTimedWrite {
		if !hasPID {
			return db.StatusInvalidState, nil
		}
		if !e.consumeTimedWrite(sess, characteristicID, timedWritePID) {
			return db.StatusInvalidState, nil
		}
	}
	if ch.Callbacks.Write == nil {
		return db.StatusUnknown, nil
	}

	sessionID := uint64(0)
	if sess != nil {
		sessionID = uint64(sess.Slot())
	}
	status := ch.Callbacks.Write(db.WriteRequest{
		SessionID:         sessionID,
		AccessoryID:       accessoryID,
		CharacteristicID:  characteristicID,
		Value:             value,
		AuthorizationData: authData,
	})
	return status, nil
}

// WriteWithResponse performs Write and, when the characteristic declares
// IP write-response, immediately follows a successful write with a single
// read on the same session, with no intervening request (spec.md §4.2
// "Write response"). hasValue reports whether a read value accompanies
// the response.
func (e *Engine) WriteWithResponse(sess *session.Session, accessoryID, characteristicID uint64, value db.Value, authData []byte, timedWritePID uint64, hasPID bool) (status db.Status, readValue db.Value, hasValue bool, err error) {
	status, err = e.Write(sess, accessoryID, characteristicID, value, authData, timedWritePID, hasPID)
	if err != nil || status != db.StatusOK {
		return status, db.Value{}, false, err
	}
	_, _, ch, ok := e.db.Find(accessoryID, characteristicID)
	if !ok || !ch.Properties.IPSupportsWriteResponse {
		return status, db.Value{}, false, nil
	}
	rv, rstatus, rerr := e.Read(sess, accessoryID, characteristicID)
	if rerr != nil || rstatus != db.StatusOK {
		return status, db.Value{}, false, rerr
	}
	return status, rv, true, nil
}

// Subscribe adds characteristicID to sess's subscription set and invokes
// the characteristic's Subscribe callback, if any. Idempotent; never
// fails (spec.md §4.2).
func (e *Engine) Subscribe(sess *session.Session, accessoryID, characteristicID uint64) {
	_, _, ch, ok := e.db.Find(accessoryID, characteristicID)
	if !ok || !ch.Properties.SupportsEventNotification {
		return
	}
	already := sess.IsSubscribed(characteristicID)
	sess.Subscribe(characteristicID)
	if !already && ch.Callbacks.Subscribe != nil {
		ch.Callbacks.Subscribe(db.SubscribeRequest{SessionID: uint64(sess.Slot()), AccessoryID: accessoryID, CharacteristicID: characteristicID})
	}
}

// Unsubscribe removes characteristicID from sess's subscription set and
// invokes the Unsubscribe callback, if any. Idempotent; never fails.
func (e *Engine) Unsubscribe(sess *session.Session, accessoryID, characteristicID uint64) {
	_, _, ch, ok := e.db.Find(accessoryID, characteristicID)
	was := sess.IsSubscribed(characteristicID)
	sess.Unsubscribe(characteristicID)
	if ok && was && ch.Callbacks.Unsubscribe != nil {
		ch.Callbacks.Unsubscribe(db.SubscribeRequest{SessionID: uint64(sess.Slot()), AccessoryID: accessoryID, CharacteristicID: characteristicID})
	}
}

// RaiseEvent schedules notification dispatch for a characteristic change,
// to every subscribed session (only == nil) or to a single session.
func (e *Engine) RaiseEvent(accessoryID, characteristicID uint64, only *session.Session) {
	if e.events == nil {
		return
	}
	e.events.Raise(accessoryID, characteristicID, only)
}

// PrepareTimedWrite records a timed-write PID for characteristicID on
// sess, valid for min(ttl, MaxTimedWriteTTL) (spec.md §4.2 step 4, §5).
func (e *Engine) PrepareTimedWrite(sess *session.Session, characteristicID, pid uint64, ttl time.Duration) {
	if ttl > MaxTimedWriteTTL {
		ttl = MaxTimedWriteTTL
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timedWrites[sess] = &timedWriteState{pid: pid, charID: characteristicID, expiry: e.clock.Now().Add(ttl)}
}

// consumeTimedWrite reports whether a matching, unexpired prepare exists
// for (sess, characteristicID, pid), consuming it on success.
func (e *Engine) consumeTimedWrite(sess *session.Session, characteristicID, pid uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.timedWrites[sess]
	if !ok || st.charID != characteristicID || st.pid != pid {
		return false
	}
	delete(e.timedWrites, sess)
	if e.clock.Now().After(st.expiry) {
		return false
	}
	return true
}

// CancelSession drops any pending timed-write prepare for sess, called on
// session teardown.
func (e *Engine) CancelSession(sess *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.timedWrites, sess)
}

func (e *Engine) sessionAdmin(sess *session.Session) bool {
	return sess != nil && sess.Admin()
}

// Database exposes the underlying attribute database read-only, for the
// IP JSON streamer and BLE signature-read opcodes.
func (e *Engine) Database() *db.Database { return e.db }

// Unpaired reports whether the accessory currently has zero installed
// pairings, used by the IP transport's dedicated unpaired-only /identify
// endpoint (spec.md §4.7, SPEC_FULL.md §12).
func (e *Engine) Unpaired() bool {
	if e.unpaired == nil {
		return false
	}
	return e.unpaired()
}

// ErrNotUnpaired is returned by Identify when the accessory already has a
// pairing; the /identify endpoint is unpaired-accessory-only.
var ErrNotUnpaired = errors.New("access: accessory already paired")

// Identify invokes accessoryID's identify action directly, for the IP
// transport's dedicated /identify endpoint (spec.md §4.7), which only
// operates while the accessory is unpaired.
func (e *Engine) Identify(accessoryID uint64) error {
	if !e.Unpaired() {
		return ErrNotUnpaired
	}
	for _, acc := range e.db.Accessories {
		if acc.ID == accessoryID && acc.Identify != nil {
			log.Infof("access: unpaired identify invoked for accessory %d", accessoryID)
			acc.Identify()
			return nil
		}
	}
	return ErrNotFound
}
