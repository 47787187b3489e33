// Package pairingadmin implements the add/remove/list pairings
// administration operations of spec.md §4.8, layered over pkg/pairing's
// storage primitives with the admin-session gate and the teardown
// semantics that removing a pairing implies: self-removal completes its
// response before invalidating the caller's session, and removing the
// last admin pairing invalidates every other secured session across both
// transports and reopens unauthenticated Pair-Setup.
package pairingadmin

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/session"
)

// ErrNotAdmin is returned when a non-admin session attempts any of the
// three operations (spec.md §4.8 "all requiring an admin session").
var ErrNotAdmin = errors.New("pairingadmin: session is not admin")

// Admin implements the pairings administration surface shared by the IP
// /pairings endpoint and any BLE pairing characteristic.
type Admin struct {
	store       *pairing.Store
	ipSessions  *session.Manager
	bleSessions *session.Manager
}

// New creates an Admin over store, invalidating sessions in ipSessions and
// bleSessions as teardown requires. Either session manager may be nil.
func New(store *pairing.Store, ipSessions, bleSessions *session.Manager) *Admin {
	return &Admin{store: store, ipSessions: ipSessions, bleSessions: bleSessions}
}

// requireAdmin is the shared gate for all three operations.
func requireAdmin(caller *session.Session) error {
	if caller == nil || !caller.Admin() {
		return ErrNotAdmin
	}
	return nil
}

// AddPairing adds or replaces a pairing (spec.md §4.8 add-pairing):
// idempotent by identifier; a conflicting public key for the same
// identifier replaces the record only if admin matches the existing
// record, else fails.
func (a *Admin) AddPairing(caller *session.Session, controllerID string, ltpk []byte, admin bool) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if err := a.store.Add(controllerID, ltpk, admin); err != nil {
		return fmt.Errorf("pairingadmin: add pairing: %w", err)
	}
	return nil
}

// RemovePairing removes a pairing (spec.md §4.8 remove-pairing). The
// caller is responsible for completing the response to the removal
// request *before* calling Finish, so that self-removal's response
// reaches the controller ahead of the session closing; RemovePairing
// itself only mutates the store and reports what teardown is owed.
//
// Outcome.RemovesSelf is true when targetControllerID equals the caller's
// own bound controller: the caller must finish writing its response, then
// invoke (*Admin).Finish. Outcome.InvalidateAll is true when the
// removed pairing was the last admin: every other secured session across
// both transports must be torn down and the accessory reverts to
// unpaired.
func (a *Admin) RemovePairing(caller *session.Session, targetControllerID string) (Outcome, error) {
	if err := requireAdmin(caller); err != nil {
		return Outcome{}, err
	}
	wasLastAdmin, err := a.store.Remove(targetControllerID)
	if err != nil {
		return Outcome{}, fmt.Errorf("pairingadmin: remove pairing: %w", err)
	}

	out := Outcome{
		RemovesSelf:    caller.ControllerID() == targetControllerID,
		InvalidateAll:  wasLastAdmin,
		TargetControllerID: targetControllerID,
	}
	if wasLastAdmin {
		log.Infof("pairingadmin: removed last admin pairing %s, accessory reverts to unpaired", targetControllerID)
	} else {
		log.Infof("pairingadmin: removed pairing %s (self=%v)", targetControllerID, out.RemovesSelf)
	}
	return out, nil
}

// Outcome describes the teardown a completed RemovePairing owes the
// caller, which must be actioned only after the removal response has been
// fully written to the transport.
type Outcome struct {
	TargetControllerID string
	RemovesSelf        bool
	InvalidateAll      bool
}

// Finish actions an Outcome after the caller has flushed its response:
// invalidates the caller's own session if it removed itself, or tears
// down every other secured session across both transports if the last
// admin was removed.
func (a *Admin) Finish(caller *session.Session, out Outcome) {
	if out.InvalidateAll {
		if a.ipSessions != nil {
			a.ipSessions.ReleaseAll()
		}
		if a.bleSessions != nil {
			a.bleSessions.ReleaseAll()
		}
		return
	}
	if out.RemovesSelf {
		if a.ipSessions != nil {
			_ = a.ipSessions.ReleaseByController(out.TargetControllerID)
		}
		if a.bleSessions != nil {
			_ = a.bleSessions.ReleaseByController(out.TargetControllerID)
		}
	}
}

// ListPairings enumerates every installed pairing (spec.md §4.8
// list-pairings).
func (a *Admin) ListPairings(caller *session.Session) ([]pairing.Record, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return a.store.List(), nil
}

// Unpaired reports whether the accessory currently has zero installed
// pairings, used to drive the mDNS `sf` status-flag bit and re-enable
// unauthenticated Pair-Setup (spec.md §4.8, scenario 5).
func (a *Admin) Unpaired() bool {
	return !a.store.HasAnyPairing()
}
