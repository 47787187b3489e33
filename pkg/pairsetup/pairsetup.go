// Package pairsetup implements the six-half-message Pair-Setup SRP
// exchange (spec.md §4.3) by which a new controller becomes a pairing.
// The accessory always holds the SRP verifier role.
package pairsetup

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/hapcrypto"
	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/tlv8"
)

// State is one step of the Pair-Setup state machine.
type State int

const (
	StateIdle State = iota
	StateM1Received
	StateM3Received
	StateM5Received
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateM1Received:
		return "m1-received"
	case StateM3Received:
		return "m3-received"
	case StateM5Received:
		return "m5-received"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// inactivityTimeout aborts a stale exchange (spec.md §4.3).
const inactivityTimeout = 60 * time.Second

// MaxAuthAttempts is the device-lifetime cap on failed Pair-Setup attempts
// (spec.md §4.3 kMaxAuthAttempts).
const MaxAuthAttempts = 100

// ErrMaxTriesExceeded is returned once the device-lifetime failure budget
// is exhausted; the caller must refuse all further attempts permanently.
var ErrMaxTriesExceeded = errors.New("pairsetup: max auth attempts exceeded")

// SetupCodeProvider yields the current 8-digit setup code, sourced from a
// fixed value, a platform display, or an NFC/keypad reader.
type SetupCodeProvider func() (string, error)

// AttemptCounter tracks failed Pair-Setup attempts across the device's
// lifetime; the accessory server owns one instance shared by every
// Machine.
type AttemptCounter struct {
	count int
}

// Increment records a failed attempt, returning ErrMaxTriesExceeded once
// the budget is exhausted.
func (c *AttemptCounter) Increment() error {
	c.count++
	if c.count > MaxAuthAttempts {
		return ErrMaxTriesExceeded
	}
	return nil
}

// Exceeded reports whether the budget is already exhausted.
func (c *AttemptCounter) Exceeded() bool { return c.count > MaxAuthAttempts }

// Identity is the accessory's long-term Ed25519 key pair, used to sign M4.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Machine drives one Pair-Setup exchange for a single session.
type Machine struct {
	state        State
	setupCode    SetupCodeProvider
	pairings     *pairing.Store
	identity     Identity
	deviceID     []byte
	attempts     *AttemptCounter
	lastActivity time.Time

	srp        *hapcrypto.ServerSession
	sessionKey []byte
}

// New creates a Pair-Setup machine bound to the accessory's pairing store,
// long-term identity, device identifier and shared attempt counter.
func New(setupCode SetupCodeProvider, pairings *pairing.Store, identity Identity, deviceID []byte, attempts *AttemptCounter) *Machine {
	return &Machine{
		state:     StateIdle,
		setupCode: setupCode,
		pairings:  pairings,
		identity:  identity,
		deviceID:  deviceID,
		attempts:  attempts,
	}
}

// State returns the machine's current step.
func (m *Machine) State() State { return m.state }

// Expired reports whether the machine has been idle past the inactivity
// timeout while mid-exchange.
func (m *Machine) Expired(now time.Time) bool {
	if m.state == StateIdle || m.state == StateDone || m.state == StateError {
		return false
	}
	return now.Sub(m.lastActivity) > inactivityTimeout
}

// Abort transitions the machine to Error, e.g. on transport disconnect.
func (m *Machine) Abort() {
	m.state = StateError
}

// HandleRequest dispatches one incoming TLV8 message and returns the TLV8
// response to send back. An error return means the caller must close the
// transport; a response carrying a tlvError item is the normal protocol
// failure path and does not itself terminate the transport.
func (m *Machine) HandleRequest(now time.Time, body []byte) ([]byte, error) {
	m.lastActivity = now

	fields, err := tlv8.ExtractByType(body, tlvState, tlvMethod, tlvPublicKey, tlvProof, tlvEncryptedData)
	if err != nil {
		return m.errorResponse(1, errUnknown), nil
	}
	stateBytes, ok := fields[tlvState]
	if !ok || len(stateBytes) != 1 {
		return m.errorResponse(1, errUnknown), nil
	}

	switch stateBytes[0] {
	case 1:
		return m.handleM1()
	case 3:
		return m.handleM3(fields)
	case 5:
		return m.handleM5(fields)
	default:
		return m.errorResponse(stateBytes[0]+1, errUnknown), nil
	}
}

func (m *Machine) handleM1() ([]byte, error) {
	if m.attempts.Exceeded() {
		return m.errorResponse(2, errMaxTries), nil
	}
	if m.state != StateIdle {
		m.state = StateError
		return m.errorResponse(2, errUnavailable), nil
	}
	if m.pairings.HasAnyPairing() {
		m.state = StateError
		return m.errorResponse(2, errUnavailable), nil
	}

	code, err := m.setupCode()
	if err != nil {
		return nil, fmt.Errorf("pairsetup: obtain setup code: %w", err)
	}

	srp, err := hapcrypto.NewServerSession(code)
	if err != nil {
		return nil, fmt.Errorf("pairsetup: start SRP session: %w", err)
	}
	m.srp = srp
	m.state = StateM1Received

	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{2}})
	w.Append(tlv8.Item{Type: tlvPublicKey, Value: srp.PublicValue()})
	w.Append(tlv8.Item{Type: tlvSalt, Value: srp.Salt()})
	log.Debugf("pairsetup: M1->M2, salt=%s", srp.DebugSalt())
	return w.Bytes(), nil
}

func (m *Machine) handleM3(fields map[byte][]byte) ([]byte, error) {
	if m.state != StateM1Received {
		m.state = StateError
		return m.errorResponse(4, errUnknown), nil
	}
	clientPublic, okA := fields[tlvPublicKey]
	clientProof, okM1 := fields[tlvProof]
	if !okA || !okM1 {
		m.state = StateError
		return m.errorResponse(4, errUnknown), nil
	}

	if err := m.srp.SetClientPublic(clientPublic); err != nil {
		return m.fail(4, errAuthentication)
	}
	if err := m.srp.VerifyClientProof(clientProof); err != nil {
		return m.fail(4, errAuthentication)
	}

	m.sessionKey = m.srp.SessionKey()
	m.state = StateM3Received

	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{4}})
	w.Append(tlv8.Item{Type: tlvProof, Value: m.srp.ServerProof(clientProof)})
	return w.Bytes(), nil
}

// subTLV is the decrypted M5 payload: controller identifier, long-term
// public key and signature (spec.md §4.3).
type subTLV struct {
	identifier string
	ltpk       []byte
	signature  []byte
}

func (m *Machine) handleM5(fields map[byte][]byte) ([]byte, error) {
	if m.state != StateM3Received {
		m.state = StateError
		return m.errorResponse(6, errUnknown), nil
	}
	encrypted, ok := fields[tlvEncryptedData]
	if !ok {
		m.state = StateError
		return m.errorResponse(6, errUnknown), nil
	}

	encryptKey, err := hapcrypto.DeriveKey(m.sessionKey, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	if err != nil {
		return nil, fmt.Errorf("pairsetup: derive M5 encrypt key: %w", err)
	}
	plaintext, err := hapcrypto.Open(encryptKey, "PS-Msg05", encrypted, nil)
	if err != nil {
		return m.fail(6, errAuthentication)
	}

	sub, err := parseSubTLV(plaintext)
	if err != nil {
		return m.fail(6, errAuthentication)
	}

	signSalt, err := hapcrypto.DeriveKey(m.sessionKey, "Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info")
	if err != nil {
		return nil, fmt.Errorf("pairsetup: derive controller sign salt: %w", err)
	}
	signedMaterial := append(append([]byte{}, signSalt...), []byte(sub.identifier)...)
	signedMaterial = append(signedMaterial, sub.ltpk...)

	if !hapcrypto.VerifySignature(sub.ltpk, signedMaterial, sub.signature) {
		return m.fail(6, errAuthentication)
	}

	if err := m.pairings.Add(sub.identifier, sub.ltpk, true); err != nil {
		return m.fail(6, errMaxPeers)
	}

	accessorySignSalt, err := hapcrypto.DeriveKey(m.sessionKey, "Pair-Setup-Accessory-Sign-Salt", "Pair-Setup-Accessory-Sign-Info")
	if err != nil {
		return nil, fmt.Errorf("pairsetup: derive accessory sign salt: %w", err)
	}
	accessoryMaterial := append(append([]byte{}, accessorySignSalt...), m.accessoryIdentifier()...)
	accessoryMaterial = append(accessoryMaterial, m.identity.Public...)
	accessorySig := hapcrypto.Sign(m.identity.Private, accessoryMaterial)

	respSub := tlv8.NewWriter()
	respSub.Append(tlv8.Item{Type: tlvIdentifier, Value: []byte(m.accessoryIdentifier())})
	respSub.Append(tlv8.Item{Type: tlvPublicKey, Value: m.identity.Public})
	respSub.Append(tlv8.Item{Type: tlvSignature, Value: accessorySig})

	respEncryptKey := encryptKey
	sealed, err := hapcrypto.Seal(respEncryptKey, "PS-Msg06", respSub.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("pairsetup: seal M6: %w", err)
	}

	m.state = StateDone
	log.Infof("pairsetup: installed admin pairing for controller %s", sub.identifier)

	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{6}})
	w.Append(tlv8.Item{Type: tlvEncryptedData, Value: sealed})
	return w.Bytes(), nil
}

// accessoryIdentifier returns the accessory's device identifier, used as
// its pairing identifier in the M6 sub-TLV.
func (m *Machine) accessoryIdentifier() []byte { return m.deviceID }

func parseSubTLV(buf []byte) (subTLV, error) {
	fields, err := tlv8.ExtractByType(buf, tlvIdentifier, tlvPublicKey, tlvSignature)
	if err != nil {
		return subTLV{}, err
	}
	id, ok := fields[tlvIdentifier]
	if !ok {
		return subTLV{}, errors.New("pairsetup: M5 sub-TLV missing identifier")
	}
	ltpk, ok := fields[tlvPublicKey]
	if !ok || len(ltpk) != ed25519.PublicKeySize {
		return subTLV{}, errors.New("pairsetup: M5 sub-TLV missing or malformed public key")
	}
	sig, ok := fields[tlvSignature]
	if !ok {
		return subTLV{}, errors.New("pairsetup: M5 sub-TLV missing signature")
	}
	return subTLV{identifier: string(id), ltpk: ltpk, signature: sig}, nil
}

func (m *Machine) fail(respState byte, code errorCode) ([]byte, error) {
	m.state = StateError
	if err := m.attempts.Increment(); err != nil {
		log.Warnf("pairsetup: device-lifetime auth attempt budget exhausted")
	}
	return m.errorResponse(respState, code), nil
}

func (m *Machine) errorResponse(respState byte, code errorCode) []byte {
	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{respState}})
	w.Append(tlv8.Item{Type: tlvError, Value: []byte{byte(code)}})
	return w.Bytes()
}
