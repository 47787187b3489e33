// Package pairverify implements the four-half-message Pair-Verify ECDH
// exchange (spec.md §4.4) that upgrades an already-paired controller's
// connection into a live, encrypted session.
package pairverify

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/hapcrypto"
	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/tlv8"
)

// TLV8 item type tags, shared numbering with pairsetup (spec.md §4.3/§4.4
// use the same tag space).
const (
	tlvIdentifier    byte = 0x01
	tlvPublicKey     byte = 0x03
	tlvSignature     byte = 0x0A
	tlvState         byte = 0x06
	tlvError         byte = 0x07
	tlvEncryptedData byte = 0x05
)

type errorCode byte

const (
	errUnknown        errorCode = 0x01
	errAuthentication errorCode = 0x02
)

// State is one step of the Pair-Verify state machine.
type State int

const (
	StateIdle State = iota
	StateM1Received
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateM1Received:
		return "m1-received"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Result carries the installed transport keys and bound controller once a
// Pair-Verify exchange completes.
type Result struct {
	ControllerID string
	Admin        bool
	ReadKey      []byte // controller -> accessory
	WriteKey     []byte // accessory -> controller
}

// Identity is the accessory's long-term Ed25519 key pair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Machine drives one Pair-Verify exchange for a single session.
type Machine struct {
	state    State
	identity Identity
	deviceID []byte
	pairings *pairing.Store

	accessoryKeys  *hapcrypto.X25519KeyPair
	controllerPub  []byte
	sharedSecret   []byte
	encryptKey     []byte
	result         *Result
}

// New creates a Pair-Verify machine bound to the accessory's long-term
// identity, device identifier and pairing store (used to look up the
// controller's long-term public key for M3 signature verification).
func New(identity Identity, deviceID []byte, pairings *pairing.Store) *Machine {
	return &Machine{state: StateIdle, identity: identity, deviceID: deviceID, pairings: pairings}
}

// State returns the machine's current step.
func (m *Machine) State() State { return m.state }

// Result returns the completed exchange's installed keys; nil until Done.
func (m *Machine) Result() *Result { return m.result }

// SharedSecret returns the raw X25519 ECDH shared secret computed in M1,
// used by pkg/ble to seed the Pair-Resume cache (spec.md §4.6) once the
// exchange reaches StateDone. Returns nil before M1 completes.
func (m *Machine) SharedSecret() []byte { return m.sharedSecret }

// HandleRequest dispatches one incoming TLV8 message and returns the TLV8
// response to send back.
func (m *Machine) HandleRequest(body []byte) ([]byte, error) {
	fields, err := tlv8.ExtractByType(body, tlvState, tlvPublicKey, tlvEncryptedData)
	if err != nil {
		return m.errorResponse(1, errUnknown), nil
	}
	stateBytes, ok := fields[tlvState]
	if !ok || len(stateBytes) != 1 {
		return m.errorResponse(1, errUnknown), nil
	}

	switch stateBytes[0] {
	case 1:
		return m.handleM1(fields)
	case 3:
		return m.handleM3(fields)
	default:
		return m.errorResponse(stateBytes[0]+1, errUnknown), nil
	}
}

func (m *Machine) handleM1(fields map[byte][]byte) ([]byte, error) {
	if m.state != StateIdle {
		m.state = StateError
		return m.errorResponse(2, errUnknown), nil
	}
	controllerPub, ok := fields[tlvPublicKey]
	if !ok || len(controllerPub) != 32 {
		m.state = StateError
		return m.errorResponse(2, errUnknown), nil
	}
	m.controllerPub = controllerPub

	keys, err := hapcrypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("pairverify: generate ephemeral key pair: %w", err)
	}
	m.accessoryKeys = keys

	shared, err := keys.SharedSecret(controllerPub)
	if err != nil {
		m.state = StateError
		return m.errorResponse(2, errAuthentication), nil
	}
	m.sharedSecret = shared

	signedMaterial := append(append([]byte{}, keys.Public[:]...), m.deviceID...)
	signedMaterial = append(signedMaterial, controllerPub...)
	accessorySig := hapcrypto.Sign(m.identity.Private, signedMaterial)

	sub := tlv8.NewWriter()
	sub.Append(tlv8.Item{Type: tlvIdentifier, Value: m.deviceID})
	sub.Append(tlv8.Item{Type: tlvSignature, Value: accessorySig})

	encryptKey, err := hapcrypto.DeriveKey(shared, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	if err != nil {
		return nil, fmt.Errorf("pairverify: derive encrypt key: %w", err)
	}
	m.encryptKey = encryptKey

	sealed, err := hapcrypto.Seal(encryptKey, "PV-Msg02", sub.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("pairverify: seal M2: %w", err)
	}

	m.state = StateM1Received

	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{2}})
	w.Append(tlv8.Item{Type: tlvPublicKey, Value: keys.Public[:]})
	w.Append(tlv8.Item{Type: tlvEncryptedData, Value: sealed})
	return w.Bytes(), nil
}

func (m *Machine) handleM3(fields map[byte][]byte) ([]byte, error) {
	if m.state != StateM1Received {
		m.state = StateError
		return m.errorResponse(4, errUnknown), nil
	}
	encrypted, ok := fields[tlvEncryptedData]
	if !ok {
		m.state = StateError
		return m.errorResponse(4, errUnknown), nil
	}

	plaintext, err := hapcrypto.Open(m.encryptKey, "PV-Msg03", encrypted, nil)
	if err != nil {
		return m.fail(4)
	}

	subFields, err := tlv8.ExtractByType(plaintext, tlvIdentifier, tlvSignature)
	if err != nil {
		return m.fail(4)
	}
	controllerID, ok := subFields[tlvIdentifier]
	if !ok {
		return m.fail(4)
	}
	sig, ok := subFields[tlvSignature]
	if !ok {
		return m.fail(4)
	}

	rec, err := m.pairings.Lookup(string(controllerID))
	if err != nil {
		return m.fail(4)
	}

	signedMaterial := append(append([]byte{}, m.controllerPub...), controllerID...)
	signedMaterial = append(signedMaterial, m.accessoryKeys.Public[:]...)
	if !hapcrypto.VerifySignature(rec.LongTermPublicKey, signedMaterial, sig) {
		return m.fail(4)
	}

	readKey, err := hapcrypto.DeriveKey(m.sharedSecret, "Control-Salt", "Control-Read-Encryption-Key")
	if err != nil {
		return nil, fmt.Errorf("pairverify: derive read key: %w", err)
	}
	writeKey, err := hapcrypto.DeriveKey(m.sharedSecret, "Control-Salt", "Control-Write-Encryption-Key")
	if err != nil {
		return nil, fmt.Errorf("pairverify: derive write key: %w", err)
	}

	m.result = &Result{ControllerID: string(controllerID), Admin: rec.Admin, ReadKey: readKey, WriteKey: writeKey}
	m.state = StateDone
	log.Infof("pairverify: session bound to controller %s", string(controllerID))

	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{4}})
	return w.Bytes(), nil
}

func (m *Machine) fail(respState byte) ([]byte, error) {
	m.state = StateError
	return m.errorResponse(respState, errAuthentication), nil
}

func (m *Machine) errorResponse(respState byte, code errorCode) []byte {
	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{respState}})
	w.Append(tlv8.Item{Type: tlvError, Value: []byte{byte(code)}})
	return w.Bytes()
}

// ErrNotBound is returned by callers that need a completed Result before
// one is available.
var ErrNotBound = errors.New("pairverify: exchange not complete")
