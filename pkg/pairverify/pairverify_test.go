package pairverify

import (
	"bytes"
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/jwoglom/haprt/pkg/hapcrypto"
	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/tlv8"
)

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

func TestFullPairVerifyExchange(t *testing.T) {
	store, err := pairing.NewStore(newMemKV(), 4)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ctrlPub, ctrlPriv, _ := ed25519.GenerateKey(nil)
	const controllerID = "controller-1"
	if err := store.Add(controllerID, ctrlPub, true); err != nil {
		t.Fatalf("Add pairing: %v", err)
	}

	accPub, accPriv, _ := hapcrypto.GenerateLongTermKeyPair()
	deviceID := []byte("AA:BB:CC:DD:EE:01")
	machine := New(Identity{Public: accPub, Private: accPriv}, deviceID, store)

	// M1: controller sends its ephemeral public key.
	ctrlKeys, err := hapcrypto.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}
	m1 := tlv8.NewWriter()
	m1.Append(tlv8.Item{Type: tlvState, Value: []byte{1}})
	m1.Append(tlv8.Item{Type: tlvPublicKey, Value: ctrlKeys.Public[:]})
	m2, err := machine.HandleRequest(m1.Bytes())
	if err != nil {
		t.Fatalf("M1: %v", err)
	}

	m2Fields, err := tlv8.ExtractByType(m2, tlvState, tlvPublicKey, tlvEncryptedData, tlvError)
	if err != nil {
		t.Fatalf("parse M2: %v", err)
	}
	if _, failed := m2Fields[tlvError]; failed {
		t.Fatalf("M2 carried an error TLV")
	}
	accEphemeralPub := m2Fields[tlvPublicKey]

	ctrlShared, err := ctrlKeys.SharedSecret(accEphemeralPub)
	if err != nil {
		t.Fatalf("controller SharedSecret: %v", err)
	}
	ctrlEncryptKey, err := hapcrypto.DeriveKey(ctrlShared, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	if err != nil {
		t.Fatalf("derive controller encrypt key: %v", err)
	}
	accSubPlaintext, err := hapcrypto.Open(ctrlEncryptKey, "PV-Msg02", m2Fields[tlvEncryptedData], nil)
	if err != nil {
		t.Fatalf("open M2 sub-TLV: %v", err)
	}
	accSub, err := tlv8.ExtractByType(accSubPlaintext, tlvIdentifier, tlvSignature)
	if err != nil {
		t.Fatalf("parse accessory sub-TLV: %v", err)
	}
	accSignedMaterial := append(append([]byte{}, accEphemeralPub...), accSub[tlvIdentifier]...)
	accSignedMaterial = append(accSignedMaterial, ctrlKeys.Public[:]...)
	if !hapcrypto.VerifySignature(accPub, accSignedMaterial, accSub[tlvSignature]) {
		t.Fatalf("accessory signature in M2 failed verification")
	}

	// M3: controller proves its identity.
	ctrlSignedMaterial := append(append([]byte{}, ctrlKeys.Public[:]...), []byte(controllerID)...)
	ctrlSignedMaterial = append(ctrlSignedMaterial, accEphemeralPub...)
	ctrlSig := hapcrypto.Sign(ctrlPriv, ctrlSignedMaterial)

	ctrlSub := tlv8.NewWriter()
	ctrlSub.Append(tlv8.Item{Type: tlvIdentifier, Value: []byte(controllerID)})
	ctrlSub.Append(tlv8.Item{Type: tlvSignature, Value: ctrlSig})
	sealed, err := hapcrypto.Seal(ctrlEncryptKey, "PV-Msg03", ctrlSub.Bytes(), nil)
	if err != nil {
		t.Fatalf("seal M3: %v", err)
	}

	m3 := tlv8.NewWriter()
	m3.Append(tlv8.Item{Type: tlvState, Value: []byte{3}})
	m3.Append(tlv8.Item{Type: tlvEncryptedData, Value: sealed})
	m4, err := machine.HandleRequest(m3.Bytes())
	if err != nil {
		t.Fatalf("M3: %v", err)
	}
	m4Fields, err := tlv8.ExtractByType(m4, tlvState, tlvError)
	if err != nil {
		t.Fatalf("parse M4: %v", err)
	}
	if _, failed := m4Fields[tlvError]; failed {
		t.Fatalf("M4 carried an error TLV")
	}

	if machine.State() != StateDone {
		t.Fatalf("state = %v, want Done", machine.State())
	}
	result := machine.Result()
	if result == nil {
		t.Fatalf("expected a non-nil Result after M4")
	}
	if result.ControllerID != controllerID {
		t.Errorf("ControllerID = %q, want %q", result.ControllerID, controllerID)
	}

	ctrlReadKey, _ := hapcrypto.DeriveKey(ctrlShared, "Control-Salt", "Control-Read-Encryption-Key")
	ctrlWriteKey, _ := hapcrypto.DeriveKey(ctrlShared, "Control-Salt", "Control-Write-Encryption-Key")
	if !bytes.Equal(result.ReadKey, ctrlReadKey) {
		t.Errorf("read key mismatch between accessory and controller derivation")
	}
	if !bytes.Equal(result.WriteKey, ctrlWriteKey) {
		t.Errorf("write key mismatch between accessory and controller derivation")
	}
}

func TestM3RejectsUnknownController(t *testing.T) {
	store, _ := pairing.NewStore(newMemKV(), 4)
	accPub, accPriv, _ := hapcrypto.GenerateLongTermKeyPair()
	machine := New(Identity{Public: accPub, Private: accPriv}, []byte("dev"), store)

	ctrlKeys, _ := hapcrypto.GenerateX25519KeyPair()
	m1 := tlv8.NewWriter()
	m1.Append(tlv8.Item{Type: tlvState, Value: []byte{1}})
	m1.Append(tlv8.Item{Type: tlvPublicKey, Value: ctrlKeys.Public[:]})
	m2, err := machine.HandleRequest(m1.Bytes())
	if err != nil {
		t.Fatalf("M1: %v", err)
	}
	m2Fields, _ := tlv8.ExtractByType(m2, tlvPublicKey, tlvEncryptedData)
	accEphemeralPub := m2Fields[tlvPublicKey]

	ctrlShared, _ := ctrlKeys.SharedSecret(accEphemeralPub)
	ctrlEncryptKey, _ := hapcrypto.DeriveKey(ctrlShared, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")

	_, unknownPriv, _ := ed25519.GenerateKey(nil)
	ctrlSignedMaterial := append(append([]byte{}, ctrlKeys.Public[:]...), []byte("nobody")...)
	ctrlSignedMaterial = append(ctrlSignedMaterial, accEphemeralPub...)
	sig := hapcrypto.Sign(unknownPriv, ctrlSignedMaterial)

	ctrlSub := tlv8.NewWriter()
	ctrlSub.Append(tlv8.Item{Type: tlvIdentifier, Value: []byte("nobody")})
	ctrlSub.Append(tlv8.Item{Type: tlvSignature, Value: sig})
	sealed, _ := hapcrypto.Seal(ctrlEncryptKey, "PV-Msg03", ctrlSub.Bytes(), nil)

	m3 := tlv8.NewWriter()
	m3.Append(tlv8.Item{Type: tlvState, Value: []byte{3}})
	m3.Append(tlv8.Item{Type: tlvEncryptedData, Value: sealed})
	m4, err := machine.HandleRequest(m3.Bytes())
	if err != nil {
		t.Fatalf("M3: %v", err)
	}
	m4Fields, _ := tlv8.ExtractByType(m4, tlvState, tlvError)
	if _, failed := m4Fields[tlvError]; !failed {
		t.Fatalf("expected an error response for an unrecognized controller")
	}
	if machine.State() != StateError {
		t.Errorf("state = %v, want Error", machine.State())
	}
}
